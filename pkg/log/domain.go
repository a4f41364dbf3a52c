// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0
// supervisor domain decorators
package log

import (
	"github.com/sirupsen/logrus"
)

// WithComponent decorates log context with a component name.
func WithComponent(name string) Entry {
	return func() *logrus.Entry {
		return w.l.WithField("component", name)
	}
}

// WithComponent decorates entry context with a component name.
func (e Entry) WithComponent(name string) Entry {
	return func() *logrus.Entry {
		return e().WithField("component", name)
	}
}

// WithProject decorates log context with a project id.
func WithProject(id string) Entry {
	return func() *logrus.Entry {
		return w.l.WithField("project", id)
	}
}

// WithProject decorates entry context with a project id.
func (e Entry) WithProject(id string) Entry {
	return func() *logrus.Entry {
		return e().WithField("project", id)
	}
}

// WithGroup decorates entry context with a group id.
func (e Entry) WithGroup(id string) Entry {
	return func() *logrus.Entry {
		return e().WithField("group", id)
	}
}

// WithSession decorates entry context with a session id.
func (e Entry) WithSession(id string) Entry {
	return func() *logrus.Entry {
		return e().WithField("session", id)
	}
}
