// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package log

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestWithComponent(t *testing.T) {
	var output bytes.Buffer
	SetOutput(&output)

	WithComponent("supervisor").Warn("child refused to die")

	written := output.String()
	assert.Contains(t, written, "child refused to die")
	assert.Contains(t, written, "component")
	assert.Contains(t, written, "supervisor")
}

func TestEntry_WithProject_WithSession(t *testing.T) {
	var output bytes.Buffer
	SetOutput(&output)

	WithProject("p-1").WithSession("s-1").Warn("some msg")

	written := output.String()
	assert.Contains(t, written, "some msg")
	assert.Contains(t, written, "p-1")
	assert.Contains(t, written, "s-1")
}

func TestEntry_LazyFieldsNotComputedWhenDisabled(t *testing.T) {
	var output bytes.Buffer
	SetOutput(&output)
	SetLevel(logrus.InfoLevel)

	computed := false
	WithComponent("x").WithFieldsF(func() logrus.Fields {
		computed = true
		return logrus.Fields{"expensive": true}
	}).Debug("discarded")

	assert.False(t, computed)
	assert.Empty(t, output.String())
}
