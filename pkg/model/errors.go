// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package model

import (
	"errors"
	"fmt"
)

// Error kinds for the command surface. Handlers map these onto HTTP status
// codes; callers test with errors.Is.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrStorage  = errors.New("storage error")
	ErrSpawn    = errors.New("process could not be spawned")
	ErrShell    = errors.New("no usable shell found")
	ErrPlatform = errors.New("platform call failed")
	ErrParse    = errors.New("invalid YAML")
	ErrState    = errors.New("operation invalid for current state")
)

// NotFoundf builds an ErrNotFound with a formatted detail message.
func NotFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Conflictf builds an ErrConflict with a formatted detail message.
func Conflictf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}
