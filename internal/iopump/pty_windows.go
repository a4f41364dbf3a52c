// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package iopump

import (
	"os"
	"os/exec"

	"github.com/openrunner/openrunner/pkg/model"
	"github.com/pkg/errors"
)

// PTY is not supported on Windows; interactive projects fall back to pipes.
type PTY struct{}

func StartPTY(_ *exec.Cmd, _, _ uint16) (*PTY, error) {
	return nil, errors.Wrap(model.ErrPlatform, "pty mode is not supported on windows")
}

func (p *PTY) Reader() *os.File          { return nil }
func (p *PTY) WriteStdin(_ []byte) error { return model.ErrPlatform }
func (p *PTY) Resize(_, _ uint16) error  { return model.ErrPlatform }
func (p *PTY) Close() error              { return nil }
