// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package platform encapsulates the OS-specific parts of process
// supervision: shell resolution, spawn attributes, process-group signaling,
// orphan reaping and the pid ledger.
package platform

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/shlex"
	"github.com/openrunner/openrunner/pkg/log"
	"github.com/openrunner/openrunner/pkg/model"
)

var shlog = log.WithComponent("platform.Shell")

// Shell is a resolved shell binary plus any user-supplied extra args.
type Shell struct {
	Path string
	Args []string
}

// DetectShell resolves the shell to wrap commands with. Order: the override
// (config or settings, shlex-parsed so flags may be embedded), $SHELL, then
// a fixed candidate list.
func DetectShell(override string) (Shell, error) {
	if override != "" {
		parts, err := shlex.Split(override)
		if err != nil || len(parts) == 0 {
			return Shell{}, fmt.Errorf("%w: can't parse shell override %q", model.ErrShell, override)
		}
		return Shell{Path: parts[0], Args: parts[1:]}, nil
	}

	if env := os.Getenv("SHELL"); env != "" {
		return Shell{Path: env}, nil
	}

	for _, candidate := range shellCandidates() {
		if path, err := exec.LookPath(candidate); err == nil {
			return Shell{Path: path}, nil
		}
	}
	return Shell{}, fmt.Errorf("%w: no candidate shell on PATH", model.ErrShell)
}

func shellCandidates() []string {
	if runtime.GOOS == "windows" {
		return []string{"pwsh.exe", "powershell.exe", "cmd.exe"}
	}
	return []string{"zsh", "bash", "sh"}
}

// CommandLine builds the argument vector invoking command under the shell.
// bash, zsh and fish get login+interactive flags so user rc files (version
// managers and friends) load; plain sh/dash only get -l -c.
func (s Shell) CommandLine(command string) []string {
	base := filepath.Base(s.Path)
	base = strings.TrimSuffix(base, ".exe")

	argv := append([]string{s.Path}, s.Args...)
	switch base {
	case "bash", "zsh", "fish":
		argv = append(argv, "-i", "-l", "-c", command)
	case "cmd":
		argv = append(argv, "/C", command)
	case "pwsh", "powershell":
		argv = append(argv, "-Command", command)
	default:
		argv = append(argv, "-l", "-c", command)
	}
	return argv
}

// DetectSystemEditor resolves a text editor: $VISUAL, $EDITOR, then common
// candidates on PATH. Empty result means nothing was found.
func DetectSystemEditor() string {
	for _, env := range []string{"VISUAL", "EDITOR"} {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	for _, candidate := range []string{"code", "nano", "vim", "vi", "notepad.exe"} {
		if path, err := exec.LookPath(candidate); err == nil {
			return path
		}
	}
	shlog.Debug("no system editor detected")
	return ""
}
