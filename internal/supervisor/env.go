// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/openrunner/openrunner/pkg/model"
)

// composeEnv layers the child environment: process env, then group vars,
// then project vars, later wins. FORCE_COLOR and CLICOLOR_FORCE default to 1
// so downstream tools keep emitting ANSI color into the captured streams.
func composeEnv(groupVars, projectVars map[string]string) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range groupVars {
		merged[k] = v
	}
	for k, v := range projectVars {
		merged[k] = v
	}
	if _, ok := merged["FORCE_COLOR"]; !ok {
		merged["FORCE_COLOR"] = "1"
	}
	if _, ok := merged["CLICOLOR_FORCE"]; !ok {
		merged["CLICOLOR_FORCE"] = "1"
	}

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// ResolveWorkingDir yields the effective working directory of a project: its
// cwd override resolved against the group directory when relative, the group
// directory itself when absent.
func ResolveWorkingDir(group model.Group, proj model.Project) string {
	if proj.Cwd == "" {
		return group.Directory
	}
	if filepath.IsAbs(proj.Cwd) {
		return proj.Cwd
	}
	return filepath.Join(group.Directory, proj.Cwd)
}
