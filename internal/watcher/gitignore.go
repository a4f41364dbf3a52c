// Copyright 2025 The OpenRunner Authors. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package watcher

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/openrunner/openrunner/pkg/log"
)

var iglog = log.WithComponent("watcher.Ignore")

// hard ignore list: matched as path components anywhere under the root
var alwaysIgnoredDirs = []string{"node_modules", ".git", "dist", "build", ".cache"}

// ignoreSet decides whether a path is excluded from watching. It combines
// the hard list with every pattern collected from .gitignore files between
// the watched directory and the group directory (inclusive).
type ignoreSet struct {
	globs []glob.Glob
}

// newIgnoreSet parses the .gitignore chain. Each gitignore's patterns are
// anchored at that file's directory, relative to root (the watched dir).
func newIgnoreSet(root string, gitignoreDirs []string) *ignoreSet {
	s := &ignoreSet{}
	for _, dir := range gitignoreDirs {
		path := filepath.Join(dir, ".gitignore")
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(root, dir)
		if err != nil || strings.HasPrefix(rel, "..") {
			// gitignore above the root applies to everything under it
			rel = "."
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "!") {
				continue // negations are not supported, safer to keep watching
			}
			s.add(rel, line)
		}
		_ = f.Close()
	}
	return s
}

// add translates one gitignore pattern into glob patterns over the
// root-relative slash path. Three gitignore semantics are preserved:
// leading "/" anchors at the gitignore's directory, trailing "/" matches
// directories and their contents, and a bare name matches at any depth.
func (s *ignoreSet) add(base, pattern string) {
	dirOnly := strings.HasSuffix(pattern, "/")
	pattern = strings.TrimSuffix(pattern, "/")
	anchored := strings.HasPrefix(pattern, "/")
	pattern = strings.TrimPrefix(pattern, "/")
	if pattern == "" {
		return
	}
	// a slash in the middle also anchors, per gitignore rules
	anchored = anchored || strings.Contains(pattern, "/")

	var sources []string
	prefix := ""
	if base != "." && base != "" {
		prefix = filepath.ToSlash(base) + "/"
	}
	if anchored {
		sources = append(sources, prefix+pattern)
		sources = append(sources, prefix+pattern+"/**")
	} else {
		sources = append(sources, prefix+pattern, prefix+"**/"+pattern)
		sources = append(sources, prefix+pattern+"/**", prefix+"**/"+pattern+"/**")
	}
	_ = dirOnly // contents are covered by the /** variants either way

	for _, src := range sources {
		g, err := glob.Compile(src, '/')
		if err != nil {
			iglog.WithField("pattern", src).Debug("skipping uncompilable gitignore pattern")
			continue
		}
		s.globs = append(s.globs, g)
	}
}

// Ignored reports whether relPath (slash-separated, relative to the watch
// root) is excluded.
func (s *ignoreSet) Ignored(relPath string) bool {
	relPath = strings.TrimPrefix(filepath.ToSlash(relPath), "./")
	for _, component := range strings.Split(relPath, "/") {
		for _, dir := range alwaysIgnoredDirs {
			if component == dir {
				return true
			}
		}
	}
	for _, g := range s.globs {
		if g.Match(relPath) {
			return true
		}
	}
	return false
}

// collectGitignoreDirs returns every directory from dir up to stopDir
// (inclusive), innermost first. Used to gather the ancestor gitignores.
func collectGitignoreDirs(dir, stopDir string) []string {
	var dirs []string
	dir = filepath.Clean(dir)
	stopDir = filepath.Clean(stopDir)
	for {
		dirs = append(dirs, dir)
		if dir == stopDir {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break // hit the filesystem root without passing stopDir
		}
		dir = parent
	}
	return dirs
}
