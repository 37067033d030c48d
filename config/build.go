// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"runtime/debug"
	"strings"
)

// BuildVersion is the latest tagged release of EdgeSplit.
const BuildVersion string = "v0.4.1"

// buildInfo holds the VCS state the Go toolchain stamps into the binary.
type buildInfo struct {
	Commit     string
	CommitTime string
	Dirty      bool
}

// Revision renders the build as date-shortcommit, for example
// 2025-03-14-1a2b3c4d, with a +dirty suffix when the tree had uncommitted
// changes.
func (b *buildInfo) Revision() string {
	if b.Commit == "" {
		return "unknown"
	}

	date, _, _ := strings.Cut(b.CommitTime, "T")

	rev := date + "-" + b.Commit[:8]
	if b.Dirty {
		rev += "+dirty"
	}

	return rev
}

// load pulls the vcs settings from the binary's embedded build info.
func (b *buildInfo) load() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			b.Commit = s.Value
		case "vcs.time":
			b.CommitTime = s.Value
		case "vcs.modified":
			b.Dirty = s.Value == "true"
		}
	}
}
