// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import "flag"

// parseCommandLineArgs parses the process flags and returns the -config
// value. Repeated LoadConfig calls (tests) find the flag already registered
// and leave the path empty, falling through to the other config sources.
func parseCommandLineArgs() string {
	var configPath string

	if flag.Lookup("config") == nil {
		flag.StringVar(&configPath, "config", "./config.yaml",
			"Path to an EdgeSplit configuration file in YAML format.")
	}

	if !flag.Parsed() {
		flag.Parse()
	}

	return configPath
}
