// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/rs/zerolog/log"
)

// mergeYAMLFile merges the YAML file at path into cfg. A missing file is
// fine; the defaults and environment overlay still apply.
func (cfg *ServerConfig) mergeYAMLFile(path string) error {
	if path == "" {
		return nil
	}

	raw, err := os.ReadFile(path) // #nosec G304 -- Operator-chosen config path.

	switch {
	case errors.Is(err, os.ErrNotExist):
		log.Info().
			Str("path", path).
			Msg("No YAML configuration file found, skipping")

		return nil

	case err != nil:
		return fmt.Errorf("reading configuration file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("parsing YAML from %s: %w", path, err)
	}

	log.Info().
		Str("path", path).
		Msg("Loaded configuration file")

	return nil
}
