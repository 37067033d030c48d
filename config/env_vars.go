// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	errNotStructPointer   = errors.New("config target must be a pointer to a struct")
	errUnhandledFieldKind = errors.New("no environment decoder for field kind")
)

// envBinding is one field's `env` tag, parsed.
type envBinding struct {
	name      string
	overwrite bool
}

func parseEnvTag(tag string) envBinding {
	name, opts, _ := strings.Cut(tag, ",")

	return envBinding{
		name:      name,
		overwrite: strings.Contains(opts, "overwrite"),
	}
}

// overlayEnv copies environment variables onto cfg.
//
// Section structs are walked depth-first; a leaf field participates when it
// carries an `env` tag. Without the tag's ",overwrite" option the variable
// only fills fields the YAML pass left at their zero value.
func overlayEnv(cfg any) error {
	ptr := reflect.ValueOf(cfg)
	if ptr.Kind() != reflect.Pointer || ptr.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("%w, got %s", errNotStructPointer, ptr.Kind())
	}

	return overlayStruct(ptr.Elem())
}

func overlayStruct(section reflect.Value) error {
	sectionType := section.Type()

	for i := range section.NumField() {
		field := section.Field(i)
		fieldType := sectionType.Field(i)

		tag := fieldType.Tag.Get("env")
		if tag == "" {
			if field.Kind() == reflect.Struct {
				if err := overlayStruct(field); err != nil {
					return err
				}
			}

			continue
		}

		binding := parseEnvTag(tag)

		raw, set := os.LookupEnv(binding.name)
		if !set || !field.CanSet() {
			continue
		}

		// A YAML-provided value wins unless the tag opts into overwriting.
		if !binding.overwrite && !field.IsZero() {
			continue
		}

		if err := decodeEnvValue(field, raw, binding.name, fieldType.Name); err != nil {
			return err
		}
	}

	return nil
}

// decodeEnvValue parses raw per the field's type and stores it.
func decodeEnvValue(field reflect.Value, raw, envName, fieldName string) error {
	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("%s: cannot parse %s=%q as duration: %w", fieldName, envName, raw, err)
		}

		field.SetInt(int64(d))

		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("%s: cannot parse %s=%q as bool: %w", fieldName, envName, raw, err)
		}

		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: cannot parse %s=%q as integer: %w", fieldName, envName, raw, err)
		}

		field.SetInt(n)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("%w: %s ([]%s)", errUnhandledFieldKind, fieldName, field.Type().Elem().Kind())
		}

		field.Set(reflect.ValueOf(splitEnvList(raw)))
	default:
		return fmt.Errorf("%w: %s (%s)", errUnhandledFieldKind, fieldName, field.Kind())
	}

	return nil
}

// splitEnvList turns a comma-separated variable into a slice, trimming
// whitespace and dropping empty elements.
func splitEnvList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))

	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}

// loadDotEnv reads a .env file into the process environment before the env
// overlay runs. The working directory is tried first, then the directory of
// the binary. A missing file is fine; variables already present in the
// environment always win over the file.
func loadDotEnv() {
	candidates := make([]string, 0, 2)

	if cwd, err := os.Getwd(); err == nil {
		candidates = append(candidates, filepath.Join(cwd, ".env"))
	} else {
		log.Warn().Err(err).Msg("Could not resolve working directory for .env lookup")
	}

	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), ".env"))
	}

	for _, path := range candidates {
		found, err := applyDotEnvFile(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Could not read .env file")

			continue
		}

		if found {
			log.Info().Str("path", path).Msg("Loaded environment from .env file")

			return
		}
	}

	log.Debug().Msg("No .env file present, skipping")
}

// applyDotEnvFile parses KEY=VALUE lines from path into the environment.
// It reports whether the file existed.
func applyDotEnvFile(path string) (bool, error) {
	// #nosec G304 - path is derived from the working directory or binary location
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return false, nil
	}

	if err != nil {
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			log.Warn().
				Str("path", path).
				Int("line", lineNo).
				Msg("Skipping malformed .env line")

			continue
		}

		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))

		if os.Getenv(key) != "" {
			continue
		}

		if err := os.Setenv(key, value); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Could not set environment variable")
		}
	}

	return true, scanner.Err()
}

// stripQuotes removes one level of matching single or double quotes.
func stripQuotes(v string) string {
	if len(v) >= 2 && v[0] == v[len(v)-1] && (v[0] == '"' || v[0] == '\'') {
		return v[1 : len(v)-1]
	}

	return v
}
