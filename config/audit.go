// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"codeberg.org/edgesplit/edgesplit/core/audit"
)

const (
	responseDirMode = 0o700
	logFileMode     = 0o666
)

var logLevels = map[string]zerolog.Level{
	"debug": zerolog.DebugLevel,
	"info":  zerolog.InfoLevel,
	"warn":  zerolog.WarnLevel,
	"error": zerolog.ErrorLevel,
}

// setupAudit replaces the bootstrap logger with one routed per the loaded
// configuration: global level, one writer per configured output, and the
// response-saving hookup for development.
func (cfg *ServerConfig) setupAudit() {
	// Development keeps the full debug stream regardless of the configured level.
	if !cfg.Development.InDevelopment {
		if level, ok := logLevels[cfg.Log.Level]; ok {
			zerolog.SetGlobalLevel(level)
		}
	}

	writers := make([]io.Writer, 0, len(cfg.Log.Outputs))

	for _, target := range cfg.Log.Outputs {
		if dest := cfg.logWriter(target); dest != nil {
			writers = append(writers, dest)
		}
	}

	if len(writers) == 0 {
		writers = append(writers, consoleWriter(os.Stderr))
	}

	log.Logger = log.Output(zerolog.MultiLevelWriter(writers...))

	audit.SaveResponses = cfg.Development.SaveResponses
	audit.ResponseDirectory = cfg.Development.ResponseSaveLocation

	if audit.SaveResponses {
		if err := os.MkdirAll(audit.ResponseDirectory, responseDirMode); err != nil {
			log.Error().
				Err(err).
				Str("path", audit.ResponseDirectory).
				Msg("Could not create response directory")
			os.Exit(1)
		}
	}
}

// logWriter opens one configured log output. The two std streams always get
// the console format; files do too unless Log.Format selects raw JSON.
// Returns nil when a log file cannot be opened, so startup proceeds with the
// remaining outputs.
func (cfg *ServerConfig) logWriter(target string) io.Writer {
	switch target {
	case "/dev/stdout":
		return consoleWriter(os.Stdout)
	case "/dev/stderr":
		return consoleWriter(os.Stderr)
	}

	// #nosec G302 G304 -- Operator-chosen log path, world-readable by intent.
	logFile, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_APPEND, logFileMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not open log file %s: %v\n", target, err)

		return nil
	}

	if cfg.Log.Format == "json" {
		return logFile
	}

	return consoleWriter(logFile)
}

// consoleWriter builds a zerolog console writer for f, colored and
// pretty-printed only when f is a terminal.
func consoleWriter(f *os.File) io.Writer {
	noColor := !isatty.IsTerminal(f.Fd())

	cw := zerolog.ConsoleWriter{
		Out:        f,
		NoColor:    noColor,
		TimeFormat: time.DateTime,
	}

	if !noColor {
		cw.FormatPrepare = prettyHTTPEvents
	}

	return cw
}

// prettyHTTPEvents collapses the sys=http span fields into a single readable
// message line for interactive terminals.
func prettyHTTPEvents(m map[string]any) error {
	sys, ok := m["sys"]
	if !ok || sys != "http" {
		return nil
	}

	m["message"] = fmt.Sprintf("[%s] %s %-5s %s", m["destination"], m["status_code"], m["method"], m["url"])

	for _, field := range []string{"sys", "method", "status_code", "url", "destination", "request_id"} {
		delete(m, field)
	}

	return nil
}
