// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/rs/zerolog/log"

	_ "codeberg.org/edgesplit/edgesplit/core/audit" // setup better logging format
)

// Global is the process-wide configuration, populated by LoadConfig at
// startup and read-only afterwards.
var Global ServerConfig

// ServerConfig collects every tunable the service reads, grouped by concern.
// The yaml tags name the config file keys, the env tags the environment
// variables that override them.
type ServerConfig struct {
	Build buildInfo `yaml:"-"`

	Basic struct {
		Host                     string      `env:"EDGESPLIT_HOST,overwrite" yaml:"host"`
		Port                     string      `env:"EDGESPLIT_PORT,overwrite" yaml:"port"`
		UnixSocket               string      `env:"EDGESPLIT_UNIXSOCKET" yaml:"unixSocket"`
		RawUnixSocketPermissions string      `env:"EDGESPLIT_UNIXSOCKET_PERMISSIONS" yaml:"unixSocketPermissions"`
		UnixSocketPermissions    os.FileMode `yaml:"-"`
		UnixSocketUser           string      `env:"EDGESPLIT_UNIXSOCKET_USER" yaml:"unixSocketUser"`
		UnixSocketGroup          string      `env:"EDGESPLIT_UNIXSOCKET_GROUP" yaml:"unixSocketGroup"`
	} `yaml:"basic"`

	Origin struct {
		RawURL string  `env:"EDGESPLIT_ORIGIN_URL,overwrite" yaml:"url"`
		URL    url.URL `yaml:"-"`
		// RequestTimeout bounds a single origin fetch, including the probe requests.
		RequestTimeout time.Duration `env:"EDGESPLIT_ORIGIN_REQUEST_TIMEOUT,overwrite" yaml:"requestTimeout"`
		// ProbeInterval of zero disables the background health prober.
		ProbeInterval time.Duration `env:"EDGESPLIT_ORIGIN_PROBE_INTERVAL,overwrite" yaml:"probeInterval"`
	} `yaml:"origin"`

	Cache struct {
		Enabled bool          `env:"EDGESPLIT_CACHE,overwrite" yaml:"enabled"`
		Size    int           `env:"EDGESPLIT_CACHE_SIZE,overwrite" yaml:"cacheSize"`
		TTL     time.Duration `env:"EDGESPLIT_CACHE_TTL,overwrite" yaml:"cacheTTL"`
		// MaxBodySize is the largest origin response body the cache will hold, in bytes.
		MaxBodySize int `env:"EDGESPLIT_CACHE_MAX_BODY_SIZE,overwrite" yaml:"maxBodySize"`
	} `yaml:"cache"`

	Metrics struct {
		Enabled bool `env:"EDGESPLIT_METRICS,overwrite" yaml:"enabled"`
	} `yaml:"metrics"`

	Events struct {
		Enabled bool `env:"EDGESPLIT_EVENTS,overwrite" yaml:"enabled"`
		// RawURL is the broker address, e.g. nats://localhost:4222.
		RawURL     string `env:"EDGESPLIT_EVENTS_URL" yaml:"url"`
		Subject    string `env:"EDGESPLIT_EVENTS_SUBJECT,overwrite" yaml:"subject"`
		BufferSize int    `env:"EDGESPLIT_EVENTS_BUFFER_SIZE,overwrite" yaml:"bufferSize"`
	} `yaml:"events"`

	Development struct {
		InDevelopment        bool   `env:"EDGESPLIT_DEV" yaml:"inDevelopment"`
		SaveResponses        bool   `env:"EDGESPLIT_SAVE_RESPONSES,overwrite" yaml:"saveResponses"`
		ResponseSaveLocation string `env:"EDGESPLIT_RESPONSE_SAVE_LOCATION,overwrite" yaml:"responseSaveLocation"`
	} `yaml:"development"`

	Log struct {
		Level   string   `env:"EDGESPLIT_LOG_LEVEL,overwrite" yaml:"logLevel"`
		Outputs []string `env:"EDGESPLIT_LOG_OUTPUTS,overwrite" yaml:"logOutputs"`
		Format  string   `env:"EDGESPLIT_LOG_FORMAT,overwrite" yaml:"logFormat"`
	} `yaml:"log"`

	Limiter struct {
		Enabled       bool     `env:"EDGESPLIT_LIMITER,overwrite" yaml:"enabled"`
		StateFilepath string   `env:"EDGESPLIT_LIMITER_STATE_FILEPATH,overwrite" yaml:"stateFilepath"`
		PassIPs       []string `env:"EDGESPLIT_LIMITER_PASS_IPS,overwrite" yaml:"passList"`
		BlockIPs      []string `env:"EDGESPLIT_LIMITER_BLOCK_IPS,overwrite" yaml:"blockList"`
		FilterLocal   bool     `env:"EDGESPLIT_LIMITER_FILTER_LOCAL,overwrite" yaml:"filterLocal"`
		IPv4Prefix    int      `env:"EDGESPLIT_LIMITER_IPV4_PREFIX,overwrite" yaml:"ipv4Prefix"`
		IPv6Prefix    int      `env:"EDGESPLIT_LIMITER_IPV6_PREFIX,overwrite" yaml:"ipv6Prefix"`
	} `yaml:"limiter"`
}

// LoadConfig assembles the configuration by layering the YAML file, the
// .env file, and the process environment over the defaults, then validates
// the result.
func (cfg *ServerConfig) LoadConfig() error {
	configFilePath := resolveConfigPath(parseCommandLineArgs())

	cfg.SetDefaults()

	cfg.Build.load()

	if err := cfg.mergeYAMLFile(configFilePath); err != nil {
		return fmt.Errorf("loading YAML config: %w", err)
	}

	loadDotEnv()

	if err := overlayEnv(cfg); err != nil {
		return fmt.Errorf("applying environment variables: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return fmt.Errorf("validating configuration: %w", err)
	}

	cfg.setupAudit()

	cfg.print()

	cfg.warnIfUnreachableInContainer()

	return nil
}

// resolveConfigPath picks the configuration file to read. An explicit
// -config flag wins, then EDGESPLIT_CONFIGFILE, then the flag's default
// path, falling back to ./config.yml when ./config.yaml is absent.
func resolveConfigPath(flagValue string) string {
	flagSet := false

	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			flagSet = true
		}
	})

	switch {
	case flagSet:
		return flagValue
	case os.Getenv("EDGESPLIT_CONFIGFILE") != "":
		return os.Getenv("EDGESPLIT_CONFIGFILE")
	}

	if _, err := os.Stat(flagValue); os.IsNotExist(err) {
		if _, err := os.Stat("./config.yml"); err == nil {
			return "./config.yml"
		}
	}

	return flagValue
}

// warnIfUnreachableInContainer flags a common deployment mistake: inside a
// container, a listener bound to anything narrower than a wildcard address
// is usually invisible to the published port.
func (cfg *ServerConfig) warnIfUnreachableInContainer() {
	if !isContainerized() || cfg.Basic.Host == "0.0.0.0" || cfg.Basic.Host == "::" {
		return
	}

	log.Warn().
		Str("host", cfg.Basic.Host).
		Msg("Containerized environment detected but Basic.Host is not a wildcard address ('0.0.0.0' or '::'), the service may be unreachable from outside the container")
}

// Service endpoints scraped or polled by machines; their request spans would
// drown out viewer traffic in the logs.
var loggingSkippedPaths = []string{"/healthz", "/metrics"}

// ShouldSkipServerLogging reports whether request logging is suppressed
// for path.
func (cfg *ServerConfig) ShouldSkipServerLogging(path string) bool {
	for _, skipped := range loggingSkippedPaths {
		if path == skipped {
			return true
		}
	}

	return false
}

// Runtime fingerprints that show up in /proc/self/cgroup when the process
// runs under docker, kubernetes, containerd, lxc, cri-o, or systemd-nspawn.
var cgroupMarkers = []string{"docker", "kubepods", "containerd", "lxc", "crio", ".machine"}

// isContainerized guesses whether the process runs inside a container.
//
// Heuristic only; a sufficiently locked-down runtime hides every marker
// checked here.
func isContainerized() bool {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return true
	}

	for _, sentinel := range []string{"/.dockerenv", "/.containerenv"} {
		if _, err := os.Stat(sentinel); err == nil {
			return true
		}
	}

	// #nosec G304 -- Fixed procfs path.
	cgroup, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return false
	}

	for _, marker := range cgroupMarkers {
		if strings.Contains(string(cgroup), marker) {
			return true
		}
	}

	return false
}

// GetDurationEncoderOption makes the YAML encoder render time.Duration
// values as strings like "30m" or "1h" instead of raw nanosecond counts.
func GetDurationEncoderOption() yaml.EncodeOption {
	marshal := func(d time.Duration) ([]byte, error) {
		return yaml.Marshal(d.String())
	}

	return yaml.CustomMarshaler[time.Duration](marshal)
}
