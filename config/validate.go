package config

import (
	"errors"
	"os"
	"os/user"
	"regexp"
	"strconv"

	"github.com/rs/zerolog/log"

	"codeberg.org/edgesplit/edgesplit/server/utils"
)

// validation errors.
var (
	errSocketExcludesHostPort   = errors.New("Basic.UnixSocket excludes Basic.Host and Basic.Port")
	errSocketPermissionsInvalid = errors.New("cannot parse Basic.UnixSocketPermissions")
	errSocketUserUnknown        = errors.New("unix socket user does not exist")
	errSocketGroupUnknown       = errors.New("unix socket group does not exist")
	errNoOriginConfigured       = errors.New("no origin configured. Please set Origin.URL to the upstream that hosts the site variants")
	errOriginTimeoutNotPositive = errors.New("Origin.RequestTimeout must be positive")
	errInvalidCacheSize         = errors.New("Cache.Size must be positive when the cache is enabled")
	errInvalidCacheTTL          = errors.New("Cache.TTL must be positive when the cache is enabled")
	errInvalidCacheMaxBodySize  = errors.New("Cache.MaxBodySize must be positive when the cache is enabled")
	errEventsURLRequired        = errors.New("Events.URL is required when events are enabled")
	errEventsSubjectRequired    = errors.New("Events.Subject is required when events are enabled")
	errEventsBufferNotPositive  = errors.New("Events.BufferSize must be positive when events are enabled")
	errStateFilepathEmpty       = errors.New("Limiter.StateFilepath cannot be empty when the limiter is enabled")
	errIPv4PrefixRange          = errors.New("IPv4 prefix must be between 0 and 32")
	errIPv6PrefixRange          = errors.New("IPv6 prefix must be between 0 and 128")
)

var (
	octalModeRegexp    = regexp.MustCompile(`^0?[0-7]{3}$`)
	symbolicModeRegexp = regexp.MustCompile(`^(?:[r-][w-][x-]){3}$`)
	numericIDRegexp    = regexp.MustCompile(`^[0-9]+$`)
)

// validate checks the loaded configuration section by section and populates
// the derived fields (parsed URLs, socket permission bits).
func (cfg *ServerConfig) validate() error {
	if err := cfg.validateListener(); err != nil {
		return err
	}

	if err := cfg.validateOrigin(); err != nil {
		return err
	}

	if err := cfg.validateCache(); err != nil {
		return err
	}

	if err := cfg.validateEvents(); err != nil {
		return err
	}

	return cfg.validateLimiter()
}

// validateListener resolves the unix socket settings or falls back to TCP
// defaults when no socket is configured.
func (cfg *ServerConfig) validateListener() error {
	if cfg.Basic.UnixSocket == "" {
		if cfg.Basic.Host == "" {
			cfg.Basic.Host = "localhost"
			log.Info().Str("host", cfg.Basic.Host).Msg("Host not set, using default")
		}

		if cfg.Basic.Port == "" {
			cfg.Basic.Port = "8482"
			log.Info().Str("port", cfg.Basic.Port).Msg("Port not set, using default")
		}

		return nil
	}

	if cfg.Basic.Host != "" || cfg.Basic.Port != "" {
		return errSocketExcludesHostPort
	}

	mode, err := parseSocketPermissions(cfg.Basic.RawUnixSocketPermissions)
	if err != nil {
		return err
	}

	cfg.Basic.UnixSocketPermissions = mode

	if cfg.Basic.UnixSocketUser != "" && !userExists(cfg.Basic.UnixSocketUser) {
		return errSocketUserUnknown
	}

	if cfg.Basic.UnixSocketGroup != "" && !groupExists(cfg.Basic.UnixSocketGroup) {
		return errSocketGroupUnknown
	}

	return nil
}

// parseSocketPermissions accepts an octal mode ("0666", "644") or a
// symbolic one ("rw-rw-rw-"). An empty value means world-accessible, the
// usual default for sockets behind a reverse proxy.
func parseSocketPermissions(raw string) (os.FileMode, error) {
	switch {
	case raw == "":
		return 0o666, nil

	case octalModeRegexp.MatchString(raw):
		bits, _ := strconv.ParseUint(raw, 8, 32)

		return os.FileMode(bits), nil

	case symbolicModeRegexp.MatchString(raw):
		const ownerBit = 8 // Leftmost of the nine permission bits.

		var mode os.FileMode

		for i, c := range raw {
			if c == '-' {
				continue
			}

			mode |= 1 << (ownerBit - i)
		}

		return mode, nil

	default:
		return 0, errSocketPermissionsInvalid
	}
}

// userExists resolves value as a numeric UID when it is all digits,
// otherwise as a user name.
func userExists(value string) bool {
	var err error

	if numericIDRegexp.MatchString(value) {
		_, err = user.LookupId(value)
	} else {
		_, err = user.Lookup(value)
	}

	return err == nil
}

// groupExists resolves value as a numeric GID when it is all digits,
// otherwise as a group name.
func groupExists(value string) bool {
	var err error

	if numericIDRegexp.MatchString(value) {
		_, err = user.LookupGroupId(value)
	} else {
		_, err = user.LookupGroup(value)
	}

	return err == nil
}

// validateOrigin parses the upstream URL. The origin is the one thing the
// server cannot run without.
func (cfg *ServerConfig) validateOrigin() error {
	if cfg.Origin.RawURL == "" {
		return errNoOriginConfigured
	}

	originURL, err := utils.ParseURL(cfg.Origin.RawURL, "origin")
	if err != nil {
		return err
	}

	cfg.Origin.URL = *originURL

	if cfg.Origin.RequestTimeout <= 0 {
		return errOriginTimeoutNotPositive
	}

	return nil
}

func (cfg *ServerConfig) validateCache() error {
	if !cfg.Cache.Enabled {
		return nil
	}

	switch {
	case cfg.Cache.Size <= 0:
		return errInvalidCacheSize
	case cfg.Cache.TTL <= 0:
		return errInvalidCacheTTL
	case cfg.Cache.MaxBodySize <= 0:
		return errInvalidCacheMaxBodySize
	}

	return nil
}

func (cfg *ServerConfig) validateEvents() error {
	if !cfg.Events.Enabled {
		return nil
	}

	switch {
	case cfg.Events.RawURL == "":
		return errEventsURLRequired
	case cfg.Events.Subject == "":
		return errEventsSubjectRequired
	case cfg.Events.BufferSize <= 0:
		return errEventsBufferNotPositive
	}

	return nil
}

func (cfg *ServerConfig) validateLimiter() error {
	if !cfg.Limiter.Enabled {
		return nil
	}

	// An explicitly empty filepath would silently disable persistence.
	if cfg.Limiter.StateFilepath == "" {
		return errStateFilepathEmpty
	}

	if cfg.Limiter.IPv4Prefix < 0 || cfg.Limiter.IPv4Prefix > 32 {
		return errIPv4PrefixRange
	}

	if cfg.Limiter.IPv6Prefix < 0 || cfg.Limiter.IPv6Prefix > 128 {
		return errIPv6PrefixRange
	}

	return nil
}
