// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

/*
EdgeSplit is a cookie-sticky traffic splitter that sits in front of an origin
and buckets viewers into experiment variants at the edge.
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"codeberg.org/edgesplit/edgesplit/config"
	"codeberg.org/edgesplit/edgesplit/core/audit"
	"codeberg.org/edgesplit/edgesplit/core/events"
	"codeberg.org/edgesplit/edgesplit/core/origin"
	"codeberg.org/edgesplit/edgesplit/server/middleware/limiter"
	"codeberg.org/edgesplit/edgesplit/server/router"
)

// drainTimeout bounds how long a shutdown waits for in-flight requests.
const drainTimeout = 5 * time.Second

var (
	errChmodSocket = errors.New("could not set unix socket permissions")
	errChownSocket = errors.New("could not set unix socket ownership")
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Service failed")
	}
}

// run brings the service up, serves until a signal or a fatal server error,
// then tears the subsystems down in reverse order.
func run() error {
	audit.SetDefaultLogger()

	if err := config.Global.LoadConfig(); err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	// Origin HTTP client plus the optional response micro-cache.
	origin.Setup()

	if err := events.Setup(); err != nil {
		return fmt.Errorf("initializing event publisher: %w", err)
	}

	origin.StartProber()

	rt := router.NewRouter()
	rt.DefineRoutes()
	rt.RegisterMiddleware()

	server := &http.Server{
		Handler: rt,

		// gosec G112 insists on ReadHeaderTimeout; the others keep slow or
		// stalled viewers from pinning connections.
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	serveErr := make(chan error, 1)

	go func() {
		listener, err := openListener()
		if err != nil {
			serveErr <- err

			return
		}

		serveErr <- server.Serve(listener)
	}()

	if err := waitForShutdown(server, serveErr); err != nil {
		return err
	}

	origin.StopProber()

	// Flush buffered assignment events before exiting.
	events.Close()

	if config.Global.Limiter.Enabled {
		limiter.Fini()
	}

	log.Info().Msg("Shutdown complete")

	return nil
}

// waitForShutdown blocks until the server fails on its own or a termination
// signal arrives, in which case the server is drained with a deadline.
func waitForShutdown(server *http.Server, serveErr <-chan error) error {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	case s := <-signals:
		log.Info().Str("signal", s.String()).Msg("Shutdown signal received, draining server...")

		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("draining server: %w", err)
		}
	}

	return nil
}

// openListener binds the configured listener: a unix domain socket when one
// is set, a TCP address otherwise. Validation guarantees the two are mutually
// exclusive by this point.
func openListener() (net.Listener, error) {
	basic := config.Global.Basic

	if basic.UnixSocket != "" {
		return listenUnix(basic.UnixSocket)
	}

	return listenTCP(net.JoinHostPort(basic.Host, basic.Port))
}

func listenUnix(path string) (net.Listener, error) {
	listener, err := (&net.ListenConfig{}).Listen(context.Background(), "unix", path)
	if err != nil {
		return nil, fmt.Errorf("binding unix socket listener on %v: %w", path, err)
	}

	// The socket file exists once Listen returns; permissions and ownership
	// can only be applied now.
	if err := applySocketOwnership(path); err != nil {
		_ = listener.Close()

		return nil, err
	}

	log.Info().
		Str("address", path).
		Msg("Listening on unix domain socket")

	return listener, nil
}

func listenTCP(addr string) (net.Listener, error) {
	listener, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding TCP listener on %v: %w", addr, err)
	}

	bound := listener.Addr().String()

	_, port, err := net.SplitHostPort(bound)
	if err != nil {
		_ = listener.Close()

		return nil, fmt.Errorf("parsing listener address %q: %w", bound, err)
	}

	log.Info().
		Str("address", bound).
		Str("port", port).
		Str("url", fmt.Sprintf("http://localhost:%v/", port)).
		Msg("Listening on TCP address")

	return listener, nil
}

// applySocketOwnership chmods the socket file to the configured permissions
// and, when a user or group is configured, chowns it to them.
func applySocketOwnership(path string) error {
	basic := config.Global.Basic

	uid, gid := -1, -1

	if basic.UnixSocketUser != "" {
		id, err := resolveUID(basic.UnixSocketUser)
		if err != nil {
			return err
		}

		uid = id
	}

	if basic.UnixSocketGroup != "" {
		id, err := resolveGID(basic.UnixSocketGroup)
		if err != nil {
			return err
		}

		gid = id
	}

	if uid != -1 || gid != -1 {
		if err := os.Chown(path, uid, gid); err != nil {
			return fmt.Errorf("%w: %w", errChownSocket, err)
		}
	}

	if err := os.Chmod(path, basic.UnixSocketPermissions); err != nil {
		return fmt.Errorf("%w: %w", errChmodSocket, err)
	}

	return nil
}

// resolveUID accepts a numeric uid or a username.
func resolveUID(value string) (int, error) {
	if id, err := strconv.Atoi(value); err == nil {
		return id, nil
	}

	account, err := user.Lookup(value)
	if err != nil {
		return -1, fmt.Errorf("looking up user %q: %w", value, err)
	}

	id, err := strconv.Atoi(account.Uid)
	if err != nil {
		return -1, fmt.Errorf("parsing uid of user %q: %w", value, err)
	}

	return id, nil
}

// resolveGID accepts a numeric gid or a group name.
func resolveGID(value string) (int, error) {
	if id, err := strconv.Atoi(value); err == nil {
		return id, nil
	}

	group, err := user.LookupGroup(value)
	if err != nil {
		return -1, fmt.Errorf("looking up group %q: %w", value, err)
	}

	id, err := strconv.Atoi(group.Gid)
	if err != nil {
		return -1, fmt.Errorf("parsing gid of group %q: %w", value, err)
	}

	return id, nil
}
