// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

/*
Package events publishes assignment events to a NATS subject.

Publishing is strictly fire-and-forget: the request path hands an event to a
bounded buffer and moves on. A slow or absent broker costs events, never
latency.
*/
package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"codeberg.org/edgesplit/edgesplit/config"
	"codeberg.org/edgesplit/edgesplit/core/metrics"
)

const (
	connectTimeout = 2 * time.Second
	reconnectWait  = time.Second
)

// Event is one fresh variant assignment.
type Event struct {
	RequestID string    `json:"requestId"`
	Path      string    `json:"path"`
	Variant   string    `json:"variant"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher sends events to the broker without ever blocking the caller.
type Publisher struct {
	conn    *nats.Conn
	subject string

	queue chan Event
	quit  chan struct{}
	done  chan struct{}

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewPublisher connects to the broker and starts the background drainer.
//
// The connection retries in the background, so a broker that is down at
// startup only delays delivery; it does not fail construction.
func NewPublisher(natsURL, subject string, bufferSize int) (*Publisher, error) {
	conn, err := nats.Connect(natsURL,
		nats.Name("edgesplit"),
		nats.Timeout(connectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event broker: %w", err)
	}

	p := &Publisher{
		conn:    conn,
		subject: subject,
		queue:   make(chan Event, bufferSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	go p.drain()

	return p, nil
}

// Publish enqueues an assignment event.
//
// When the buffer is full, the event is dropped and counted; the caller
// never waits on the broker.
func (p *Publisher) Publish(event Event) {
	if p.closed.Load() {
		return
	}

	select {
	case p.queue <- event:
	default:
		metrics.Default.CountEventDropped()
		log.Debug().
			Str("request_id", event.RequestID).
			Msg("Dropped assignment event, buffer full")
	}
}

// Close stops accepting events, drains the buffered backlog to the broker,
// and closes the connection. Safe to call more than once.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.quit)
		<-p.done

		// Push any protocol writes still buffered in the client.
		_ = p.conn.Flush()
		p.conn.Close()
	})
}

// drain moves events from the buffer to the broker until Close is called,
// then flushes whatever is still buffered.
func (p *Publisher) drain() {
	defer close(p.done)

	for {
		select {
		case event := <-p.queue:
			p.publishOne(event)
		case <-p.quit:
			for {
				select {
				case event := <-p.queue:
					p.publishOne(event)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) publishOne(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode assignment event")

		return
	}

	if err := p.conn.Publish(p.subject, payload); err != nil {
		log.Warn().
			Err(err).
			Str("subject", p.subject).
			Msg("Failed to publish assignment event")

		return
	}

	metrics.Default.CountEventPublished()
}

// defaultPublisher is nil when events are disabled.
var defaultPublisher *Publisher

// Setup initializes the package-level publisher based on parameters in
// GlobalConfig. If events are disabled in the configuration, it skips
// initialization and Publish becomes a no-op.
func Setup() error {
	if !config.Global.Events.Enabled {
		log.Info().
			Msg("Events are disabled, skipping publisher initialization")

		return nil
	}

	p, err := NewPublisher(
		config.Global.Events.RawURL,
		config.Global.Events.Subject,
		config.Global.Events.BufferSize,
	)
	if err != nil {
		return err
	}

	defaultPublisher = p

	log.Info().
		Str("subject", config.Global.Events.Subject).
		Int("buffer_size", config.Global.Events.BufferSize).
		Msg("Started assignment event publisher")

	return nil
}

// Publish hands an event to the package-level publisher, if one is running.
func Publish(event Event) {
	if defaultPublisher != nil {
		defaultPublisher.Publish(event)
	}
}

// Close drains and shuts down the package-level publisher, if one is running.
func Close() {
	if defaultPublisher != nil {
		defaultPublisher.Close()
		defaultPublisher = nil
	}
}
