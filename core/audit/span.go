// Copyright 2024 - 2025, the EdgeSplit contributors
// SPDX-License-Identifier: AGPL-3.0-only

package audit

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path"
	"runtime/trace"
	"strconv"
	"time"

	servertiming "github.com/mitchellh/go-server-timing"
	"github.com/rs/zerolog/log"
)

// TrafficDestination labels which side of the splitter an HTTP exchange
// belongs to: answering the viewer, or fetching from the origin.
type TrafficDestination string

const (
	ToViewer TrafficDestination = "viewer"
	ToOrigin TrafficDestination = "origin"

	savedBodyMode = 0o600
)

// Span wraps one HTTP exchange for logging, tracing, and Server-Timing.
//
// Callers fill in the exported fields, call [Span.Begin] before the work and
// [Span.End] after it, then [Span.Log] once the outcome is known.
type Span struct {
	// set by Begin/End, not by callers
	task     *trace.Task
	start    time.Time
	duration time.Duration
	metric   *servertiming.Metric

	Destination TrafficDestination
	RequestID   string
	Method      string
	URL         string
	StatusCode  int
	Variant     string // assignment variant, when one applies to this request
	Error       error
	Body        []byte // captured origin body, saved to disk but never logged raw

	savedBodyPath string // set when the body was saved to disk
}

var (
	// SaveResponses indicates whether to save origin response bodies to storage.
	SaveResponses bool

	// ResponseDirectory receives one file per saved response body.
	ResponseDirectory string
)

func (span Span) ServerTimingName() string {
	// base64 without trailing '=' to match the header value syntax
	return string(span.Destination) + "$" + span.Method + "$" + base64.RawURLEncoding.EncodeToString([]byte(span.URL))
}

// Begin stamps the start time, opens a runtime/trace task, and registers a
// Server-Timing metric when the middleware put a collector on the context.
func (span *Span) Begin(ctx context.Context) context.Context {
	span.start = time.Now()

	ctx, span.task = trace.NewTask(ctx, "http."+string(span.Destination))

	if timing := servertiming.FromContext(ctx); timing != nil {
		span.metric = timing.NewMetric(span.ServerTimingName())
		span.metric.Extra = map[string]string{
			"start": strconv.FormatFloat(float64(span.start.UnixNano())/float64(time.Millisecond), 'f', -1, 64),
		}
	}

	return ctx
}

// End closes the trace task and freezes the duration. Calling it again is a
// no-op, so deferring End alongside an explicit call is fine.
func (span *Span) End() {
	if span.task == nil {
		return
	}

	span.duration = time.Since(span.start)
	span.task.End()

	if span.metric != nil {
		span.metric.Duration = span.duration
	}

	span.task = nil
}

// Log emits the span as a structured sys=http event, saving the origin body
// to disk first when response saving is enabled.
func (span Span) Log() {
	if span.Destination == ToOrigin && len(span.Body) > 0 && SaveResponses {
		span.savedBodyPath = span.saveBody()
	}

	event := log.Debug().
		Str("sys", "http").
		Str("method", span.Method).
		Str("url", span.URL).
		Int("status_code", span.StatusCode).
		Str("len", humanizeSize(len(span.Body))).
		Dur("dur", span.duration).
		Str("destination", string(span.Destination)).
		Str("request_id", span.RequestID)

	if span.Variant != "" {
		event = event.Str("variant", span.Variant)
	}

	if span.savedBodyPath != "" {
		event = event.Str("saved_body", span.savedBodyPath)
	}

	if span.Error != nil {
		event = event.Err(span.Error)
	}

	event.Send()
}

// saveBody writes the captured body under the response directory, named by
// request ID. It returns the empty string when the write fails.
func (span Span) saveBody() string {
	target := path.Join(ResponseDirectory, span.RequestID)

	if err := os.WriteFile(target, span.Body, savedBodyMode); err != nil {
		log.Err(err).
			Str("request_id", span.RequestID).
			Msg("Could not save origin response")

		return ""
	}

	return target
}

const (
	kib = 1 << 10
	mib = 1 << 20
	gib = 1 << 30
)

func humanizeSize(n int) string {
	switch {
	case n < kib:
		return strconv.Itoa(n)
	case n < mib:
		return fmt.Sprintf("%.2fK", float64(n)/kib)
	case n < gib:
		return fmt.Sprintf("%.2fM", float64(n)/mib)
	default:
		return fmt.Sprintf("%.2fG", float64(n)/gib)
	}
}
