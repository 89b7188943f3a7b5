// Package relay drives a toolfilter.StreamFilter from an upstream source to a
// display sink, reporting progress to observers.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tingly-dev/toolfence/internal/toolfilter"
)

const tracerName = "github.com/tingly-dev/toolfence/internal/relay"

// Source produces the raw chunks of one stream. Next returns io.EOF after the
// last chunk.
type Source interface {
	Next(ctx context.Context) (string, error)
}

// Option configures a Relay.
type Option func(*Relay)

// WithObservers adds observers notified about chunks, tool calls and the end
// of the stream.
func WithObservers(observers ...Observer) Option {
	return func(r *Relay) {
		for _, o := range observers {
			if o != nil {
				r.observers = append(r.observers, o)
			}
		}
	}
}

// WithTokenCounter enables the suppressed token estimate in Stats.
func WithTokenCounter(counter TokenCounter) Option {
	return func(r *Relay) {
		r.counter = counter
	}
}

// Relay binds one filter to one sink. It is not safe for concurrent use.
type Relay struct {
	id        string
	filter    *toolfilter.StreamFilter
	sink      Sink
	observers []Observer
	counter   TokenCounter

	stats     Stats
	tokensIn  int
	tokensOut int
}

// New creates a relay for the stream id. A nil sink discards output.
func New(id string, sink Sink, opts ...Option) *Relay {
	if sink == nil {
		sink = Discard
	}
	r := &Relay{
		id:     id,
		filter: toolfilter.New(),
		sink:   sink,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ID returns the stream id.
func (r *Relay) ID() string {
	return r.id
}

// Phase returns the filter phase.
func (r *Relay) Phase() toolfilter.Phase {
	return r.filter.Phase()
}

// Stats returns the counters collected so far.
func (r *Relay) Stats() Stats {
	return r.stats
}

// Push filters one chunk and forwards the result to the sink.
func (r *Relay) Push(ctx context.Context, chunk string) (toolfilter.Result, error) {
	if r.stats.StartedAt.IsZero() {
		r.stats.StartedAt = time.Now()
	}

	res := r.filter.ProcessChunk(chunk)
	r.stats.Chunks++
	r.stats.BytesIn += len(chunk)
	r.stats.BytesOut += len(res.Output)
	if r.counter != nil {
		r.tokensIn += r.counter.Count(chunk)
		r.tokensOut += r.counter.Count(res.Output)
	}
	for _, o := range r.observers {
		o.ObserveChunk(ctx, r.id, len(chunk), len(res.Output))
	}

	if err := r.sink.WriteText(res.Output); err != nil {
		return res, fmt.Errorf("write text: %w", err)
	}
	for _, indicator := range res.ToolIndicators {
		r.stats.ToolCalls++
		tool := strings.TrimPrefix(indicator, toolfilter.IndicatorPrefix)
		logrus.WithFields(logrus.Fields{
			"stream_id": r.id,
			"tool":      tool,
		}).Debug("Suppressed tool call")
		for _, o := range r.observers {
			o.ObserveTool(ctx, r.id, tool)
		}
		if err := r.sink.WriteIndicator(indicator); err != nil {
			return res, fmt.Errorf("write indicator: %w", err)
		}
	}
	return res, nil
}

// Finish flushes the filter, writes the remaining text and reports the final
// stats. The filter is ready for a new stream afterwards.
func (r *Relay) Finish(ctx context.Context) (string, error) {
	out := r.filter.Flush()
	r.stats.BytesOut += len(out)
	if r.counter != nil {
		r.tokensOut += r.counter.Count(out)
		if suppressed := r.tokensIn - r.tokensOut; suppressed > 0 {
			r.stats.SuppressedTokens = suppressed
		}
	}
	if r.stats.StartedAt.IsZero() {
		r.stats.StartedAt = time.Now()
	}
	r.stats.FinishedAt = time.Now()

	for _, o := range r.observers {
		o.ObserveFinish(ctx, r.id, r.stats)
	}
	logrus.WithFields(logrus.Fields{
		"stream_id":  r.id,
		"chunks":     r.stats.Chunks,
		"bytes_in":   r.stats.BytesIn,
		"bytes_out":  r.stats.BytesOut,
		"tool_calls": r.stats.ToolCalls,
	}).Debug("Stream finished")

	if err := r.sink.WriteText(out); err != nil {
		return out, fmt.Errorf("write text: %w", err)
	}
	return out, nil
}

// Reset discards all filter state and counters.
func (r *Relay) Reset() {
	r.filter.Reset()
	r.stats = Stats{}
	r.tokensIn = 0
	r.tokensOut = 0
}

// Run pulls chunks from src until it is exhausted and then finishes the
// stream. When src fails, or ctx is cancelled, the stream is still finished so
// that withheld text reaches the sink, and the error is returned.
func (r *Relay) Run(ctx context.Context, src Source) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "relay.run",
		trace.WithAttributes(attribute.String("toolfence.stream_id", r.id)))
	defer func() {
		span.SetAttributes(
			attribute.Int("toolfence.chunks", r.stats.Chunks),
			attribute.Int("toolfence.tool_calls", r.stats.ToolCalls),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	for {
		chunk, nextErr := src.Next(ctx)
		if chunk != "" {
			if _, err := r.Push(ctx, chunk); err != nil {
				return err
			}
		}
		if nextErr == nil {
			continue
		}
		if errors.Is(nextErr, io.EOF) {
			break
		}

		if _, finishErr := r.Finish(ctx); finishErr != nil {
			logrus.WithError(finishErr).WithField("stream_id", r.id).Warn("Failed to flush interrupted stream")
		}
		return nextErr
	}

	_, err = r.Finish(ctx)
	return err
}
