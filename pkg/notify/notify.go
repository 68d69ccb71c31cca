// Package notify defines the notification sink boundary. Delivery transports
// (email, webhooks) live outside the core; the core only emits structured
// events and never fails an operation because a notification could not be
// delivered.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Severity classifies how urgent an event is.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Well-known event types emitted by the core.
const (
	TypeEngineOutage    = "engine_outage"
	TypeEngineDegraded  = "engine_degraded"
	TypeEngineRecovered = "engine_recovered"
	TypeSLAEscalation   = "sla_escalation"
)

// Event is a single notification.
type Event struct {
	Type     string         `json:"type"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
	At       time.Time      `json:"at"`
}

// Sink receives events. Implementations must be safe for concurrent use.
type Sink interface {
	Notify(ctx context.Context, event Event) error
}

// Emit sends an event and swallows the error. Notification delivery is
// fire-and-forget: a failed notify must not fail the originating operation.
func Emit(ctx context.Context, sink Sink, event Event, logger *slog.Logger) {
	if sink == nil {
		return
	}
	if err := sink.Notify(ctx, event); err != nil && logger != nil {
		logger.WarnContext(ctx, "notification delivery failed",
			"type", event.Type,
			"severity", event.Severity,
			"error", err,
		)
	}
}

// SlogSink writes events to a structured logger.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a sink backed by the given logger.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger.With("component", "notify")}
}

func (s *SlogSink) Notify(ctx context.Context, event Event) error {
	s.logger.InfoContext(ctx, event.Message,
		"type", event.Type,
		"severity", event.Severity,
		"metadata", event.Metadata,
	)
	return nil
}

// MultiSink fans an event out to several sinks. Each sink gets the event even
// if an earlier one failed; the first error is returned.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a fan-out sink.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Notify(ctx context.Context, event Event) error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Notify(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
