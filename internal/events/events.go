package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ligustah/shuttle/internal/domain"
)

// Type tags an Event.
type Type string

const (
	TypeState          Type = "state"
	TypeProgress       Type = "progress"
	TypeExtract        Type = "extract"
	TypeUploadProgress Type = "upload_progress"
	TypeCompleted      Type = "completed"
	TypeCancelled      Type = "cancelled"
	TypeFailed         Type = "failed"
)

// Terminal reports whether no further events follow for the session.
func (t Type) Terminal() bool {
	return t == TypeCompleted || t == TypeCancelled || t == TypeFailed
}

// UploadProgress is the payload of TypeUploadProgress events.
type UploadProgress struct {
	Key         string  `json:"key"`
	LoadedBytes int64   `json:"loaded_bytes"`
	TotalBytes  int64   `json:"total_bytes"`
	Percent     float64 `json:"percent"`
	Completed   bool    `json:"completed,omitempty"`
	Cancelled   bool    `json:"cancelled,omitempty"`
	Failed      bool    `json:"failed,omitempty"`
}

// Event is one message about a session. Exactly one payload field is set
// for progress types; terminal events carry Reason or Location.
type Event struct {
	Type      Type             `json:"type"`
	SessionID string           `json:"session_id"`
	Direction domain.Direction `json:"direction"`
	State     domain.State     `json:"state"`
	At        time.Time        `json:"at"`

	Progress *domain.Snapshot        `json:"progress,omitempty"`
	Extract  *domain.ExtractProgress `json:"extract,omitempty"`
	Upload   *UploadProgress         `json:"upload,omitempty"`

	Reason   string `json:"reason,omitempty"`
	Location string `json:"location,omitempty"`
}

// Sink receives events. Publish must not block for long; it is called from
// the goroutine driving the session.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Publish(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })

type multi []Sink

// Multi fans events out to every sink. All sinks are called even if some
// fail; the errors are joined.
func Multi(sinks ...Sink) Sink {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	if len(m) == 1 {
		return m[0]
	}
	return m
}

func (m multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events to a logger. Progress events are logged at debug
// level, state changes and outcomes at info, failures at error.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger discards.
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &LogSink{log: log}
}

func (s *LogSink) Publish(ctx context.Context, ev Event) error {
	attrs := []any{"session", ev.SessionID, "direction", ev.Direction, "state", ev.State}

	switch ev.Type {
	case TypeProgress:
		p := ev.Progress
		s.log.DebugContext(ctx, "progress", append(attrs,
			"transferred", p.TransferredBytes, "total", p.TotalBytes,
			"speed", p.BytesPerSecond, "eta", p.RemainingSeconds)...)
	case TypeExtract:
		s.log.DebugContext(ctx, "extract progress", append(attrs,
			"percent", ev.Extract.Percent, "extracted", ev.Extract.ExtractedCount)...)
	case TypeUploadProgress:
		s.log.DebugContext(ctx, "upload progress", append(attrs,
			"key", ev.Upload.Key, "loaded", ev.Upload.LoadedBytes, "total", ev.Upload.TotalBytes)...)
	case TypeFailed:
		s.log.ErrorContext(ctx, "transfer failed", append(attrs, "reason", ev.Reason)...)
	case TypeCompleted:
		s.log.InfoContext(ctx, "transfer completed", append(attrs, "location", ev.Location)...)
	case TypeCancelled:
		s.log.InfoContext(ctx, "transfer cancelled", attrs...)
	default:
		s.log.InfoContext(ctx, "transfer state changed", attrs...)
	}
	return nil
}
