package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSConfig configures a NATSSink.
type NATSConfig struct {
	URL string

	// Prefix is the first subject token. Events go to
	// "<prefix>.<session>.<type>".
	Prefix string

	// Name identifies the connection on the server.
	Name string
}

// NATSSink publishes events as JSON to NATS subjects.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
}

// NewNATSSink connects to cfg.URL. The connection reconnects forever.
func NewNATSSink(cfg NATSConfig, logger *slog.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "shuttle"
	}
	if cfg.Name == "" {
		cfg.Name = "shuttle"
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSSink{conn: conn, prefix: cfg.Prefix, log: logger}, nil
}

// Subject returns the subject an event is published to.
func (s *NATSSink) Subject(ev Event) string {
	return Subject(s.prefix, ev)
}

// Subject builds "<prefix>.<session>.<type>".
func Subject(prefix string, ev Event) string {
	return prefix + "." + ev.SessionID + "." + string(ev.Type)
}

func (s *NATSSink) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.conn.Publish(s.Subject(ev), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (s *NATSSink) Close() error {
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return err
	}
	return nil
}
