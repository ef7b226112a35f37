package telemetry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSSink forwards published events to a NATS subject as JSON. Events
// are published to "<subject>.<model id>".
type NATSSink struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNATSSink connects to the configured server.
func NewNATSSink(cfg NATSConfig, logger zerolog.Logger) (*NATSSink, error) {
	logger = logger.With().Str("component", "nats-sink").Logger()

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	name := cfg.Name
	if name == "" {
		name = "modeld"
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(name),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", cfg.URL, err)
	}

	logger.Info().Str("url", cfg.URL).Str("subject", cfg.Subject).Msg("Forwarding events to NATS")
	return &NATSSink{conn: conn, subject: cfg.Subject, logger: logger}, nil
}

// Subject returns the subject an event is published on.
func (s *NATSSink) Subject(event Event) string {
	if event.ModelID == "" {
		return s.subject
	}
	return s.subject + "." + event.ModelID
}

// Handle publishes event. It matches EventSubscriber.
func (s *NATSSink) Handle(event Event) {
	if err := s.Publish(event); err != nil {
		s.logger.Warn().Err(err).Str("event_id", event.ID).Msg("Failed to forward event")
	}
}

// Publish encodes event and publishes it.
func (s *NATSSink) Publish(event Event) error {
	if s.conn == nil || s.conn.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return s.conn.Publish(s.Subject(event), payload)
}

// Close drains pending messages and closes the connection.
func (s *NATSSink) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return fmt.Errorf("failed to drain nats connection: %w", err)
	}
	return nil
}
