package client

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSink writes notifications to the service log. It stands in for NATS
// when no NATS_URL is configured.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Send(_ context.Context, event *NotificationEvent) error {
	s.log.Info().
		Str("event_type", event.EventType).
		Strs("recipients", event.Recipients).
		Str("subject", event.Subject).
		Str("body", event.Body).
		Str("resource_id", event.ResourceID).
		Msg("Notification")
	return nil
}
