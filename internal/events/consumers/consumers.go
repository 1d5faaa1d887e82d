// Package consumers holds the topic handlers that feed bus signals into the
// transfer orchestrator. Handlers classify every failure: malformed payloads
// and signals for unknown citizens are dead-lettered and committed, transient
// failures propagate so the runtime redelivers.
package consumers

import (
	"context"
	"log/slog"

	"affiliation/internal/platform/metrics"
)

// Orchestrator is the slice of the transfer service the consumers drive.
type Orchestrator interface {
	DocumentsReady(ctx context.Context, citizenID string) error
	RegistrationCompleted(ctx context.Context, citizenID string, success bool, message string) error
	UnregistrationCompleted(ctx context.Context, citizenID string, success bool) error
}

type deadLetterBus interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// Deps carries the shared collaborators for all topic handlers.
type Deps struct {
	Orchestrator Orchestrator
	Bus          deadLetterBus
	// DeadLetterSuffix is appended to the source topic to form its DLQ topic.
	DeadLetterSuffix string
	Metrics          *metrics.Metrics
	Logger           *slog.Logger
}

// deadLetter parks an unprocessable payload on the topic's DLQ and reports
// success so the offset commits. If the DLQ publish itself fails the error
// propagates and the record is redelivered.
func (d *Deps) deadLetter(ctx context.Context, topic string, key, payload []byte, reason error) error {
	dlqTopic := topic + d.DeadLetterSuffix
	if err := d.Bus.Publish(ctx, dlqTopic, string(key), payload); err != nil {
		return err
	}
	if d.Metrics != nil {
		d.Metrics.EventsDeadLettered.WithLabelValues(topic).Inc()
	}
	d.Logger.WarnContext(ctx, "event dead-lettered",
		"topic", topic,
		"dlq_topic", dlqTopic,
		"reason", reason,
	)
	return nil
}

func (d *Deps) consumed(topic string) {
	if d.Metrics != nil {
		d.Metrics.EventsConsumed.WithLabelValues(topic).Inc()
	}
}
