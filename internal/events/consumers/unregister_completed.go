package consumers

import (
	"context"
	"errors"
	"fmt"

	"affiliation/internal/events"
	"affiliation/internal/platform/kafka/consumer"
	"affiliation/pkg/platform/sentinel"
)

// UnregisterCompletedHandler applies the registry's unregistration verdict,
// which resumes or rolls back an outgoing transfer.
type UnregisterCompletedHandler struct {
	deps *Deps
}

func NewUnregisterCompletedHandler(deps *Deps) *UnregisterCompletedHandler {
	return &UnregisterCompletedHandler{deps: deps}
}

func (h *UnregisterCompletedHandler) Handle(ctx context.Context, msg *consumer.Message) error {
	event, err := events.Decode[events.UnregisterCompleted](msg.Value)
	if err != nil {
		return h.deps.deadLetter(ctx, msg.Topic, msg.Key, msg.Value, err)
	}
	if event.CitizenID == "" || event.StatusCode == 0 {
		return h.deps.deadLetter(ctx, msg.Topic, msg.Key, msg.Value,
			fmt.Errorf("%w: missing id or statusCode", events.ErrMalformedEvent))
	}

	err = h.deps.Orchestrator.UnregistrationCompleted(ctx, string(event.CitizenID), event.Success())
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return h.deps.deadLetter(ctx, msg.Topic, msg.Key, msg.Value, err)
		}
		return err
	}

	h.deps.consumed(msg.Topic)
	return nil
}
