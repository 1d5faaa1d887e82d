package consumers

import (
	"context"
	"errors"
	"fmt"

	"affiliation/internal/events"
	"affiliation/internal/platform/kafka/consumer"
	"affiliation/pkg/platform/sentinel"
)

// RegisterCompletedHandler applies the registry's registration verdict.
type RegisterCompletedHandler struct {
	deps *Deps
}

func NewRegisterCompletedHandler(deps *Deps) *RegisterCompletedHandler {
	return &RegisterCompletedHandler{deps: deps}
}

func (h *RegisterCompletedHandler) Handle(ctx context.Context, msg *consumer.Message) error {
	event, err := events.Decode[events.RegisterCompleted](msg.Value)
	if err != nil {
		return h.deps.deadLetter(ctx, msg.Topic, msg.Key, msg.Value, err)
	}
	if event.CitizenID == "" || event.StatusCode == 0 {
		return h.deps.deadLetter(ctx, msg.Topic, msg.Key, msg.Value,
			fmt.Errorf("%w: missing id or statusCode", events.ErrMalformedEvent))
	}

	err = h.deps.Orchestrator.RegistrationCompleted(ctx, string(event.CitizenID), event.Success(), event.Message)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return h.deps.deadLetter(ctx, msg.Topic, msg.Key, msg.Value, err)
		}
		return err
	}

	h.deps.consumed(msg.Topic)
	return nil
}
