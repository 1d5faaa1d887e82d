package consumers

import (
	"context"
	"errors"
	"fmt"

	"affiliation/internal/events"
	"affiliation/internal/platform/kafka/consumer"
	"affiliation/pkg/platform/sentinel"
)

// DocumentsReadyHandler applies the document-import completion signal.
type DocumentsReadyHandler struct {
	deps *Deps
}

func NewDocumentsReadyHandler(deps *Deps) *DocumentsReadyHandler {
	return &DocumentsReadyHandler{deps: deps}
}

func (h *DocumentsReadyHandler) Handle(ctx context.Context, msg *consumer.Message) error {
	event, err := events.Decode[events.DocumentsReady](msg.Value)
	if err != nil {
		return h.deps.deadLetter(ctx, msg.Topic, msg.Key, msg.Value, err)
	}
	if event.CitizenID == "" {
		return h.deps.deadLetter(ctx, msg.Topic, msg.Key, msg.Value,
			fmt.Errorf("%w: missing idCitizen", events.ErrMalformedEvent))
	}

	if err := h.deps.Orchestrator.DocumentsReady(ctx, string(event.CitizenID)); err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return h.deps.deadLetter(ctx, msg.Topic, msg.Key, msg.Value, err)
		}
		return err
	}

	h.deps.consumed(msg.Topic)
	return nil
}
