package events

import (
	"context"
	"encoding/json"
	"fmt"
)

// bus is the producer surface the publisher needs.
type bus interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// Publisher emits the service's outbound events. Every publish is keyed by
// citizen id so a citizen's events stay ordered on one partition.
type Publisher struct {
	bus bus
}

func NewPublisher(b bus) *Publisher {
	return &Publisher{bus: b}
}

func (p *Publisher) publish(ctx context.Context, topic, citizenID string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", topic, err)
	}
	return p.bus.Publish(ctx, topic, citizenID, data)
}

// DocumentsDownloadRequested asks the document service to fetch a citizen's
// bundle from the source operator's URLs.
func (p *Publisher) DocumentsDownloadRequested(ctx context.Context, citizenID string, urls map[string][]string) error {
	return p.publish(ctx, TopicDocumentsDownload, citizenID, DocumentsDownloadRequested{
		CitizenID:    citizenID,
		URLDocuments: urls,
	})
}

// RegisterRequested asks the registry worker to register the citizen.
func (p *Publisher) RegisterRequested(ctx context.Context, req RegisterRequested) error {
	return p.publish(ctx, TopicRegisterRequested, req.CitizenID, req)
}

// UnregisterRequested asks the registry worker to unregister the citizen.
func (p *Publisher) UnregisterRequested(ctx context.Context, req UnregisterRequested) error {
	return p.publish(ctx, TopicUnregisterRequested, req.CitizenID, req)
}

// AffiliationCreated announces a completed affiliation.
func (p *Publisher) AffiliationCreated(ctx context.Context, citizenID string) error {
	return p.publish(ctx, TopicAffiliationCreated, citizenID, AffiliationCreated{CitizenID: citizenID})
}

// UserTransferred announces a terminal transfer outcome.
func (p *Publisher) UserTransferred(ctx context.Context, citizenID, status string) error {
	return p.publish(ctx, TopicUserTransferred, citizenID, UserTransferred{
		CitizenID: citizenID,
		Status:    status,
	})
}
