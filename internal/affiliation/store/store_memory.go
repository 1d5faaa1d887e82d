package store

import (
	"context"
	"sync"
	"time"

	"affiliation/internal/affiliation/models"
	"affiliation/pkg/platform/sentinel"
)

// InMemoryStore keeps unit tests and local development free of external
// dependencies. It enforces the same version-CAS semantics as the postgres
// implementation.
type InMemoryStore struct {
	mu           sync.Mutex
	citizens     map[string]models.Citizen
	affiliations map[string]models.Affiliation
	now          func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		citizens:     make(map[string]models.Citizen),
		affiliations: make(map[string]models.Affiliation),
		now:          time.Now,
	}
}

func (s *InMemoryStore) GetCitizen(_ context.Context, citizenID string) (*models.Citizen, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.citizens[citizenID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &c, nil
}

func (s *InMemoryStore) GetAffiliation(_ context.Context, citizenID string) (*models.Affiliation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.affiliations[citizenID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return &a, nil
}

func (s *InMemoryStore) CreatePair(_ context.Context, citizen *models.Citizen, affiliation *models.Affiliation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.citizens[citizen.CitizenID]; ok {
		return sentinel.ErrConflict
	}
	if _, ok := s.affiliations[affiliation.CitizenID]; ok {
		return sentinel.ErrConflict
	}
	citizen.Version = 1
	affiliation.Version = 1
	s.citizens[citizen.CitizenID] = *citizen
	s.affiliations[affiliation.CitizenID] = *affiliation
	return nil
}

func (s *InMemoryStore) UpdateCitizen(_ context.Context, citizen *models.Citizen) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.citizens[citizen.CitizenID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.Version != citizen.Version {
		return sentinel.ErrConcurrentModification
	}
	citizen.Version++
	citizen.UpdatedAt = s.now()
	s.citizens[citizen.CitizenID] = *citizen
	return nil
}

func (s *InMemoryStore) UpdateAffiliation(_ context.Context, affiliation *models.Affiliation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.affiliations[affiliation.CitizenID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.Version != affiliation.Version {
		return sentinel.ErrConcurrentModification
	}
	affiliation.Version++
	affiliation.UpdatedAt = s.now()
	s.affiliations[affiliation.CitizenID] = *affiliation
	return nil
}

func (s *InMemoryStore) ListStaleTransferring(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, a := range s.affiliations {
		if a.Status == models.StatusTransferring && a.TransferStartedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
