package store

import (
	"context"
	"time"

	"affiliation/internal/affiliation/models"
)

// Store is the repository contract the orchestrator depends on. All writes
// after creation are conditional on the version the caller read; a lost race
// surfaces as sentinel.ErrConcurrentModification and the caller retries its
// whole read-modify-write cycle. Per-citizen serialization comes entirely from
// this contract; consumers may run in separate processes, so in-process
// locking would not help.
type Store interface {
	GetCitizen(ctx context.Context, citizenID string) (*models.Citizen, error)
	GetAffiliation(ctx context.Context, citizenID string) (*models.Affiliation, error)

	// CreatePair atomically creates the citizen and affiliation rows.
	// Returns sentinel.ErrConflict if either already exists.
	CreatePair(ctx context.Context, citizen *models.Citizen, affiliation *models.Affiliation) error

	// UpdateCitizen applies a conditional update keyed on citizen.Version.
	// On success the passed record's Version and UpdatedAt are refreshed.
	UpdateCitizen(ctx context.Context, citizen *models.Citizen) error

	// UpdateAffiliation applies a conditional update keyed on
	// affiliation.Version, refreshing Version and UpdatedAt on success.
	UpdateAffiliation(ctx context.Context, affiliation *models.Affiliation) error

	// ListStaleTransferring returns citizen ids whose affiliation has sat in
	// TRANSFERRING since before the cutoff. Used by the timeout sweeper.
	ListStaleTransferring(ctx context.Context, cutoff time.Time) ([]string, error)
}
