// Package citizen covers the citizen-facing operations that are not transfer
// orchestration: direct registration with this operator, registry validation
// lookups, affiliation status, and the operator directory.
package citizen

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"affiliation/internal/affiliation/models"
	"affiliation/internal/affiliation/store"
	"affiliation/internal/events"
	"affiliation/internal/platform/metrics"
	"affiliation/internal/registry"
	dErrors "affiliation/pkg/domain-errors"
	"affiliation/pkg/platform/sentinel"
)

// RegistryClient is the slice of the registry client this service uses.
type RegistryClient interface {
	Validate(ctx context.Context, citizenID string) (*registry.ValidateResult, error)
	Register(ctx context.Context, citizenID, name, address, email, operatorID, operatorName string) (int, error)
	ListOperators(ctx context.Context) ([]registry.Operator, error)
}

// Publisher is the outbound event surface this service uses.
type Publisher interface {
	RegisterRequested(ctx context.Context, req events.RegisterRequested) error
}

// Params carries this operator's identity.
type Params struct {
	OperatorID   string
	OperatorName string
}

type Service struct {
	store     store.Store
	registry  RegistryClient
	publisher Publisher
	params    Params

	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	invalidate func(ctx context.Context, citizenID string)
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithCacheInvalidator registers a hook that drops cached registry lookups for
// a citizen after this service changes their registry state.
func WithCacheInvalidator(fn func(ctx context.Context, citizenID string)) Option {
	return func(s *Service) { s.invalidate = fn }
}

func NewService(st store.Store, reg RegistryClient, pub Publisher, params Params, opts ...Option) *Service {
	s := &Service{
		store:     st,
		registry:  reg,
		publisher: pub,
		params:    params,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validation is a citizen's standing with the registry and with this operator.
type Validation struct {
	CitizenID         string `json:"id"`
	Registered        bool   `json:"registered"`
	Detail            string `json:"detail,omitempty"`
	AffiliationStatus string `json:"affiliationStatus,omitempty"`
}

// Validate asks the registry about a citizen id and annotates the answer with
// the local affiliation state. A citizen unknown to both sides is a not-found.
func (s *Service) Validate(ctx context.Context, citizenID string) (*Validation, error) {
	result, err := s.registry.Validate(ctx, citizenID)
	if err != nil {
		return nil, err
	}

	v := &Validation{
		CitizenID:  citizenID,
		Registered: result.Registered,
		Detail:     result.Detail,
	}
	affiliation, err := s.store.GetAffiliation(ctx, citizenID)
	switch {
	case err == nil:
		v.AffiliationStatus = string(affiliation.Status)
	case !errors.Is(err, sentinel.ErrNotFound):
		return nil, err
	}

	if !v.Registered && v.AffiliationStatus == "" {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "citizen %s is not registered", citizenID)
	}
	return v, nil
}

// RegisterRequest is a direct registration with this operator.
type RegisterRequest struct {
	CitizenID string `json:"id"`
	Name      string `json:"name"`
	Address   string `json:"address,omitempty"`
	Email     string `json:"email"`
}

// Register affiliates a citizen directly, without an incoming transfer. The
// row starts TRANSFERRING with documents already in place; the registry's
// registration verdict completes or fails it through the same gate incoming
// transfers use.
func (s *Service) Register(ctx context.Context, req RegisterRequest) error {
	now := s.now().UTC()
	citizen, err := models.NewCitizen(req.CitizenID, req.Name, req.Email, s.params.OperatorID, s.params.OperatorName, now)
	if err != nil {
		return err
	}
	citizen.Address = req.Address

	affiliation := models.NewAffiliation(req.CitizenID, models.StatusTransferring, now)
	// No document import happens for direct registrations.
	affiliation.DocumentsReady = true

	if err := s.store.CreatePair(ctx, citizen, affiliation); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return dErrors.Newf(dErrors.CodeConflict, "citizen %s is already known to this operator", req.CitizenID)
		}
		return err
	}

	registerReq := events.RegisterRequested{
		CitizenID:    req.CitizenID,
		Name:         req.Name,
		Address:      req.Address,
		Email:        req.Email,
		OperatorID:   s.params.OperatorID,
		OperatorName: s.params.OperatorName,
	}
	if err := s.publisher.RegisterRequested(ctx, registerReq); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "request registration")
	}
	if _, err := s.registry.Register(ctx, req.CitizenID, req.Name, req.Address, req.Email, s.params.OperatorID, s.params.OperatorName); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "submit registration")
	}
	if s.invalidate != nil {
		s.invalidate(ctx, req.CitizenID)
	}

	s.logger.InfoContext(ctx, "citizen registration started", "citizen_id", req.CitizenID)
	if s.metrics != nil {
		s.metrics.CitizensRegistered.Inc()
	}
	return nil
}

// StatusSnapshot is the externally visible affiliation state of a citizen.
type StatusSnapshot struct {
	CitizenID      string     `json:"id"`
	Status         string     `json:"status"`
	DocumentsReady bool       `json:"documentsReady"`
	IsVerified     bool       `json:"isVerified"`
	IsRegistered   bool       `json:"isRegistered"`
	AffiliatedAt   *time.Time `json:"affiliatedAt,omitempty"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// Status returns the affiliation snapshot for a citizen.
func (s *Service) Status(ctx context.Context, citizenID string) (*StatusSnapshot, error) {
	citizen, err := s.store.GetCitizen(ctx, citizenID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Newf(dErrors.CodeNotFound, "no affiliation for citizen %s", citizenID)
		}
		return nil, err
	}
	affiliation, err := s.store.GetAffiliation(ctx, citizenID)
	if err != nil {
		return nil, err
	}

	snapshot := &StatusSnapshot{
		CitizenID:      citizenID,
		Status:         string(affiliation.Status),
		DocumentsReady: affiliation.DocumentsReady,
		IsVerified:     citizen.IsVerified,
		IsRegistered:   citizen.IsRegistered,
		UpdatedAt:      affiliation.UpdatedAt,
	}
	if !affiliation.AffiliatedAt.IsZero() {
		at := affiliation.AffiliatedAt
		snapshot.AffiliatedAt = &at
	}
	return snapshot, nil
}

// ListOperators returns the registry's operator directory.
func (s *Service) ListOperators(ctx context.Context) ([]registry.Operator, error) {
	return s.registry.ListOperators(ctx)
}
