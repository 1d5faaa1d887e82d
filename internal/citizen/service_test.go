package citizen

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"affiliation/internal/affiliation/models"
	"affiliation/internal/affiliation/store"
	"affiliation/internal/events"
	"affiliation/internal/registry"
	dErrors "affiliation/pkg/domain-errors"
)

type fakeRegistry struct {
	validateResult *registry.ValidateResult
	validateErr    error
	registerCalls  int
	registerErr    error
	operators      []registry.Operator
}

func (f *fakeRegistry) Validate(context.Context, string) (*registry.ValidateResult, error) {
	if f.validateErr != nil {
		return nil, f.validateErr
	}
	if f.validateResult == nil {
		return &registry.ValidateResult{}, nil
	}
	return f.validateResult, nil
}

func (f *fakeRegistry) Register(context.Context, string, string, string, string, string, string) (int, error) {
	f.registerCalls++
	if f.registerErr != nil {
		return 0, f.registerErr
	}
	return http.StatusCreated, nil
}

func (f *fakeRegistry) ListOperators(context.Context) ([]registry.Operator, error) {
	return f.operators, nil
}

type fakePublisher struct {
	registers []events.RegisterRequested
}

func (f *fakePublisher) RegisterRequested(_ context.Context, req events.RegisterRequested) error {
	f.registers = append(f.registers, req)
	return nil
}

type ServiceSuite struct {
	suite.Suite
	store     *store.InMemoryStore
	registry  *fakeRegistry
	publisher *fakePublisher
	service   *Service
	ctx       context.Context
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.store = store.NewInMemoryStore()
	s.registry = &fakeRegistry{}
	s.publisher = &fakePublisher{}
	s.ctx = context.Background()
	s.service = NewService(s.store, s.registry, s.publisher, Params{
		OperatorID:   "op-200",
		OperatorName: "Operator Two",
	}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func (s *ServiceSuite) TestValidateRegisteredCitizen() {
	s.registry.validateResult = &registry.ValidateResult{
		Registered: true,
		Detail:     "citizen registered at Operator One",
	}

	v, err := s.service.Validate(s.ctx, "6787452390")
	s.Require().NoError(err)
	s.True(v.Registered)
	s.Contains(v.Detail, "Operator One")
	s.Empty(v.AffiliationStatus)
}

func (s *ServiceSuite) TestValidateUnknownCitizenIsNotFound() {
	_, err := s.service.Validate(s.ctx, "999")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestValidateIncludesLocalAffiliation() {
	s.Require().NoError(s.service.Register(s.ctx, RegisterRequest{
		CitizenID: "6787452390",
		Name:      "Ada Lopez",
		Email:     "ada@example.com",
	}))

	v, err := s.service.Validate(s.ctx, "6787452390")
	s.Require().NoError(err)
	s.False(v.Registered, "registry verdict is still pending")
	s.Equal("TRANSFERRING", v.AffiliationStatus)
}

func (s *ServiceSuite) TestRegisterCreatesPendingAffiliation() {
	err := s.service.Register(s.ctx, RegisterRequest{
		CitizenID: "6787452390",
		Name:      "Ada Lopez",
		Address:   "Cra 1 #2-3",
		Email:     "ada@example.com",
	})
	s.Require().NoError(err)

	a, err := s.store.GetAffiliation(s.ctx, "6787452390")
	s.Require().NoError(err)
	s.Equal(models.StatusTransferring, a.Status)
	s.True(a.DocumentsReady, "direct registrations have no document import to wait for")
	s.Empty(a.SourceCallbackURL)

	s.Require().Len(s.publisher.registers, 1)
	s.Equal("Operator Two", s.publisher.registers[0].OperatorName)
	s.Equal(1, s.registry.registerCalls)
}

func (s *ServiceSuite) TestRegisterInvalidatesCachedValidation() {
	var invalidated []string
	svc := NewService(s.store, s.registry, s.publisher, Params{
		OperatorID:   "op-200",
		OperatorName: "Operator Two",
	}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithCacheInvalidator(func(_ context.Context, id string) {
			invalidated = append(invalidated, id)
		}))

	s.Require().NoError(svc.Register(s.ctx, RegisterRequest{
		CitizenID: "6787452390",
		Name:      "Ada Lopez",
		Email:     "ada@example.com",
	}))
	s.Equal([]string{"6787452390"}, invalidated)
}

func (s *ServiceSuite) TestRegisterValidatesInput() {
	err := s.service.Register(s.ctx, RegisterRequest{CitizenID: "1", Name: "X", Email: "not-an-email"})
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ServiceSuite) TestRegisterDuplicateConflicts() {
	req := RegisterRequest{CitizenID: "6787452390", Name: "Ada Lopez", Email: "ada@example.com"}
	s.Require().NoError(s.service.Register(s.ctx, req))

	err := s.service.Register(s.ctx, req)
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *ServiceSuite) TestStatusSnapshot() {
	s.Require().NoError(s.service.Register(s.ctx, RegisterRequest{
		CitizenID: "6787452390",
		Name:      "Ada Lopez",
		Email:     "ada@example.com",
	}))

	snapshot, err := s.service.Status(s.ctx, "6787452390")
	s.Require().NoError(err)
	s.Equal("TRANSFERRING", snapshot.Status)
	s.True(snapshot.DocumentsReady)
	s.False(snapshot.IsVerified)
	s.Nil(snapshot.AffiliatedAt)
	s.WithinDuration(time.Now(), snapshot.UpdatedAt, time.Minute)
}

func (s *ServiceSuite) TestStatusUnknownCitizen() {
	_, err := s.service.Status(s.ctx, "nobody")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestListOperators() {
	s.registry.operators = []registry.Operator{{ID: "op-300", Name: "Operator Three"}}
	operators, err := s.service.ListOperators(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(operators, 1)
	s.Equal("op-300", operators[0].ID)
}
