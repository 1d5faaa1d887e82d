//go:build integration

package store_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"affiliation/internal/affiliation/models"
	"affiliation/internal/affiliation/store"
	"affiliation/pkg/platform/sentinel"
	"affiliation/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *store.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.Require().NoError(s.postgres.ApplySchema(context.Background(), store.Schema))
	s.store = store.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	ctx := context.Background()
	err := s.postgres.TruncateTables(ctx, "affiliations", "citizens")
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) seed(id string) (*models.Citizen, *models.Affiliation) {
	now := time.Now().UTC()
	c, err := models.NewCitizen(id, "Ada Lopez", "ada@example.com", "op-200", "Operator Two", now)
	s.Require().NoError(err)
	a := models.NewAffiliation(id, models.StatusTransferring, now)
	s.Require().NoError(s.store.CreatePair(context.Background(), c, a))
	return c, a
}

func (s *PostgresStoreSuite) TestRoundTrip() {
	ctx := context.Background()
	s.seed("6787452390")

	c, err := s.store.GetCitizen(ctx, "6787452390")
	s.Require().NoError(err)
	s.Equal("Ada Lopez", c.Name)
	s.Equal(models.VerificationPending, c.VerificationStatus)
	s.Equal(int64(1), c.Version)

	a, err := s.store.GetAffiliation(ctx, "6787452390")
	s.Require().NoError(err)
	s.Equal(models.StatusTransferring, a.Status)
	s.False(a.DocumentsReady)
	s.Equal(int64(1), a.Version)
}

func (s *PostgresStoreSuite) TestDuplicateCreateConflicts() {
	ctx := context.Background()
	s.seed("6787452390")

	now := time.Now().UTC()
	c, err := models.NewCitizen("6787452390", "Other Name", "other@example.com", "op-200", "Operator Two", now)
	s.Require().NoError(err)
	a := models.NewAffiliation("6787452390", models.StatusTransferring, now)
	s.ErrorIs(s.store.CreatePair(ctx, c, a), sentinel.ErrConflict)

	// The losing insert leaves the original row untouched.
	got, err := s.store.GetCitizen(ctx, "6787452390")
	s.Require().NoError(err)
	s.Equal("Ada Lopez", got.Name)
}

func (s *PostgresStoreSuite) TestNotFound() {
	ctx := context.Background()
	_, err := s.store.GetCitizen(ctx, "missing")
	s.ErrorIs(err, sentinel.ErrNotFound)
	_, err = s.store.GetAffiliation(ctx, "missing")
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestConditionalUpdate() {
	ctx := context.Background()
	c, a := s.seed("6787452390")

	c.IsVerified = true
	c.IsRegistered = true
	s.Require().NoError(s.store.UpdateCitizen(ctx, c))
	s.Equal(int64(2), c.Version)

	a.DocumentsReady = true
	a.Status = models.StatusAffiliated
	a.AffiliatedAt = time.Now().UTC()
	s.Require().NoError(s.store.UpdateAffiliation(ctx, a))
	s.Equal(int64(2), a.Version)

	got, err := s.store.GetAffiliation(ctx, "6787452390")
	s.Require().NoError(err)
	s.Equal(models.StatusAffiliated, got.Status)
	s.True(got.DocumentsReady)
	s.False(got.AffiliatedAt.IsZero())
}

func (s *PostgresStoreSuite) TestStaleVersionLosesRace() {
	ctx := context.Background()
	c, _ := s.seed("6787452390")
	stale := *c

	c.IsVerified = true
	s.Require().NoError(s.store.UpdateCitizen(ctx, c))

	stale.IsRegistered = true
	s.ErrorIs(s.store.UpdateCitizen(ctx, &stale), sentinel.ErrConcurrentModification)
}

// TestConcurrentUpdatesOneWinnerPerRound verifies that N writers racing on the
// same version produce exactly one success per round, with losers seeing the
// concurrency sentinel.
func (s *PostgresStoreSuite) TestConcurrentUpdatesOneWinnerPerRound() {
	ctx := context.Background()
	c, _ := s.seed("6787452390")
	const goroutines = 20

	var wg sync.WaitGroup
	var successCount, conflictCount atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			attempt := *c
			attempt.IsVerified = true
			err := s.store.UpdateCitizen(ctx, &attempt)
			if err == nil {
				successCount.Add(1)
			} else if errors.Is(err, sentinel.ErrConcurrentModification) {
				conflictCount.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), successCount.Load(), "exactly one update should win")
	s.Equal(int32(goroutines-1), conflictCount.Load(), "all others should lose the race")

	got, err := s.store.GetCitizen(ctx, "6787452390")
	s.Require().NoError(err)
	s.Equal(int64(2), got.Version)
	s.True(got.IsVerified)
}

func (s *PostgresStoreSuite) TestListStaleTransferring() {
	ctx := context.Background()
	now := time.Now().UTC()

	mk := func(id string, status models.Status, started time.Time) {
		c, err := models.NewCitizen(id, "Name", "n@example.com", "op-200", "Operator Two", started)
		s.Require().NoError(err)
		a := models.NewAffiliation(id, status, started)
		s.Require().NoError(s.store.CreatePair(ctx, c, a))
	}
	mk("stale-1", models.StatusTransferring, now.Add(-2*time.Hour))
	mk("fresh-1", models.StatusTransferring, now.Add(-time.Minute))
	mk("done-1", models.StatusAffiliated, now.Add(-2*time.Hour))

	ids, err := s.store.ListStaleTransferring(ctx, now.Add(-time.Hour))
	s.Require().NoError(err)
	s.Equal([]string{"stale-1"}, ids)
}
