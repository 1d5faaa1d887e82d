package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"affiliation/internal/affiliation/models"
	"affiliation/pkg/platform/sentinel"
)

//go:embed schema.sql
var Schema string

// PostgresStore persists citizens and affiliations in PostgreSQL.
// This store is pure I/O; gate evaluation and transition rules belong in the
// services. Conditional updates compare the version column so concurrent
// writers serialize per citizen without locks.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const citizenColumns = `citizen_id, name, email, address, operator_id, operator_name,
	is_registered, is_verified, verification_status, verification_message,
	pending_deletion, created_at, updated_at, version`

const affiliationColumns = `citizen_id, status, documents_ready, source_callback_url,
	target_operator_id, target_operator_name, target_operator_url,
	request_fingerprint, transfer_started_at, transfer_completed_at,
	affiliated_at, updated_at, version`

func (s *PostgresStore) GetCitizen(ctx context.Context, citizenID string) (*models.Citizen, error) {
	query := `SELECT ` + citizenColumns + ` FROM citizens WHERE citizen_id = $1`
	c, err := scanCitizen(s.db.QueryRowContext(ctx, query, citizenID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get citizen: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) GetAffiliation(ctx context.Context, citizenID string) (*models.Affiliation, error) {
	query := `SELECT ` + affiliationColumns + ` FROM affiliations WHERE citizen_id = $1`
	a, err := scanAffiliation(s.db.QueryRowContext(ctx, query, citizenID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("get affiliation: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) CreatePair(ctx context.Context, citizen *models.Citizen, affiliation *models.Affiliation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create pair: %w", err)
	}
	defer tx.Rollback()

	citizen.Version = 1
	affiliation.Version = 1

	_, err = tx.ExecContext(ctx, `
		INSERT INTO citizens (`+citizenColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		citizen.CitizenID, citizen.Name, citizen.Email, citizen.Address,
		citizen.OperatorID, citizen.OperatorName,
		citizen.IsRegistered, citizen.IsVerified,
		string(citizen.VerificationStatus), nullable(citizen.VerificationMessage),
		citizen.PendingDeletion, citizen.CreatedAt, citizen.UpdatedAt, citizen.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert citizen: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO affiliations (`+affiliationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		affiliation.CitizenID, string(affiliation.Status), affiliation.DocumentsReady,
		nullable(affiliation.SourceCallbackURL),
		nullable(affiliation.TargetOperatorID), nullable(affiliation.TargetOperatorName),
		nullable(affiliation.TargetOperatorURL), nullable(affiliation.RequestFingerprint),
		nullTime(affiliation.TransferStartedAt), nullTime(affiliation.TransferCompletedAt),
		nullTime(affiliation.AffiliatedAt), affiliation.UpdatedAt, affiliation.Version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert affiliation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create pair: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateCitizen(ctx context.Context, citizen *models.Citizen) error {
	now := time.Now().UTC()
	query := `
		UPDATE citizens SET
			name = $2, email = $3, address = $4,
			is_registered = $5, is_verified = $6,
			verification_status = $7, verification_message = $8,
			pending_deletion = $9, updated_at = $10, version = version + 1
		WHERE citizen_id = $1 AND version = $11
	`
	res, err := s.db.ExecContext(ctx, query,
		citizen.CitizenID, citizen.Name, citizen.Email, citizen.Address,
		citizen.IsRegistered, citizen.IsVerified,
		string(citizen.VerificationStatus), nullable(citizen.VerificationMessage),
		citizen.PendingDeletion, now, citizen.Version,
	)
	if err != nil {
		return fmt.Errorf("update citizen: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	citizen.Version++
	citizen.UpdatedAt = now
	return nil
}

func (s *PostgresStore) UpdateAffiliation(ctx context.Context, affiliation *models.Affiliation) error {
	now := time.Now().UTC()
	query := `
		UPDATE affiliations SET
			status = $2, documents_ready = $3, source_callback_url = $4,
			target_operator_id = $5, target_operator_name = $6, target_operator_url = $7,
			request_fingerprint = $8, transfer_started_at = $9,
			transfer_completed_at = $10, affiliated_at = $11,
			updated_at = $12, version = version + 1
		WHERE citizen_id = $1 AND version = $13
	`
	res, err := s.db.ExecContext(ctx, query,
		affiliation.CitizenID, string(affiliation.Status), affiliation.DocumentsReady,
		nullable(affiliation.SourceCallbackURL),
		nullable(affiliation.TargetOperatorID), nullable(affiliation.TargetOperatorName),
		nullable(affiliation.TargetOperatorURL), nullable(affiliation.RequestFingerprint),
		nullTime(affiliation.TransferStartedAt), nullTime(affiliation.TransferCompletedAt),
		nullTime(affiliation.AffiliatedAt), now, affiliation.Version,
	)
	if err != nil {
		return fmt.Errorf("update affiliation: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	affiliation.Version++
	affiliation.UpdatedAt = now
	return nil
}

func (s *PostgresStore) ListStaleTransferring(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT citizen_id FROM affiliations
		WHERE status = $1 AND transfer_started_at < $2
	`, string(models.StatusTransferring), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale transfers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale transfer: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// requireRow converts "zero rows updated" into the optimistic-lock sentinel.
// The row either does not exist or was modified since the caller's read;
// callers re-read to tell the difference.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sentinel.ErrConcurrentModification
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCitizen(row rowScanner) (*models.Citizen, error) {
	var c models.Citizen
	var status string
	var message sql.NullString
	if err := row.Scan(
		&c.CitizenID, &c.Name, &c.Email, &c.Address, &c.OperatorID, &c.OperatorName,
		&c.IsRegistered, &c.IsVerified, &status, &message,
		&c.PendingDeletion, &c.CreatedAt, &c.UpdatedAt, &c.Version,
	); err != nil {
		return nil, err
	}
	c.VerificationStatus = models.VerificationStatus(status)
	c.VerificationMessage = message.String
	return &c, nil
}

func scanAffiliation(row rowScanner) (*models.Affiliation, error) {
	var a models.Affiliation
	var status string
	var source, targetID, targetName, targetURL, fingerprint sql.NullString
	var started, completed, affiliated sql.NullTime
	if err := row.Scan(
		&a.CitizenID, &status, &a.DocumentsReady, &source,
		&targetID, &targetName, &targetURL, &fingerprint,
		&started, &completed, &affiliated, &a.UpdatedAt, &a.Version,
	); err != nil {
		return nil, err
	}
	a.Status = models.Status(status)
	a.SourceCallbackURL = source.String
	a.TargetOperatorID = targetID.String
	a.TargetOperatorName = targetName.String
	a.TargetOperatorURL = targetURL.String
	a.RequestFingerprint = fingerprint.String
	a.TransferStartedAt = started.Time
	a.TransferCompletedAt = completed.Time
	a.AffiliatedAt = affiliated.Time
	return &a, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
