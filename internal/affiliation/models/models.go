package models

import (
	"strings"
	"time"

	dErrors "affiliation/pkg/domain-errors"
)

// VerificationStatus tracks the registry's verdict on a citizen.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationVerified VerificationStatus = "verified"
	VerificationFailed   VerificationStatus = "failed"
)

// Status is the affiliation state. The zero state NONE is represented by the
// absence of a row; a row is never deleted, only transitioned.
type Status string

const (
	StatusTransferring    Status = "TRANSFERRING"
	StatusAffiliated      Status = "AFFILIATED"
	StatusTransferringOut Status = "TRANSFERRING_OUT"
	StatusTransferredOut  Status = "TRANSFERRED_OUT"
	StatusFailed          Status = "FAILED"
)

// Citizen is the identity record held for an affiliated or in-transfer
// citizen. Version implements optimistic concurrency: every conditional
// update names the version it read.
type Citizen struct {
	CitizenID           string
	Name                string
	Email               string
	Address             string
	OperatorID          string
	OperatorName        string
	IsRegistered        bool
	IsVerified          bool
	VerificationStatus  VerificationStatus
	VerificationMessage string
	PendingDeletion     bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
	Version             int64
}

// Affiliation is the citizen's relationship to this operator. Exactly one row
// exists per citizen id.
type Affiliation struct {
	CitizenID          string
	Status             Status
	DocumentsReady     bool
	SourceCallbackURL  string // counterpart's confirmAPI for incoming transfers
	TargetOperatorID   string
	TargetOperatorName string
	TargetOperatorURL  string // counterpart's receive endpoint for outgoing transfers
	RequestFingerprint string // sha256 of the initiating payload, for retry detection
	TransferStartedAt  time.Time
	TransferCompletedAt time.Time
	AffiliatedAt       time.Time
	UpdatedAt          time.Time
	Version            int64
}

// NewCitizen validates and builds a citizen record pending verification.
func NewCitizen(citizenID, name, email, operatorID, operatorName string, now time.Time) (*Citizen, error) {
	citizenID = strings.TrimSpace(citizenID)
	if citizenID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "citizen id is required")
	}
	if strings.TrimSpace(name) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "citizen name is required")
	}
	if strings.TrimSpace(email) == "" || !strings.Contains(email, "@") {
		return nil, dErrors.New(dErrors.CodeValidation, "valid citizen email is required")
	}
	return &Citizen{
		CitizenID:           citizenID,
		Name:                name,
		Email:               email,
		OperatorID:          operatorID,
		OperatorName:        operatorName,
		VerificationStatus:  VerificationPending,
		VerificationMessage: "waiting for registry verification",
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

// NewAffiliation builds the affiliation row paired with a new citizen.
func NewAffiliation(citizenID string, status Status, now time.Time) *Affiliation {
	return &Affiliation{
		CitizenID:         citizenID,
		Status:            status,
		TransferStartedAt: now,
		UpdatedAt:         now,
	}
}

// GateSatisfied reports whether the two-condition completion gate holds. It is
// a pure function of persisted state so re-evaluation after every signal is
// order-independent.
func GateSatisfied(c *Citizen, a *Affiliation) bool {
	return a.DocumentsReady && c.IsVerified && c.IsRegistered
}

// CanRetryIncoming reports whether a fresh incoming transfer may replace this
// affiliation. Only FAILED attempts are retryable; TRANSFERRED_OUT rows belong
// to a citizen who has left and may be re-received like a failed row may be
// retried.
func (a *Affiliation) CanRetryIncoming() bool {
	return a.Status == StatusFailed || a.Status == StatusTransferredOut
}

// PurgePII clears profile fields once the citizen has been handed over.
// Identity and affiliation rows survive for replay idempotency.
func (c *Citizen) PurgePII() {
	c.Name = ""
	c.Email = ""
	c.Address = ""
	c.VerificationMessage = ""
}
