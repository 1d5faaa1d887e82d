// Package transfer implements the affiliation state machine. Transitions are
// driven by HTTP requests and bus signals arriving in any order, possibly
// duplicated; every transition is a conditional write keyed on the row version
// so exactly one caller wins a given transition and performs its side effects.
package transfer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
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

// casAttempts bounds retries of a lost version race. Each retry starts from a
// fresh read, so losing simply means someone else moved the row first.
const casAttempts = 3

// RegistryClient is the slice of the registry client the orchestrator uses.
type RegistryClient interface {
	Register(ctx context.Context, citizenID, name, address, email, operatorID, operatorName string) (int, error)
	ListOperators(ctx context.Context) ([]registry.Operator, error)
	SendTransfer(ctx context.Context, targetURL string, req registry.TransferRequest) (int, error)
	ConfirmTransfer(ctx context.Context, callbackURL, citizenID string, accepted bool) error
	GetDocuments(ctx context.Context, citizenID string) (map[string][]string, error)
}

// Publisher is the outbound event surface the orchestrator uses.
type Publisher interface {
	DocumentsDownloadRequested(ctx context.Context, citizenID string, urls map[string][]string) error
	RegisterRequested(ctx context.Context, req events.RegisterRequested) error
	UnregisterRequested(ctx context.Context, req events.UnregisterRequested) error
	AffiliationCreated(ctx context.Context, citizenID string) error
	UserTransferred(ctx context.Context, citizenID, status string) error
}

// Params carries this operator's identity, handed to the registry and to
// counterpart operators.
type Params struct {
	OperatorID   string
	OperatorName string
	// ConfirmCallbackURL is our confirmation endpoint, included in outgoing
	// transfer payloads so the target can call back.
	ConfirmCallbackURL string
	// StaleTransferTTL bounds how long an incoming transfer may sit in
	// TRANSFERRING before the sweeper fails it.
	StaleTransferTTL time.Duration
}

// Service orchestrates incoming and outgoing citizen transfers.
type Service struct {
	store     store.Store
	registry  RegistryClient
	publisher Publisher
	params    Params

	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures optional service collaborators.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
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

// ReceiveRequest is an incoming transfer from a counterpart operator.
type ReceiveRequest struct {
	CitizenID      string              `json:"id"`
	CitizenName    string              `json:"citizenName"`
	CitizenEmail   string              `json:"citizenEmail"`
	CitizenAddress string              `json:"citizenAddress,omitempty"`
	URLDocuments   map[string][]string `json:"urlDocuments"`
	ConfirmAPI     string              `json:"confirmAPI"`
}

// Fingerprint identifies a byte-equivalent retry of the same request.
func (r ReceiveRequest) Fingerprint() string {
	data, _ := json.Marshal(r)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Receive starts an incoming transfer. A redelivered identical request for a
// citizen in flight or affiliated is an idempotent no-op; a different request
// for such a citizen is a conflict; a failed or transferred-out citizen starts
// over regardless of payload.
func (s *Service) Receive(ctx context.Context, req ReceiveRequest) error {
	citizen, err := models.NewCitizen(req.CitizenID, req.CitizenName, req.CitizenEmail, s.params.OperatorID, s.params.OperatorName, s.now().UTC())
	if err != nil {
		return err
	}
	citizen.Address = req.CitizenAddress
	fingerprint := req.Fingerprint()

	err = s.withRetry(ctx, func(ctx context.Context) error {
		existing, err := s.store.GetAffiliation(ctx, req.CitizenID)
		switch {
		case errors.Is(err, sentinel.ErrNotFound):
			return s.createIncoming(ctx, citizen, req, fingerprint)
		case err != nil:
			return err
		}

		// A failed or transferred-out prior attempt always starts over, even
		// on a byte-identical resend; the fingerprint no-op applies only while
		// the earlier request is still in flight or affiliated.
		if existing.CanRetryIncoming() {
			return s.resetIncoming(ctx, req, fingerprint)
		}
		if existing.RequestFingerprint == fingerprint {
			s.logger.InfoContext(ctx, "duplicate transfer request ignored", "citizen_id", req.CitizenID)
			if s.metrics != nil {
				s.metrics.DuplicatesIgnored.WithLabelValues("transfer.receive").Inc()
			}
			return errDuplicateReceive
		}
		return dErrors.Newf(dErrors.CodeConflict, "citizen %s already has an active affiliation", req.CitizenID)
	})
	if errors.Is(err, errDuplicateReceive) {
		return nil
	}
	if err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.TransfersReceived.Inc()
	}
	return s.startIncomingSideEffects(ctx, req)
}

// errDuplicateReceive short-circuits the retry loop for fingerprint matches
// so side effects do not run twice. Never escapes Receive.
var errDuplicateReceive = errors.New("duplicate receive")

func (s *Service) createIncoming(ctx context.Context, citizen *models.Citizen, req ReceiveRequest, fingerprint string) error {
	affiliation := models.NewAffiliation(req.CitizenID, models.StatusTransferring, s.now().UTC())
	affiliation.SourceCallbackURL = req.ConfirmAPI
	affiliation.RequestFingerprint = fingerprint

	if err := s.store.CreatePair(ctx, citizen, affiliation); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			// Lost a creation race; re-read and classify on the next attempt.
			return sentinel.ErrConcurrentModification
		}
		return err
	}
	return nil
}

// resetIncoming reuses the rows of a failed or transferred-out citizen for a
// fresh attempt.
func (s *Service) resetIncoming(ctx context.Context, req ReceiveRequest, fingerprint string) error {
	citizen, err := s.store.GetCitizen(ctx, req.CitizenID)
	if err != nil {
		return err
	}
	affiliation, err := s.store.GetAffiliation(ctx, req.CitizenID)
	if err != nil {
		return err
	}

	citizen.Name = req.CitizenName
	citizen.Email = req.CitizenEmail
	citizen.Address = req.CitizenAddress
	citizen.OperatorID = s.params.OperatorID
	citizen.OperatorName = s.params.OperatorName
	citizen.IsRegistered = false
	citizen.IsVerified = false
	citizen.VerificationStatus = models.VerificationPending
	citizen.VerificationMessage = "waiting for registry verification"
	citizen.PendingDeletion = false
	if err := s.store.UpdateCitizen(ctx, citizen); err != nil {
		return err
	}

	now := s.now().UTC()
	affiliation.Status = models.StatusTransferring
	affiliation.DocumentsReady = false
	affiliation.SourceCallbackURL = req.ConfirmAPI
	affiliation.TargetOperatorID = ""
	affiliation.TargetOperatorName = ""
	affiliation.TargetOperatorURL = ""
	affiliation.RequestFingerprint = fingerprint
	affiliation.TransferStartedAt = now
	affiliation.TransferCompletedAt = time.Time{}
	affiliation.AffiliatedAt = time.Time{}
	return s.store.UpdateAffiliation(ctx, affiliation)
}

// startIncomingSideEffects kicks off the document import and the registry
// registration for a freshly created transfer. Any failure here fails the
// transfer so the source operator can retry from scratch.
func (s *Service) startIncomingSideEffects(ctx context.Context, req ReceiveRequest) error {
	if err := s.publisher.DocumentsDownloadRequested(ctx, req.CitizenID, req.URLDocuments); err != nil {
		s.failTransfer(ctx, req.CitizenID, "document download request failed")
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "request document download")
	}

	registerReq := events.RegisterRequested{
		CitizenID:    req.CitizenID,
		Name:         req.CitizenName,
		Address:      req.CitizenAddress,
		Email:        req.CitizenEmail,
		OperatorID:   s.params.OperatorID,
		OperatorName: s.params.OperatorName,
	}
	if err := s.publisher.RegisterRequested(ctx, registerReq); err != nil {
		s.failTransfer(ctx, req.CitizenID, "registry registration request failed")
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "request registration")
	}

	if _, err := s.registry.Register(ctx, req.CitizenID, req.CitizenName, req.CitizenAddress, req.CitizenEmail, s.params.OperatorID, s.params.OperatorName); err != nil {
		s.failTransfer(ctx, req.CitizenID, "verification registry unreachable")
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "submit registration")
	}
	return nil
}

// DocumentsReady records the document-import completion signal and
// re-evaluates the completion gate.
func (s *Service) DocumentsReady(ctx context.Context, citizenID string) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		citizen, affiliation, err := s.readPair(ctx, citizenID)
		if err != nil {
			return err
		}

		if affiliation.DocumentsReady {
			s.noteDuplicate(ctx, events.TopicDocumentsReady, citizenID)
			return s.applyGate(ctx, citizen, affiliation, false)
		}
		if affiliation.Status != models.StatusTransferring {
			s.logger.InfoContext(ctx, "late documents signal ignored",
				"citizen_id", citizenID, "status", string(affiliation.Status))
			return nil
		}

		affiliation.DocumentsReady = true
		return s.applyGate(ctx, citizen, affiliation, true)
	})
}

// RegistrationCompleted records the registry's registration verdict and
// re-evaluates the completion gate. A failed verdict fails a transfer in
// flight; a success arriving after the transfer already failed is discarded.
func (s *Service) RegistrationCompleted(ctx context.Context, citizenID string, success bool, message string) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		citizen, affiliation, err := s.readPair(ctx, citizenID)
		if err != nil {
			return err
		}

		if !success {
			if citizen.VerificationStatus == models.VerificationFailed {
				s.noteDuplicate(ctx, events.TopicRegisterCompleted, citizenID)
				return nil
			}
			citizen.IsVerified = false
			citizen.IsRegistered = false
			citizen.VerificationStatus = models.VerificationFailed
			citizen.VerificationMessage = message
			if err := s.store.UpdateCitizen(ctx, citizen); err != nil {
				return err
			}
			if affiliation.Status == models.StatusTransferring {
				s.failTransfer(ctx, citizenID, "registry rejected registration")
			}
			return nil
		}

		if citizen.IsVerified && citizen.IsRegistered {
			s.noteDuplicate(ctx, events.TopicRegisterCompleted, citizenID)
			return s.applyGate(ctx, citizen, affiliation, false)
		}
		if affiliation.Status == models.StatusFailed {
			s.logger.InfoContext(ctx, "registration success after failed transfer discarded",
				"citizen_id", citizenID)
			return nil
		}

		citizen.IsVerified = true
		citizen.IsRegistered = true
		citizen.VerificationStatus = models.VerificationVerified
		citizen.VerificationMessage = message
		if err := s.store.UpdateCitizen(ctx, citizen); err != nil {
			return err
		}
		// Force a conditional affiliation write: a documents signal landing
		// between our read and now surfaces as a version conflict and the
		// retry re-evaluates the gate from fresh state.
		return s.applyGate(ctx, citizen, affiliation, true)
	})
}

// applyGate promotes a TRANSFERRING affiliation to AFFILIATED when all three
// conditions hold. dirty forces a write even without promotion, for callers
// that changed a condition flag on the affiliation row. The caller that wins
// the promoting write performs the one-time completion side effects.
func (s *Service) applyGate(ctx context.Context, citizen *models.Citizen, affiliation *models.Affiliation, dirty bool) error {
	promoting := affiliation.Status == models.StatusTransferring && models.GateSatisfied(citizen, affiliation)
	if promoting {
		now := s.now().UTC()
		affiliation.Status = models.StatusAffiliated
		affiliation.AffiliatedAt = now
		affiliation.TransferCompletedAt = now
	}
	if !promoting && !dirty {
		return nil
	}
	if err := s.store.UpdateAffiliation(ctx, affiliation); err != nil {
		return err
	}
	if promoting {
		s.completeIncoming(ctx, affiliation)
	}
	return nil
}

// completeIncoming runs the one-time completion side effects. The caller has
// already won the TRANSFERRING to AFFILIATED write, so at-least-once delivery
// upstream cannot trigger these twice. Failures are logged, not returned; the
// state transition is already durable. There is no outbox: a crash between
// the state write and these calls loses the notifications permanently.
func (s *Service) completeIncoming(ctx context.Context, affiliation *models.Affiliation) {
	citizenID := affiliation.CitizenID
	s.logger.InfoContext(ctx, "transfer completed", "citizen_id", citizenID)
	if s.metrics != nil {
		s.metrics.TransfersCompleted.Inc()
	}

	if err := s.publisher.UserTransferred(ctx, citizenID, string(models.StatusAffiliated)); err != nil {
		s.logger.ErrorContext(ctx, "publish user.transferred failed", "citizen_id", citizenID, "error", err)
	}
	if err := s.publisher.AffiliationCreated(ctx, citizenID); err != nil {
		s.logger.ErrorContext(ctx, "publish affiliation.created failed", "citizen_id", citizenID, "error", err)
	}
	if affiliation.SourceCallbackURL != "" {
		if err := s.registry.ConfirmTransfer(ctx, affiliation.SourceCallbackURL, citizenID, true); err != nil {
			s.logger.ErrorContext(ctx, "transfer confirmation callback failed", "citizen_id", citizenID, "error", err)
		}
	}
}

// failTransfer moves a TRANSFERRING affiliation to FAILED. The winner of the
// write notifies the source operator so it can roll its side back. Safe to
// call for citizens in any state; only TRANSFERRING rows move.
func (s *Service) failTransfer(ctx context.Context, citizenID, reason string) {
	err := s.withRetry(ctx, func(ctx context.Context) error {
		citizen, affiliation, err := s.readPair(ctx, citizenID)
		if err != nil {
			return err
		}
		if affiliation.Status != models.StatusTransferring {
			return nil
		}
		affiliation.Status = models.StatusFailed
		if err := s.store.UpdateAffiliation(ctx, affiliation); err != nil {
			return err
		}

		s.logger.WarnContext(ctx, "transfer failed", "citizen_id", citizenID, "reason", reason)
		if s.metrics != nil {
			s.metrics.TransfersFailed.Inc()
		}
		if affiliation.SourceCallbackURL != "" {
			if cbErr := s.registry.ConfirmTransfer(ctx, affiliation.SourceCallbackURL, citizenID, false); cbErr != nil {
				s.logger.ErrorContext(ctx, "failure confirmation callback failed", "citizen_id", citizenID, "error", cbErr)
			}
		}

		if citizen.VerificationStatus != models.VerificationFailed {
			citizen.VerificationMessage = reason
			if upErr := s.store.UpdateCitizen(ctx, citizen); upErr != nil && !errors.Is(upErr, sentinel.ErrConcurrentModification) {
				return upErr
			}
		}
		return nil
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failing transfer did not persist", "citizen_id", citizenID, "error", err)
	}
}

// Send starts an outgoing transfer to another operator. The target's receive
// URL may be omitted; it is then resolved from the registry's operator
// directory.
func (s *Service) Send(ctx context.Context, citizenID, targetOperatorID, targetOperatorName, targetOperatorURL string) error {
	if targetOperatorURL == "" {
		operator, err := s.resolveOperator(ctx, targetOperatorID)
		if err != nil {
			return err
		}
		targetOperatorURL = operator.TransferAPIURL
		if targetOperatorName == "" {
			targetOperatorName = operator.Name
		}
	}

	// promoted tracks whether an earlier attempt of this call already won the
	// AFFILIATED to TRANSFERRING_OUT write, so a retry after a lost citizen-row
	// race finishes the remaining work instead of reporting a duplicate.
	promoted := false
	return s.withRetry(ctx, func(ctx context.Context) error {
		citizen, affiliation, err := s.readPair(ctx, citizenID)
		if err != nil {
			return err
		}
		switch {
		case affiliation.Status == models.StatusTransferringOut && promoted:
			// Finish the citizen update and publish below.
		case affiliation.Status == models.StatusTransferringOut &&
			affiliation.TargetOperatorID == targetOperatorID:
			s.noteDuplicate(ctx, "transfer.send", citizenID)
			return nil
		case affiliation.Status != models.StatusAffiliated:
			return dErrors.Newf(dErrors.CodeConflict, "citizen %s is not affiliated", citizenID)
		default:
			affiliation.Status = models.StatusTransferringOut
			affiliation.TargetOperatorID = targetOperatorID
			affiliation.TargetOperatorName = targetOperatorName
			affiliation.TargetOperatorURL = targetOperatorURL
			affiliation.TransferStartedAt = s.now().UTC()
			if err := s.store.UpdateAffiliation(ctx, affiliation); err != nil {
				return err
			}
			promoted = true
		}

		if !citizen.PendingDeletion {
			citizen.PendingDeletion = true
			if err := s.store.UpdateCitizen(ctx, citizen); err != nil {
				return err
			}
		}

		unregister := events.UnregisterRequested{
			CitizenID:    citizenID,
			OperatorID:   s.params.OperatorID,
			OperatorName: s.params.OperatorName,
		}
		if err := s.publisher.UnregisterRequested(ctx, unregister); err != nil {
			if rbErr := s.rollbackOutgoing(ctx, citizenID); rbErr != nil {
				s.logger.ErrorContext(ctx, "rollback after publish failure did not persist",
					"citizen_id", citizenID, "error", rbErr)
			}
			return dErrors.Wrap(err, dErrors.CodeUnavailable, "request unregistration")
		}

		s.logger.InfoContext(ctx, "outgoing transfer started",
			"citizen_id", citizenID, "target_operator", targetOperatorID)
		if s.metrics != nil {
			s.metrics.TransfersSent.Inc()
		}
		return nil
	})
}

func (s *Service) resolveOperator(ctx context.Context, operatorID string) (*registry.Operator, error) {
	operators, err := s.registry.ListOperators(ctx)
	if err != nil {
		return nil, err
	}
	for i := range operators {
		if operators[i].ID == operatorID {
			return &operators[i], nil
		}
	}
	return nil, dErrors.Newf(dErrors.CodeNotFound, "operator %s not found in registry directory", operatorID)
}

// UnregistrationCompleted resumes an outgoing transfer once the registry has
// released the citizen: the document bundle is collected and posted to the
// target operator. A synchronous 2xx from the target completes the transfer;
// any failure, including an unregistration failure, rolls back to AFFILIATED.
func (s *Service) UnregistrationCompleted(ctx context.Context, citizenID string, success bool) error {
	citizen, affiliation, err := s.readPair(ctx, citizenID)
	if err != nil {
		return err
	}
	if affiliation.Status != models.StatusTransferringOut {
		s.logger.InfoContext(ctx, "late unregistration signal ignored",
			"citizen_id", citizenID, "status", string(affiliation.Status))
		return nil
	}

	if !success {
		s.logger.WarnContext(ctx, "registry unregistration failed, rolling back", "citizen_id", citizenID)
		return s.rollbackOutgoing(ctx, citizenID)
	}

	urls, err := s.registry.GetDocuments(ctx, citizenID)
	if err != nil {
		s.logger.WarnContext(ctx, "document bundle unavailable, rolling back",
			"citizen_id", citizenID, "error", err)
		return s.rollbackOutgoing(ctx, citizenID)
	}

	req := registry.TransferRequest{
		CitizenID:    citizenID,
		CitizenName:  citizen.Name,
		CitizenEmail: citizen.Email,
		URLDocuments: urls,
		ConfirmAPI:   s.params.ConfirmCallbackURL,
	}
	status, err := s.registry.SendTransfer(ctx, affiliation.TargetOperatorURL, req)
	if err != nil || status < 200 || status >= 300 {
		s.logger.WarnContext(ctx, "target operator rejected transfer, rolling back",
			"citizen_id", citizenID, "status", status, "error", err)
		return s.rollbackOutgoing(ctx, citizenID)
	}
	return s.completeOutgoing(ctx, citizenID)
}

// Confirm applies the target operator's confirmation callback. accepted moves
// TRANSFERRING_OUT to TRANSFERRED_OUT; rejected rolls back to AFFILIATED.
// Both legs are idempotent against redelivery.
func (s *Service) Confirm(ctx context.Context, citizenID string, accepted bool) error {
	affiliation, err := s.store.GetAffiliation(ctx, citizenID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.Newf(dErrors.CodeNotFound, "no affiliation for citizen %s", citizenID)
		}
		return err
	}

	if accepted {
		if affiliation.Status == models.StatusTransferredOut {
			s.noteDuplicate(ctx, "transfer.confirm", citizenID)
			return nil
		}
		if affiliation.Status != models.StatusTransferringOut {
			return dErrors.Newf(dErrors.CodeConflict, "citizen %s has no outgoing transfer in progress", citizenID)
		}
		return s.completeOutgoing(ctx, citizenID)
	}

	if affiliation.Status == models.StatusAffiliated {
		s.noteDuplicate(ctx, "transfer.confirm", citizenID)
		return nil
	}
	if affiliation.Status != models.StatusTransferringOut {
		return dErrors.Newf(dErrors.CodeConflict, "citizen %s has no outgoing transfer in progress", citizenID)
	}
	return s.rollbackOutgoing(ctx, citizenID)
}

// completeOutgoing is the single terminal write for an outgoing transfer.
// Both confirmation legs (the target's synchronous 2xx and its callback)
// funnel here, so whichever lands first wins and the other finds the row
// already TRANSFERRED_OUT.
func (s *Service) completeOutgoing(ctx context.Context, citizenID string) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		citizen, affiliation, err := s.readPair(ctx, citizenID)
		if err != nil {
			return err
		}
		switch affiliation.Status {
		case models.StatusTransferringOut:
			affiliation.Status = models.StatusTransferredOut
			affiliation.TransferCompletedAt = s.now().UTC()
			if err := s.store.UpdateAffiliation(ctx, affiliation); err != nil {
				return err
			}
			s.logger.InfoContext(ctx, "citizen transferred out",
				"citizen_id", citizenID, "target_operator", affiliation.TargetOperatorID)
			if err := s.publisher.UserTransferred(ctx, citizenID, string(models.StatusTransferredOut)); err != nil {
				s.logger.ErrorContext(ctx, "publish user.transferred failed", "citizen_id", citizenID, "error", err)
			}
		case models.StatusTransferredOut:
			// Terminal write already landed; only the citizen cleanup may be
			// outstanding from a lost race.
		default:
			s.logger.InfoContext(ctx, "outgoing completion ignored",
				"citizen_id", citizenID, "status", string(affiliation.Status))
			return nil
		}

		if citizen.PendingDeletion || citizen.Name != "" {
			citizen.PurgePII()
			citizen.PendingDeletion = false
			citizen.IsRegistered = false
			return s.store.UpdateCitizen(ctx, citizen)
		}
		return nil
	})
}

// rollbackOutgoing returns a TRANSFERRING_OUT citizen to AFFILIATED and
// clears the deletion mark. Target operator details are kept for diagnosis.
func (s *Service) rollbackOutgoing(ctx context.Context, citizenID string) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		citizen, affiliation, err := s.readPair(ctx, citizenID)
		if err != nil {
			return err
		}
		if affiliation.Status == models.StatusTransferringOut {
			affiliation.Status = models.StatusAffiliated
			if err := s.store.UpdateAffiliation(ctx, affiliation); err != nil {
				return err
			}
		} else if affiliation.Status != models.StatusAffiliated {
			return nil
		}

		if citizen.PendingDeletion {
			citizen.PendingDeletion = false
			return s.store.UpdateCitizen(ctx, citizen)
		}
		return nil
	})
}

// FailStale fails incoming transfers that have sat in TRANSFERRING past the
// configured TTL. Returns how many were failed.
func (s *Service) FailStale(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.params.StaleTransferTTL)
	ids, err := s.store.ListStaleTransferring(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		s.failTransfer(ctx, id, "transfer timed out waiting for completion signals")
	}
	return len(ids), nil
}

func (s *Service) readPair(ctx context.Context, citizenID string) (*models.Citizen, *models.Affiliation, error) {
	citizen, err := s.store.GetCitizen(ctx, citizenID)
	if err != nil {
		return nil, nil, err
	}
	affiliation, err := s.store.GetAffiliation(ctx, citizenID)
	if err != nil {
		return nil, nil, err
	}
	return citizen, affiliation, nil
}

func (s *Service) noteDuplicate(ctx context.Context, signal, citizenID string) {
	s.logger.InfoContext(ctx, "duplicate signal ignored", "signal", signal, "citizen_id", citizenID)
	if s.metrics != nil {
		s.metrics.DuplicatesIgnored.WithLabelValues(signal).Inc()
	}
}

// withRetry reruns fn while it loses version races, up to casAttempts times.
// fn must re-read all state it writes on every attempt.
func (s *Service) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 1; attempt <= casAttempts; attempt++ {
		err = fn(ctx)
		if !errors.Is(err, sentinel.ErrConcurrentModification) {
			return err
		}
	}
	return fmt.Errorf("transition kept losing version races: %w", err)
}
