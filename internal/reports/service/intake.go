package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tanodlink/crimeledger/internal/fingerprint"
	"github.com/tanodlink/crimeledger/internal/ledger"
	"github.com/tanodlink/crimeledger/internal/reports/model"
	"github.com/tanodlink/crimeledger/internal/reports/repository"
	"go.uber.org/zap"
)

const defaultStoreTimeout = 10 * time.Second

// reportRepo is the persistence interface for the report services.
// *repository.ReportRepository satisfies this interface.
type reportRepo interface {
	Insert(ctx context.Context, report *model.Report) (int64, error)
	GetByID(ctx context.Context, id int64) (*model.Report, error)
	List(ctx context.Context, f model.ListFilter) ([]*model.Report, error)
	MarkAnchored(ctx context.Context, id int64, at time.Time) error
	MarkAnchorFailed(ctx context.Context, id int64, state model.AnchorState, reason string) error
}

// anchorLedger is the typed contract surface. *ledger.Contract satisfies this interface.
type anchorLedger interface {
	ReportCrime(ctx context.Context, a *ledger.Anchor) error
	ReadCrime(ctx context.Context, id int64) (*ledger.Anchor, []byte, error)
}

// IntakeService stores a report, then anchors its fingerprint on the ledger.
//
// The store insert always happens before the ledger submit because the ledger
// key is the store-assigned id. When the submit fails the row stays in the
// store with anchor_state "pending" and the caller gets an anchor_pending
// result; the reconciler retries it later.
type IntakeService struct {
	repo         reportRepo
	ledger       anchorLedger
	fp           *fingerprint.Engine
	storeTimeout time.Duration
	now          func() time.Time
	observe      func(model.IntakeState) // nil = no metrics
	logger       *zap.Logger
}

// NewIntakeService creates a new IntakeService.
func NewIntakeService(repo reportRepo, ledger anchorLedger, fp *fingerprint.Engine, logger *zap.Logger) *IntakeService {
	return &IntakeService{
		repo:         repo,
		ledger:       ledger,
		fp:           fp,
		storeTimeout: defaultStoreTimeout,
		now:          time.Now,
		logger:       logger,
	}
}

// SetStoreTimeout bounds each store call made on behalf of an intake.
func (s *IntakeService) SetStoreTimeout(d time.Duration) {
	if d > 0 {
		s.storeTimeout = d
	}
}

// SetClock replaces the time source used for report timestamps.
func (s *IntakeService) SetClock(now func() time.Time) {
	s.now = now
}

// SetObserver registers a callback invoked with the final state of every intake.
func (s *IntakeService) SetObserver(fn func(model.IntakeState)) {
	s.observe = fn
}

// Submit runs one report through the intake state machine.
//
// It returns an error only when nothing usable was stored: a
// *ValidationError (no I/O was attempted) or ErrStoreUnavailable. A ledger
// failure after a successful insert is reported as an IntakeAnchorPending
// result with AnchorErr set.
func (s *IntakeService) Submit(ctx context.Context, req model.SubmitRequest) (*model.IntakeResult, error) {
	status, err := validate(req)
	if err != nil {
		s.record(model.IntakeRejectedInput)
		return &model.IntakeResult{State: model.IntakeRejectedInput}, err
	}

	reportedAt := s.now().UTC().Truncate(time.Second)
	timestamp := fingerprint.FormatTimestamp(reportedAt)
	report := &model.Report{
		Description:    req.Description,
		ReportedAt:     reportedAt,
		Status:         status,
		DataHash:       s.fp.Record(req.Description, timestamp, string(status)),
		SubmitterLabel: req.SubmitterLabel,
		AnchorState:    model.AnchorPending,
	}

	// Once issued, neither write is interrupted by the caller going away.
	work := context.WithoutCancel(ctx)

	storeCtx, cancel := context.WithTimeout(work, s.storeTimeout)
	id, err := s.repo.Insert(storeCtx, report)
	cancel()
	if err != nil {
		s.logger.Error("report insert failed", zap.Error(err))
		return nil, storeErr(err)
	}
	report.ID = id

	result := &model.IntakeResult{
		ID:          id,
		Fingerprint: report.DataHash,
		Timestamp:   timestamp,
		State:       model.IntakeStoredLocally,
	}

	state, err := s.anchor(work, report)
	if state == model.AnchorConfirmed {
		result.State = model.IntakeAnchored
		result.Anchored = true
	} else {
		result.State = model.IntakeAnchorPending
		result.AnchorErr = err
		s.logger.Warn("report stored but not anchored",
			zap.Int64("report_id", id),
			zap.String("anchor_state", string(state)),
			zap.Error(err),
		)
	}
	s.record(result.State)
	return result, nil
}

// Reanchor retries the ledger submission for one stored report. Reports that
// are already anchored are returned unchanged. Reports in conflict are never
// resubmitted.
func (s *IntakeService) Reanchor(ctx context.Context, id int64) (*model.Report, error) {
	work := context.WithoutCancel(ctx)

	storeCtx, cancel := context.WithTimeout(work, s.storeTimeout)
	report, err := s.repo.GetByID(storeCtx, id)
	cancel()
	if err != nil {
		return nil, storeErr(err)
	}

	switch report.AnchorState {
	case model.AnchorConfirmed:
		return report, nil
	case model.AnchorConflict:
		return report, fmt.Errorf("%w: report %d conflicts with its ledger entry: %s",
			ErrLedgerRejected, id, report.AnchorError)
	}

	state, err := s.anchor(work, report)
	report.AnchorState = state
	if state == model.AnchorConfirmed {
		at := s.now().UTC()
		report.AnchoredAt = &at
		report.AnchorError = ""
	} else {
		report.AnchorAttempts++
	}
	return report, err
}

// anchor submits report to the ledger and records the outcome in the store.
func (s *IntakeService) anchor(ctx context.Context, report *model.Report) (model.AnchorState, error) {
	a := anchorFor(report)

	state := model.AnchorConfirmed
	err := s.ledger.ReportCrime(ctx, a)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrContractRejected):
		state, err = s.resolveRejected(ctx, report, err)
	default:
		state = model.AnchorPending
		err = ledgerErr(err)
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	var markErr error
	if state == model.AnchorConfirmed {
		markErr = s.repo.MarkAnchored(storeCtx, report.ID, s.now().UTC())
	} else {
		markErr = s.repo.MarkAnchorFailed(storeCtx, report.ID, state, err.Error())
		if errors.Is(markErr, repository.ErrAlreadyAnchored) {
			// A concurrent attempt (intake or reconciler) anchored it first.
			s.logger.Info("report anchored by a concurrent attempt", zap.Int64("report_id", report.ID))
			return model.AnchorConfirmed, nil
		}
	}
	if markErr != nil {
		// The reconciler resolves a stale "pending" row on its next pass.
		s.logger.Warn("anchor state update failed",
			zap.Int64("report_id", report.ID),
			zap.String("anchor_state", string(state)),
			zap.Error(markErr),
		)
	}
	return state, err
}

// resolveRejected decides what a contract rejection means for report. The
// contract refuses a key that is already anchored, so an earlier attempt may
// have committed after its caller gave up on it.
func (s *IntakeService) resolveRejected(ctx context.Context, report *model.Report, cause error) (model.AnchorState, error) {
	existing, _, err := s.ledger.ReadCrime(ctx, report.ID)
	if err != nil {
		return model.AnchorPending, ledgerErr(cause)
	}
	if fingerprint.Equal(existing.Hash, report.DataHash) {
		s.logger.Info("report already anchored", zap.Int64("report_id", report.ID))
		return model.AnchorConfirmed, nil
	}
	s.logger.Error("ledger holds a different fingerprint for report",
		zap.Int64("report_id", report.ID),
		zap.String("store_hash", report.DataHash),
		zap.String("ledger_hash", existing.Hash),
	)
	return model.AnchorConflict, fmt.Errorf("%w: ledger already holds fingerprint %s for report %d",
		ErrLedgerRejected, existing.Hash, report.ID)
}

func (s *IntakeService) record(state model.IntakeState) {
	if s.observe != nil {
		s.observe(state)
	}
}

// validate checks required fields and returns the effective status.
func validate(req model.SubmitRequest) (model.Status, error) {
	if strings.TrimSpace(req.Description) == "" {
		return "", &ValidationError{Field: "description"}
	}
	if strings.TrimSpace(req.SubmitterLabel) == "" {
		return "", &ValidationError{Field: "submitterLabel"}
	}
	if req.Status == "" {
		return model.StatusUnread, nil
	}
	status := model.Status(req.Status)
	if !status.Valid() {
		return "", &ValidationError{Field: "status", Reason: "unknown status " + req.Status}
	}
	return status, nil
}

func anchorFor(r *model.Report) *ledger.Anchor {
	return &ledger.Anchor{
		ID:             r.ID,
		Description:    r.Description,
		Timestamp:      fingerprint.FormatTimestamp(r.ReportedAt),
		Status:         string(r.Status),
		Hash:           r.DataHash,
		SubmitterLabel: r.SubmitterLabel,
	}
}
