package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tanodlink/crimeledger/internal/fingerprint"
	"github.com/tanodlink/crimeledger/internal/ledger"
	"github.com/tanodlink/crimeledger/internal/reports/model"
	"github.com/tanodlink/crimeledger/internal/reports/repository"
	"go.uber.org/zap"
)

type reportReader interface {
	GetByID(ctx context.Context, id int64) (*model.Report, error)
}

type anchorReader interface {
	ReadCrime(ctx context.Context, id int64) (*ledger.Anchor, []byte, error)
}

// VerifyService checks a stored report against its ledger anchor. It never
// writes to either side: a mismatch is reported, not repaired.
type VerifyService struct {
	repo    reportReader
	ledger  anchorReader
	engines []*fingerprint.Engine
	now     func() time.Time
	observe func(model.VerificationResult) // nil = no metrics
	logger  *zap.Logger
}

// NewVerifyService creates a VerifyService that recomputes fingerprints with fp.
func NewVerifyService(repo reportReader, ledger anchorReader, fp *fingerprint.Engine, logger *zap.Logger) *VerifyService {
	return &VerifyService{
		repo:    repo,
		ledger:  ledger,
		engines: []*fingerprint.Engine{fp},
		now:     time.Now,
		logger:  logger,
	}
}

// AcceptSchemes adds engines tried when fp does not reproduce an anchored
// fingerprint, so anchors written under an older scheme still verify.
func (s *VerifyService) AcceptSchemes(engines ...*fingerprint.Engine) {
	s.engines = append(s.engines, engines...)
}

// SetObserver registers a callback invoked with every verification result.
func (s *VerifyService) SetObserver(fn func(model.VerificationResult)) {
	s.observe = fn
}

// Verify compares the ledger anchor for id with the current store copy.
// The returned error is non-nil only for VerifyError results.
func (s *VerifyService) Verify(ctx context.Context, id int64) (*model.Verification, error) {
	v, err := s.verify(ctx, id)
	if s.observe != nil {
		s.observe(v.Result)
	}
	switch v.Result {
	case model.VerifyMismatch:
		s.logger.Error("report does not match its ledger anchor",
			zap.Int64("report_id", id),
			zap.Strings("reasons", v.Reasons),
		)
	case model.VerifyError:
		s.logger.Warn("verification failed", zap.Int64("report_id", id), zap.Error(err))
	}
	return v, err
}

func (s *VerifyService) verify(ctx context.Context, id int64) (*model.Verification, error) {
	v := &model.Verification{ID: id, CheckedAt: s.now().UTC()}

	anchor, _, err := s.ledger.ReadCrime(ctx, id)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		v.Result = model.VerifyAnchorMissing
		return v, nil
	case err != nil:
		v.Result = model.VerifyError
		v.Reasons = append(v.Reasons, "ledger read failed")
		return v, ledgerErr(err)
	}
	v.LedgerHash = anchor.Hash
	v.RecomputedLedgerHash = s.recompute(anchor.Hash, anchor.Description, anchor.Timestamp, anchor.Status)

	report, err := s.repo.GetByID(ctx, id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		v.Result = model.VerifyMismatch
		v.Reasons = append(v.Reasons, "report is missing from the store but anchored on the ledger")
		return v, nil
	case err != nil:
		v.Result = model.VerifyError
		v.Reasons = append(v.Reasons, "store read failed")
		return v, storeErr(err)
	}
	v.StoreHash = report.DataHash
	v.RecomputedStoreHash = s.recompute(anchor.Hash,
		report.Description, fingerprint.FormatTimestamp(report.ReportedAt), string(report.Status))

	if anchor.ID != id {
		v.Reasons = append(v.Reasons, fmt.Sprintf("ledger entry carries id %d", anchor.ID))
	}
	if !fingerprint.Equal(v.LedgerHash, v.RecomputedLedgerHash) {
		v.Reasons = append(v.Reasons, "ledger payload does not reproduce the anchored fingerprint")
	}
	if !fingerprint.Equal(v.LedgerHash, v.StoreHash) {
		v.Reasons = append(v.Reasons, "stored fingerprint differs from the anchored fingerprint")
	}
	if !fingerprint.Equal(v.LedgerHash, v.RecomputedStoreHash) {
		v.Reasons = append(v.Reasons, "stored fields do not reproduce the anchored fingerprint")
	}
	if anchor.SubmitterLabel != report.SubmitterLabel {
		v.Reasons = append(v.Reasons, "submitter label differs from the anchored payload")
	}

	if len(v.Reasons) > 0 {
		v.Result = model.VerifyMismatch
	} else {
		v.Result = model.VerifyMatch
	}
	return v, nil
}

// recompute returns the first engine's digest of the fields that equals want,
// or the primary engine's digest when none does.
func (s *VerifyService) recompute(want, description, timestamp, status string) string {
	primary := s.engines[0].Record(description, timestamp, status)
	if fingerprint.Equal(primary, want) {
		return primary
	}
	for _, e := range s.engines[1:] {
		if sum := e.Record(description, timestamp, status); fingerprint.Equal(sum, want) {
			return sum
		}
	}
	return primary
}
