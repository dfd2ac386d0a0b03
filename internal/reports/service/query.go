package service

import (
	"context"

	"github.com/tanodlink/crimeledger/internal/ledger"
	"github.com/tanodlink/crimeledger/internal/reports/model"
	"go.uber.org/zap"
)

const maxListLimit = 200

// QueryService serves read-only views of reports. Listings come from the store
// alone; anchor reads come from the ledger alone.
type QueryService struct {
	repo   reportRepo
	ledger anchorReader
	logger *zap.Logger
}

// NewQueryService creates a new QueryService.
func NewQueryService(repo reportRepo, ledger anchorReader, logger *zap.Logger) *QueryService {
	return &QueryService{repo: repo, ledger: ledger, logger: logger}
}

// List returns stored reports newest first.
func (s *QueryService) List(ctx context.Context, f model.ListFilter) ([]*model.Report, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, &ValidationError{Field: "status", Reason: "unknown status " + string(f.Status)}
	}
	if f.Limit <= 0 || f.Limit > maxListLimit {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	reports, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, storeErr(err)
	}
	return reports, nil
}

// Get returns the stored copy of one report.
func (s *QueryService) Get(ctx context.Context, id int64) (*model.Report, error) {
	r, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	return r, nil
}

// ReadAnchor returns the ledger entry for id and its raw payload.
func (s *QueryService) ReadAnchor(ctx context.Context, id int64) (*ledger.Anchor, []byte, error) {
	a, raw, err := s.ledger.ReadCrime(ctx, id)
	if err != nil {
		return nil, nil, ledgerErr(err)
	}
	return a, raw, nil
}
