package service_test

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tanodlink/crimeledger/internal/fingerprint"
	"github.com/tanodlink/crimeledger/internal/ledger"
	"github.com/tanodlink/crimeledger/internal/reports/model"
	"github.com/tanodlink/crimeledger/internal/reports/repository"
	"github.com/tanodlink/crimeledger/internal/reports/service"
	"go.uber.org/zap"
)

var ctx = context.Background()

// stubRepo is an in-memory report store. It counts calls so tests can assert
// that rejected input never reaches it.
type stubRepo struct {
	mu      sync.RWMutex
	reports map[int64]*model.Report
	nextID  int64
	calls   int
	failErr error
}

func newStubRepo(firstID int64) *stubRepo {
	return &stubRepo{reports: make(map[int64]*model.Report), nextID: firstID}
}

func (r *stubRepo) Insert(_ context.Context, report *model.Report) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failErr != nil {
		return 0, r.failErr
	}
	id := r.nextID
	r.nextID++
	cp := *report
	cp.ID = id
	cp.CreatedAt = time.Now().UTC()
	r.reports[id] = &cp
	return id, nil
}

func (r *stubRepo) GetByID(_ context.Context, id int64) (*model.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	rep, ok := r.reports[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rep
	return &cp, nil
}

func (r *stubRepo) List(_ context.Context, f model.ListFilter) ([]*model.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	var out []*model.Report
	for _, rep := range r.reports {
		if f.Status != "" && rep.Status != f.Status {
			continue
		}
		cp := *rep
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r *stubRepo) MarkAnchored(_ context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	rep, ok := r.reports[id]
	if !ok {
		return repository.ErrNotFound
	}
	rep.AnchorState = model.AnchorConfirmed
	rep.AnchorError = ""
	rep.AnchoredAt = &at
	return nil
}

func (r *stubRepo) MarkAnchorFailed(_ context.Context, id int64, state model.AnchorState, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	rep, ok := r.reports[id]
	if !ok {
		return repository.ErrNotFound
	}
	if rep.AnchorState == model.AnchorConfirmed {
		return repository.ErrAlreadyAnchored
	}
	rep.AnchorState = state
	rep.AnchorError = reason
	rep.AnchorAttempts++
	return nil
}

// tamper edits a stored row behind the services' back.
func (r *stubRepo) tamper(id int64, fn func(*model.Report)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.reports[id])
}

func (r *stubRepo) callCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.calls
}

// flakyLedger fails ReportCrime with submitErr and delegates everything else.
type flakyLedger struct {
	inner     *ledger.Contract
	mu        sync.Mutex
	submitErr error
	submits   int
}

func (l *flakyLedger) ReportCrime(ctx context.Context, a *ledger.Anchor) error {
	l.mu.Lock()
	l.submits++
	err := l.submitErr
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return l.inner.ReportCrime(ctx, a)
}

func (l *flakyLedger) ReadCrime(ctx context.Context, id int64) (*ledger.Anchor, []byte, error) {
	return l.inner.ReadCrime(ctx, id)
}

func (l *flakyLedger) setSubmitErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submitErr = err
}

// stallingConnector hands out sessions whose calls block until their context
// ends, like a gateway peer that never answers.
type stallingConnector struct {
	open  atomic.Int64
	calls atomic.Int64
}

func (c *stallingConnector) Connect(context.Context) (ledger.Session, error) {
	c.open.Add(1)
	return &stallingSession{c: c}, nil
}

type stallingSession struct{ c *stallingConnector }

func (s *stallingSession) stall(ctx context.Context) ([]byte, error) {
	s.c.calls.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *stallingSession) Submit(ctx context.Context, _, _ string, _ ...string) ([]byte, error) {
	return s.stall(ctx)
}

func (s *stallingSession) Evaluate(ctx context.Context, _, _ string, _ ...string) ([]byte, error) {
	return s.stall(ctx)
}

func (s *stallingSession) Close() error {
	s.c.open.Add(-1)
	return nil
}

// racingLedger models another writer anchoring the report between this
// submission and its follow-up read: the submit is rejected as a duplicate
// and the read fails.
type racingLedger struct {
	repo *stubRepo
}

func (l *racingLedger) ReportCrime(ctx context.Context, a *ledger.Anchor) error {
	if err := l.repo.MarkAnchored(ctx, a.ID, time.Now().UTC()); err != nil {
		return err
	}
	return ledger.ErrContractRejected
}

func (l *racingLedger) ReadCrime(context.Context, int64) (*ledger.Anchor, []byte, error) {
	return nil, nil, ledger.ErrNetworkUnavailable
}

// brokenReader fails every read.
type brokenReader struct{ err error }

func (b brokenReader) ReadCrime(context.Context, int64) (*ledger.Anchor, []byte, error) {
	return nil, nil, b.err
}

type fixture struct {
	repo     *stubRepo
	emu      *ledger.Emulator
	contract *ledger.Contract
	ledger   *flakyLedger
	fp       *fingerprint.Engine
	intake   *service.IntakeService
	verifier *service.VerifyService
	query    *service.QueryService
}

func newFixture(firstID int64) *fixture {
	logger := zap.NewNop()
	emu := ledger.NewEmulator(ledger.NewMemoryChain(), "app")
	client := ledger.NewClient(emu, ledger.Config{MaxAttempts: 2}, logger)
	contract := ledger.NewContract(client, "app", logger)
	fp, _ := fingerprint.New(fingerprint.SchemeV1)

	f := &fixture{
		repo:     newStubRepo(firstID),
		emu:      emu,
		contract: contract,
		ledger:   &flakyLedger{inner: contract},
		fp:       fp,
	}
	f.intake = service.NewIntakeService(f.repo, f.ledger, fp, logger)
	f.intake.SetClock(func() time.Time { return time.Date(2024, 3, 9, 14, 30, 5, 123, time.UTC) })
	f.verifier = service.NewVerifyService(f.repo, f.ledger, fp, logger)
	f.query = service.NewQueryService(f.repo, f.ledger, logger)
	return f
}
