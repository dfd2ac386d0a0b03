package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tanodlink/crimeledger/internal/fingerprint"
	"github.com/tanodlink/crimeledger/internal/ledger"
	"github.com/tanodlink/crimeledger/internal/reports/handler"
	"github.com/tanodlink/crimeledger/internal/reports/model"
	"github.com/tanodlink/crimeledger/internal/reports/repository"
	"github.com/tanodlink/crimeledger/internal/reports/service"
	"go.uber.org/zap"
)

// ── Stubs ────────────────────────────────────────────────────────────────

type memRepo struct {
	mu      sync.Mutex
	reports map[int64]*model.Report
	nextID  int64
}

func newMemRepo() *memRepo {
	return &memRepo{reports: make(map[int64]*model.Report), nextID: 1}
}

func (r *memRepo) Insert(_ context.Context, rep *model.Report) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	cp := *rep
	cp.ID = id
	r.reports[id] = &cp
	return id, nil
}

func (r *memRepo) GetByID(_ context.Context, id int64) (*model.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rep, ok := r.reports[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rep
	return &cp, nil
}

func (r *memRepo) List(_ context.Context, f model.ListFilter) ([]*model.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Report
	for _, rep := range r.reports {
		if f.Status == "" || rep.Status == f.Status {
			cp := *rep
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r *memRepo) MarkAnchored(_ context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports[id].AnchorState = model.AnchorConfirmed
	r.reports[id].AnchoredAt = &at
	return nil
}

func (r *memRepo) MarkAnchorFailed(_ context.Context, id int64, state model.AnchorState, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reports[id].AnchorState == model.AnchorConfirmed {
		return repository.ErrAlreadyAnchored
	}
	r.reports[id].AnchorState = state
	r.reports[id].AnchorError = reason
	r.reports[id].AnchorAttempts++
	return nil
}

// downConnector never reaches the ledger.
type downConnector struct{}

func (downConnector) Connect(context.Context) (ledger.Session, error) {
	return nil, errors.New("dial peer0.org1.example.com:7051: connection refused")
}

type testEnv struct {
	router *gin.Engine
	repo   *memRepo
	chain  *ledger.MemoryChain
}

func setupReportRouter(t *testing.T, connector ledger.Connector) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	chain := ledger.NewMemoryChain()
	if connector == nil {
		connector = ledger.NewEmulator(chain, "app")
	}
	client := ledger.NewClient(connector, ledger.Config{MaxAttempts: 1}, logger)
	contract := ledger.NewContract(client, "app", logger)
	fp, _ := fingerprint.New(fingerprint.SchemeV1)
	repo := newMemRepo()

	h := handler.NewReportHandler(
		service.NewIntakeService(repo, contract, fp, logger),
		service.NewQueryService(repo, contract, logger),
		service.NewVerifyService(repo, contract, fp, logger),
		logger,
	)
	r := gin.New()
	h.Register(&r.RouterGroup)
	return &testEnv{router: r, repo: repo, chain: chain}
}

func postForm(router *gin.Engine, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func get(router *gin.Engine, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return resp
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestSubmitReport_201(t *testing.T) {
	env := setupReportRouter(t, nil)

	w := postForm(env.router, "/report", url.Values{
		"description":    {"theft at market"},
		"submitterLabel": {"anon1"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["anchored"] != true || resp["state"] != "anchored" {
		t.Errorf("unexpected body: %v", resp)
	}
	if fp, _ := resp["fingerprint"].(string); len(fp) != 64 {
		t.Errorf("fingerprint: %v", resp["fingerprint"])
	}
}

func TestSubmitReport_acceptsAnonynameAlias(t *testing.T) {
	env := setupReportRouter(t, nil)

	w := postForm(env.router, "/report", url.Values{
		"description": {"vandalism"},
		"anonyname":   {"anon2"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	r, _ := env.repo.GetByID(context.Background(), 1)
	if r.SubmitterLabel != "anon2" {
		t.Errorf("submitter label: got %q", r.SubmitterLabel)
	}
}

func TestSubmitReport_400_missingFields(t *testing.T) {
	env := setupReportRouter(t, nil)

	w := postForm(env.router, "/report", url.Values{"submitterLabel": {"anon1"}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	resp := decode(t, w)
	if resp["error"] != "Missing required fields" || resp["field"] != "description" {
		t.Errorf("unexpected body: %v", resp)
	}
	if len(env.repo.reports) != 0 {
		t.Error("rejected input reached the store")
	}
}

func TestSubmitReport_202_ledgerDown(t *testing.T) {
	env := setupReportRouter(t, downConnector{})

	w := postForm(env.router, "/report", url.Values{
		"description":    {"theft at market"},
		"submitterLabel": {"anon1"},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["anchored"] != false || resp["state"] != "anchor_pending" || resp["error"] == nil {
		t.Errorf("unexpected body: %v", resp)
	}

	r, err := env.repo.GetByID(context.Background(), 1)
	if err != nil || r.AnchorState != model.AnchorPending {
		t.Errorf("stored row: %+v, %v", r, err)
	}
}

func TestGetCrime_200_withAdvisory(t *testing.T) {
	env := setupReportRouter(t, nil)
	postForm(env.router, "/report", url.Values{"description": {"theft"}, "submitterLabel": {"anon1"}})

	w := get(env.router, "/crime/1")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["crimeId"] != "1" || resp["message"] != handler.LedgerAdvisory {
		t.Errorf("unexpected body: %v", resp)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(resp["data"].(string)), &payload); err != nil {
		t.Fatalf("data is not the ledger JSON payload: %v", err)
	}
	if payload["description"] != "theft" {
		t.Errorf("payload: %v", payload)
	}
}

func TestGetCrime_404(t *testing.T) {
	env := setupReportRouter(t, nil)
	if w := get(env.router, "/crime/99"); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestGetCrime_400_badID(t *testing.T) {
	env := setupReportRouter(t, nil)
	if w := get(env.router, "/crime/abc"); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestGetCrime_503_ledgerDown(t *testing.T) {
	env := setupReportRouter(t, downConnector{})
	if w := get(env.router, "/crime/1"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestVerifyCrime_matchThenMismatch(t *testing.T) {
	env := setupReportRouter(t, nil)
	postForm(env.router, "/report", url.Values{"description": {"theft"}, "submitterLabel": {"anon1"}})

	w := get(env.router, "/crime/1/verify")
	if w.Code != http.StatusOK || decode(t, w)["result"] != "match" {
		t.Fatalf("expected match, got %d: %s", w.Code, w.Body.String())
	}

	env.repo.mu.Lock()
	env.repo.reports[1].Description = "nothing happened"
	env.repo.mu.Unlock()

	w = get(env.router, "/crime/1/verify")
	if w.Code != http.StatusOK {
		t.Fatalf("mismatch must be 200, got %d", w.Code)
	}
	if got := decode(t, w)["result"]; got != "mismatch" {
		t.Errorf("expected mismatch, got %v", got)
	}
}

func TestVerifyCrime_anchorMissing(t *testing.T) {
	env := setupReportRouter(t, nil)
	w := get(env.router, "/crime/5/verify")
	if got := decode(t, w)["result"]; got != "anchor_missing" {
		t.Errorf("expected anchor_missing, got %v", got)
	}
}

func TestListReports_projection(t *testing.T) {
	env := setupReportRouter(t, nil)
	postForm(env.router, "/report", url.Values{"description": {"first"}, "submitterLabel": {"a"}})
	postForm(env.router, "/report", url.Values{"description": {"second"}, "submitterLabel": {"b"}})

	w := get(env.router, "/reports")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var views []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &views); err != nil {
		t.Fatal(err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 reports, got %d", len(views))
	}
	if views[0]["description"] != "second" || views[0]["name"] != "b" || views[0]["type"] != "text" {
		t.Errorf("first row: %v", views[0])
	}
}

func TestListReports_400_badStatus(t *testing.T) {
	env := setupReportRouter(t, nil)
	if w := get(env.router, "/reports?status=bogus"); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestReanchor_404(t *testing.T) {
	env := setupReportRouter(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/reports/3/anchor", nil)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}
