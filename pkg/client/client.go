package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrNotFound is returned when the server answers 404.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// SubmitRequest is the payload for SubmitReport.
type SubmitRequest struct {
	Description    string
	SubmitterLabel string
	Status         string // optional; the server defaults to "unread"
}

// SubmitResult is the server's answer to a submission.
type SubmitResult struct {
	ID          int64  `json:"id"`
	Fingerprint string `json:"fingerprint"`
	Timestamp   string `json:"timestamp"`
	State       string `json:"state"`
	Anchored    bool   `json:"anchored"`
	Message     string `json:"message"`
	Error       string `json:"error,omitempty"`
}

// LedgerEntry is the decoded ledger payload of a report.
type LedgerEntry struct {
	ID             string `json:"id"`
	Description    string `json:"description"`
	Timestamp      string `json:"timestamp"`
	Status         string `json:"status"`
	Hash           string `json:"hash"`
	SubmitterLabel string `json:"submitterLabel"`
}

// CrimeRecord is the ledger copy of a report as returned by GET /crime/:id.
type CrimeRecord struct {
	CrimeID string `json:"crimeId"`
	Data    string `json:"data"`
	Message string `json:"message"`
}

// Entry decodes Data.
func (r *CrimeRecord) Entry() (*LedgerEntry, error) {
	var e LedgerEntry
	if err := json.Unmarshal([]byte(r.Data), &e); err != nil {
		return nil, fmt.Errorf("decode ledger payload: %w", err)
	}
	return &e, nil
}

// Verification is the result of an integrity check.
type Verification struct {
	ID                   int64     `json:"id"`
	Result               string    `json:"result"`
	LedgerHash           string    `json:"ledger_hash,omitempty"`
	StoreHash            string    `json:"store_hash,omitempty"`
	RecomputedStoreHash  string    `json:"recomputed_store_hash,omitempty"`
	RecomputedLedgerHash string    `json:"recomputed_ledger_hash,omitempty"`
	Reasons              []string  `json:"reasons,omitempty"`
	CheckedAt            time.Time `json:"checked_at"`
}

// ReportSummary is one row of GET /reports.
type ReportSummary struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Type        string `json:"type"`
	Anchored    bool   `json:"anchored"`
}

// Report is the stored copy of a report.
type Report struct {
	ID             int64      `json:"id"`
	Description    string     `json:"description"`
	ReportedAt     time.Time  `json:"reported_at"`
	Status         string     `json:"status"`
	DataHash       string     `json:"data_hash"`
	SubmitterLabel string     `json:"submitter_label"`
	AnchorState    string     `json:"anchor_state"`
	AnchorAttempts int        `json:"anchor_attempts"`
	AnchorError    string     `json:"anchor_error,omitempty"`
	AnchoredAt     *time.Time `json:"anchored_at,omitempty"`
}

// ReanchorResult is the answer to Reanchor.
type ReanchorResult struct {
	Report   *Report `json:"report"`
	Anchored bool    `json:"anchored"`
	Error    string  `json:"error,omitempty"`
}

// Client talks to one crimeledger server.
type Client struct {
	base       string
	httpClient *http.Client
	cache      *recordCache
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
// Ledger submissions can take several seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %s", d)
		}
		c.httpClient = &http.Client{Timeout: d}
		return nil
	}
}

// WithCacheTTL enables in-memory caching of GetCrime results.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		c.cache = newRecordCache(ttl)
		return nil
	}
}

// New creates a Client for the server at base, e.g. "http://localhost:3000".
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// SubmitReport posts a report. Both 201 (anchored) and 202 (stored, anchor
// pending) are successes; inspect SubmitResult.Anchored.
func (c *Client) SubmitReport(ctx context.Context, sr SubmitRequest) (*SubmitResult, error) {
	form := url.Values{}
	form.Set("description", sr.Description)
	form.Set("submitterLabel", sr.SubmitterLabel)
	if sr.Status != "" {
		form.Set("status", sr.Status)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/report", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var res SubmitResult
	if err := c.doJSON(req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetCrime returns the ledger copy of report id.
func (c *Client) GetCrime(ctx context.Context, id int64) (*CrimeRecord, error) {
	if c.cache != nil {
		if rec, ok := c.cache.get(id); ok {
			return rec, nil
		}
	}

	req, err := c.get(ctx, "/crime/"+strconv.FormatInt(id, 10))
	if err != nil {
		return nil, err
	}
	var rec CrimeRecord
	if err := c.doJSON(req, &rec); err != nil {
		return nil, err
	}

	if c.cache != nil {
		c.cache.set(id, &rec)
	}
	return &rec, nil
}

// Verify asks the server to check report id against its ledger anchor.
// A mismatch is a successful call with Result "mismatch".
func (c *Client) Verify(ctx context.Context, id int64) (*Verification, error) {
	req, err := c.get(ctx, "/crime/"+strconv.FormatInt(id, 10)+"/verify")
	if err != nil {
		return nil, err
	}
	var v Verification
	if err := c.doJSON(req, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// ListReports returns stored reports newest first. status may be empty.
func (c *Client) ListReports(ctx context.Context, status string, limit, offset int) ([]ReportSummary, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/reports"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	req, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	var reports []ReportSummary
	if err := c.doJSON(req, &reports); err != nil {
		return nil, err
	}
	return reports, nil
}

// Reanchor asks the server to retry anchoring report id. Ledger failures are
// returned as *APIError (409 for a conflicting entry, 503 when unreachable).
func (c *Client) Reanchor(ctx context.Context, id int64) (*ReanchorResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/reports/"+strconv.FormatInt(id, 10)+"/anchor", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	var res ReanchorResult
	if err := c.doJSON(req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	return req, nil
}

// doJSON executes req and decodes a 2xx body into out.
func (c *Client) doJSON(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := string(body)
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// --- in-memory ledger record cache ---

type cacheEntry struct {
	record    *CrimeRecord
	expiresAt time.Time
}

type recordCache struct {
	mu      sync.RWMutex
	entries map[int64]*cacheEntry
	ttl     time.Duration
}

func newRecordCache(ttl time.Duration) *recordCache {
	return &recordCache{entries: make(map[int64]*cacheEntry), ttl: ttl}
}

func (rc *recordCache) get(id int64) (*CrimeRecord, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	e, ok := rc.entries[id]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.record, true
}

func (rc *recordCache) set(id int64, rec *CrimeRecord) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.entries[id] = &cacheEntry{record: rec, expiresAt: time.Now().Add(rc.ttl)}
}
