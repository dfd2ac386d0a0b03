package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tanodlink/crimeledger/internal/ledger"
	"github.com/tanodlink/crimeledger/internal/reports/model"
	"github.com/tanodlink/crimeledger/internal/reports/service"
	"go.uber.org/zap"
)

func theftAtMarket() model.SubmitRequest {
	return model.SubmitRequest{Description: "theft at market", Status: "unread", SubmitterLabel: "anon1"}
}

func TestSubmit_endToEndAnchorsAndVerifies(t *testing.T) {
	f := newFixture(7)

	res, err := f.intake.Submit(ctx, theftAtMarket())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.ID != 7 {
		t.Fatalf("id: got %d, want 7", res.ID)
	}
	if res.State != model.IntakeAnchored || !res.Anchored {
		t.Fatalf("state: got %s anchored=%v, want anchored", res.State, res.Anchored)
	}
	if res.Timestamp != "2024-03-09 14:30:05" {
		t.Errorf("timestamp: got %q", res.Timestamp)
	}
	want := f.fp.Record("theft at market", "2024-03-09 14:30:05", "unread")
	if res.Fingerprint != want {
		t.Errorf("fingerprint: got %s, want %s", res.Fingerprint, want)
	}

	stored, err := f.query.Get(ctx, 7)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.DataHash != want || stored.AnchorState != model.AnchorConfirmed {
		t.Errorf("stored row: hash=%s state=%s", stored.DataHash, stored.AnchorState)
	}

	anchor, raw, err := f.query.ReadAnchor(ctx, 7)
	if err != nil {
		t.Fatalf("ReadAnchor: %v", err)
	}
	if anchor.Hash != want || anchor.SubmitterLabel != "anon1" || len(raw) == 0 {
		t.Errorf("ledger entry: %+v", anchor)
	}

	v, err := f.verifier.Verify(ctx, 7)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if v.Result != model.VerifyMatch {
		t.Errorf("verify: got %s (%v), want match", v.Result, v.Reasons)
	}

	if n := f.emu.OpenSessions(); n != 0 {
		t.Errorf("leaked %d ledger session(s)", n)
	}
}

func TestSubmit_rejectsMissingFieldsWithoutIO(t *testing.T) {
	cases := []struct {
		name  string
		req   model.SubmitRequest
		field string
	}{
		{"no description", model.SubmitRequest{SubmitterLabel: "anon1"}, "description"},
		{"blank description", model.SubmitRequest{Description: "  ", SubmitterLabel: "anon1"}, "description"},
		{"no submitter", model.SubmitRequest{Description: "theft"}, "submitterLabel"},
		{"unknown status", model.SubmitRequest{Description: "theft", SubmitterLabel: "anon1", Status: "closed"}, "status"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(1)
			res, err := f.intake.Submit(ctx, tc.req)
			if !errors.Is(err, service.ErrInputValidation) {
				t.Fatalf("expected ErrInputValidation, got %v", err)
			}
			var ve *service.ValidationError
			if !errors.As(err, &ve) || ve.Field != tc.field {
				t.Errorf("field: got %v, want %s", err, tc.field)
			}
			if res.State != model.IntakeRejectedInput {
				t.Errorf("state: got %s", res.State)
			}
			if n := f.repo.callCount(); n != 0 {
				t.Errorf("store called %d time(s)", n)
			}
			if f.ledger.submits != 0 {
				t.Errorf("ledger called %d time(s)", f.ledger.submits)
			}
		})
	}
}

func TestSubmit_defaultsStatusToUnread(t *testing.T) {
	f := newFixture(1)
	res, err := f.intake.Submit(ctx, model.SubmitRequest{Description: "vandalism", SubmitterLabel: "anon2"})
	if err != nil {
		t.Fatal(err)
	}
	r, _ := f.query.Get(ctx, res.ID)
	if r.Status != model.StatusUnread {
		t.Errorf("status: got %s, want unread", r.Status)
	}
}

func TestSubmit_ledgerFailureLeavesAnchorPending(t *testing.T) {
	f := newFixture(1)
	f.ledger.setSubmitErr(fmt.Errorf("submit: %w", ledger.ErrNetworkUnavailable))

	res, err := f.intake.Submit(ctx, theftAtMarket())
	if err != nil {
		t.Fatalf("Submit must not fail once stored: %v", err)
	}
	if res.State != model.IntakeAnchorPending || res.Anchored {
		t.Fatalf("state: got %s anchored=%v, want anchor_pending", res.State, res.Anchored)
	}
	if !errors.Is(res.AnchorErr, service.ErrLedgerUnavailable) {
		t.Errorf("AnchorErr: got %v", res.AnchorErr)
	}

	stored, err := f.query.Get(ctx, res.ID)
	if err != nil {
		t.Fatalf("record must stay queryable: %v", err)
	}
	if stored.DataHash != res.Fingerprint {
		t.Errorf("stored fingerprint: got %s, want %s", stored.DataHash, res.Fingerprint)
	}
	if stored.AnchorState != model.AnchorPending || stored.AnchorAttempts != 1 {
		t.Errorf("anchor state: got %s attempts=%d", stored.AnchorState, stored.AnchorAttempts)
	}

	v, _ := f.verifier.Verify(ctx, res.ID)
	if v.Result != model.VerifyAnchorMissing {
		t.Errorf("verify: got %s, want anchor_missing", v.Result)
	}
}

func TestSubmit_ledgerTimeoutLeavesAnchorPending(t *testing.T) {
	f := newFixture(1)
	stalling := &stallingConnector{}
	client := ledger.NewClient(stalling, ledger.Config{
		SubmitTimeout: 50 * time.Millisecond,
		MaxAttempts:   3,
		RetryBackoff:  time.Millisecond,
	}, zap.NewNop())
	intake := service.NewIntakeService(f.repo, ledger.NewContract(client, "app", zap.NewNop()), f.fp, zap.NewNop())

	start := time.Now()
	res, err := intake.Submit(ctx, theftAtMarket())
	if err != nil {
		t.Fatalf("Submit must not fail once stored: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("intake took %v; the submit deadline was not honoured", elapsed)
	}
	if res.State != model.IntakeAnchorPending || res.Anchored {
		t.Fatalf("state: got %s anchored=%v, want anchor_pending", res.State, res.Anchored)
	}
	if !errors.Is(res.AnchorErr, service.ErrLedgerUnavailable) {
		t.Errorf("AnchorErr: got %v", res.AnchorErr)
	}

	stored, err := f.query.Get(ctx, res.ID)
	if err != nil {
		t.Fatalf("record must stay queryable: %v", err)
	}
	if stored.DataHash != res.Fingerprint || stored.AnchorState != model.AnchorPending {
		t.Errorf("stored: hash=%s state=%s", stored.DataHash, stored.AnchorState)
	}
	if n := stalling.open.Load(); n != 0 {
		t.Errorf("open sessions = %d, want 0", n)
	}
}

func TestSubmit_concurrentAnchorIsNotOverwritten(t *testing.T) {
	f := newFixture(1)
	intake := service.NewIntakeService(f.repo, &racingLedger{repo: f.repo}, f.fp, zap.NewNop())

	res, err := intake.Submit(ctx, theftAtMarket())
	if err != nil {
		t.Fatal(err)
	}
	if res.State != model.IntakeAnchored || !res.Anchored {
		t.Errorf("state: got %s anchored=%v, want anchored", res.State, res.Anchored)
	}

	stored, _ := f.query.Get(ctx, res.ID)
	if stored.AnchorState != model.AnchorConfirmed {
		t.Errorf("anchor state: got %s, want anchored", stored.AnchorState)
	}
	if stored.AnchorAttempts != 0 {
		t.Errorf("attempts: got %d, want 0", stored.AnchorAttempts)
	}
}

func TestSubmit_storeFailureSkipsLedger(t *testing.T) {
	f := newFixture(1)
	f.repo.failErr = errors.New("connection refused")

	res, err := f.intake.Submit(ctx, theftAtMarket())
	if !errors.Is(err, service.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if res != nil {
		t.Errorf("expected nil result, got %+v", res)
	}
	if f.ledger.submits != 0 {
		t.Errorf("ledger called %d time(s) after store failure", f.ledger.submits)
	}
}

func TestSubmit_ignoresCallerCancellation(t *testing.T) {
	f := newFixture(1)
	cctx, cancel := context.WithCancel(ctx)
	cancel()

	res, err := f.intake.Submit(cctx, theftAtMarket())
	if err != nil {
		t.Fatal(err)
	}
	if res.State != model.IntakeAnchored {
		t.Errorf("state: got %s, want anchored", res.State)
	}
}

func TestSubmit_observerSeesFinalState(t *testing.T) {
	f := newFixture(1)
	var states []model.IntakeState
	f.intake.SetObserver(func(s model.IntakeState) { states = append(states, s) })

	f.intake.Submit(ctx, theftAtMarket())
	f.intake.Submit(ctx, model.SubmitRequest{})

	if len(states) != 2 || states[0] != model.IntakeAnchored || states[1] != model.IntakeRejectedInput {
		t.Errorf("observed: %v", states)
	}
}

func TestSubmit_concurrentIntakeIsIsolated(t *testing.T) {
	f := newFixture(1)
	const n = 16

	var wg sync.WaitGroup
	results := make([]*model.IntakeResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.intake.Submit(ctx, model.SubmitRequest{
				Description:    fmt.Sprintf("report %d", i),
				SubmitterLabel: fmt.Sprintf("anon%d", i),
			})
			if err != nil {
				t.Errorf("Submit %d: %v", i, err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for i, res := range results {
		if res == nil {
			continue
		}
		if seen[res.ID] {
			t.Errorf("id %d assigned twice", res.ID)
		}
		seen[res.ID] = true

		want := f.fp.Record(fmt.Sprintf("report %d", i), res.Timestamp, "unread")
		if res.Fingerprint != want {
			t.Errorf("submission %d got another record's fingerprint", i)
		}
		stored, _ := f.query.Get(ctx, res.ID)
		if stored.Description != fmt.Sprintf("report %d", i) {
			t.Errorf("id %d holds %q", res.ID, stored.Description)
		}
		if v, _ := f.verifier.Verify(ctx, res.ID); v.Result != model.VerifyMatch {
			t.Errorf("id %d: verify %s", res.ID, v.Result)
		}
	}
}

func TestReanchor_recoversPendingReport(t *testing.T) {
	f := newFixture(1)
	f.ledger.setSubmitErr(ledger.ErrNetworkUnavailable)
	res, _ := f.intake.Submit(ctx, theftAtMarket())

	f.ledger.setSubmitErr(nil)
	r, err := f.intake.Reanchor(ctx, res.ID)
	if err != nil {
		t.Fatalf("Reanchor: %v", err)
	}
	if r.AnchorState != model.AnchorConfirmed {
		t.Errorf("state: got %s", r.AnchorState)
	}
	if v, _ := f.verifier.Verify(ctx, res.ID); v.Result != model.VerifyMatch {
		t.Errorf("verify: got %s", v.Result)
	}
}

func TestReanchor_detectsEarlierCommit(t *testing.T) {
	f := newFixture(1)
	f.ledger.setSubmitErr(ledger.ErrNetworkUnavailable)
	res, _ := f.intake.Submit(ctx, theftAtMarket())

	// The first submission committed even though its caller saw a timeout.
	committed := &ledger.Anchor{
		ID: res.ID, Description: "theft at market", Timestamp: res.Timestamp,
		Status: "unread", Hash: res.Fingerprint, SubmitterLabel: "anon1",
	}
	if err := f.contract.ReportCrime(ctx, committed); err != nil {
		t.Fatal(err)
	}

	f.ledger.setSubmitErr(nil)
	r, err := f.intake.Reanchor(ctx, res.ID)
	if err != nil {
		t.Fatalf("Reanchor: %v", err)
	}
	if r.AnchorState != model.AnchorConfirmed {
		t.Errorf("state: got %s, want anchored", r.AnchorState)
	}
}

func TestReanchor_conflictIsNotRetried(t *testing.T) {
	f := newFixture(1)
	foreign := &ledger.Anchor{
		ID: 1, Description: "something else", Timestamp: "2020-01-01 00:00:00",
		Status: "unread", Hash: "00ff", SubmitterLabel: "x",
	}
	if err := f.contract.ReportCrime(ctx, foreign); err != nil {
		t.Fatal(err)
	}

	res, err := f.intake.Submit(ctx, theftAtMarket())
	if err != nil {
		t.Fatal(err)
	}
	if res.State != model.IntakeAnchorPending || !errors.Is(res.AnchorErr, service.ErrLedgerRejected) {
		t.Fatalf("got %s / %v", res.State, res.AnchorErr)
	}
	stored, _ := f.query.Get(ctx, 1)
	if stored.AnchorState != model.AnchorConflict {
		t.Fatalf("anchor state: got %s, want conflict", stored.AnchorState)
	}

	before := f.ledger.submits
	if _, err := f.intake.Reanchor(ctx, 1); !errors.Is(err, service.ErrLedgerRejected) {
		t.Errorf("Reanchor: expected ErrLedgerRejected, got %v", err)
	}
	if f.ledger.submits != before {
		t.Error("conflicting report was resubmitted")
	}
}

func TestReanchor_alreadyAnchoredIsNoop(t *testing.T) {
	f := newFixture(1)
	res, _ := f.intake.Submit(ctx, theftAtMarket())
	before := f.ledger.submits

	r, err := f.intake.Reanchor(ctx, res.ID)
	if err != nil || r.AnchorState != model.AnchorConfirmed {
		t.Fatalf("got %v / %v", r, err)
	}
	if f.ledger.submits != before {
		t.Error("anchored report was resubmitted")
	}
}

func TestReanchor_unknownReport(t *testing.T) {
	f := newFixture(1)
	if _, err := f.intake.Reanchor(ctx, 404); !errors.Is(err, service.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
