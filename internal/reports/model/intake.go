package model

import "time"

// IntakeState is the position of one submission in the intake state machine:
// validated → stored_locally → anchored, with failure exits rejected_input
// (nothing written) and anchor_pending (stored, not yet anchored).
type IntakeState string

const (
	IntakeRejectedInput IntakeState = "rejected_input"
	IntakeStoredLocally IntakeState = "stored_locally"
	IntakeAnchored      IntakeState = "anchored"
	IntakeAnchorPending IntakeState = "anchor_pending"
)

// IntakeResult reports how far a submission got.
type IntakeResult struct {
	ID          int64       `json:"id,omitempty"`
	Fingerprint string      `json:"fingerprint,omitempty"`
	State       IntakeState `json:"state"`
	Anchored    bool        `json:"anchored"`
	Timestamp   string      `json:"timestamp,omitempty"`

	// AnchorErr is set when State is IntakeAnchorPending.
	AnchorErr error `json:"-"`
}

// VerificationResult is the outcome of an integrity check.
type VerificationResult string

const (
	VerifyMatch         VerificationResult = "match"
	VerifyMismatch      VerificationResult = "mismatch"
	VerifyAnchorMissing VerificationResult = "anchor_missing"
	VerifyError         VerificationResult = "verification_error"
)

// Verification is the full record of one integrity check.
type Verification struct {
	ID                   int64              `json:"id"`
	Result               VerificationResult `json:"result"`
	LedgerHash           string             `json:"ledger_hash,omitempty"`
	StoreHash            string             `json:"store_hash,omitempty"`
	RecomputedStoreHash  string             `json:"recomputed_store_hash,omitempty"`
	RecomputedLedgerHash string             `json:"recomputed_ledger_hash,omitempty"`
	Reasons              []string           `json:"reasons,omitempty"`
	CheckedAt            time.Time          `json:"checked_at"`
}
