package model

import (
	"time"
)

// Status is the workflow tag of a report.
type Status string

const (
	StatusUnread        Status = "unread"
	StatusRead          Status = "read"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusDismissed     Status = "dismissed"
)

// Valid reports whether s is a known workflow status.
func (s Status) Valid() bool {
	switch s {
	case StatusUnread, StatusRead, StatusInvestigating, StatusResolved, StatusDismissed:
		return true
	}
	return false
}

// AnchorState tracks whether a stored report has an immutable ledger anchor.
type AnchorState string

const (
	// AnchorPending: stored locally, ledger submission not yet confirmed.
	AnchorPending AnchorState = "pending"
	// AnchorConfirmed: the ledger holds this report's fingerprint.
	AnchorConfirmed AnchorState = "anchored"
	// AnchorConflict: the ledger holds a different fingerprint under this id.
	// Needs operator review; never retried automatically.
	AnchorConflict AnchorState = "conflict"
)

// Report is a crime report as held in the mutable store.
type Report struct {
	ID             int64       `json:"id"`
	Description    string      `json:"description"`
	ReportedAt     time.Time   `json:"reported_at"`
	Status         Status      `json:"status"`
	DataHash       string      `json:"data_hash"`
	SubmitterLabel string      `json:"submitter_label"`
	AnchorState    AnchorState `json:"anchor_state"`
	AnchorAttempts int         `json:"anchor_attempts"`
	AnchorError    string      `json:"anchor_error,omitempty"`
	AnchoredAt     *time.Time  `json:"anchored_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Anchored reports whether the ledger anchor has been confirmed.
func (r *Report) Anchored() bool {
	return r.AnchorState == AnchorConfirmed
}

// SubmitRequest is the intake payload accepted from a reporter.
type SubmitRequest struct {
	Description    string `form:"description" json:"description"`
	SubmitterLabel string `form:"submitterLabel" json:"submitterLabel"`
	Status         string `form:"status" json:"status,omitempty"`
}

// ListFilter narrows a report listing. Zero values mean "no filter".
type ListFilter struct {
	Status Status
	Limit  int
	Offset int
}
