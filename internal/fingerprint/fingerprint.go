// Package fingerprint computes the tamper-evidence digest of a crime report.
//
// A fingerprint is the lowercase hex SHA-256 of an ordered tuple of fields.
// Two canonicalization schemes exist:
//   - SchemeV1: each field is written as "<byte length>:<bytes>" before hashing,
//     so no two distinct tuples share an encoding.
//   - SchemeLegacy: fields are concatenated with no delimiter. This is the
//     encoding of reports anchored by the first generation of the service and is
//     kept only so those anchors can still be verified.
package fingerprint

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Scheme selects how a field tuple is encoded before hashing.
type Scheme string

const (
	SchemeV1     Scheme = "v1"
	SchemeLegacy Scheme = "legacy"
)

// TimestampLayout is the textual form of a report timestamp that enters the
// fingerprint. It is always rendered in UTC with second resolution.
const TimestampLayout = "2006-01-02 15:04:05"

// legacyTrailer ends every legacy record digest. Anchors written by the
// earlier deployment hashed a fourth, unset field that rendered as this text.
const legacyTrailer = "undefined"

// Engine computes fingerprints under a fixed scheme. It is safe for concurrent use.
type Engine struct {
	scheme Scheme
}

// New returns an Engine for the given scheme. An empty scheme selects SchemeV1.
func New(scheme Scheme) (*Engine, error) {
	switch scheme {
	case "":
		scheme = SchemeV1
	case SchemeV1, SchemeLegacy:
	default:
		return nil, fmt.Errorf("unknown fingerprint scheme %q", scheme)
	}
	return &Engine{scheme: scheme}, nil
}

// Scheme reports the scheme the engine was built with.
func (e *Engine) Scheme() Scheme { return e.scheme }

// Sum returns the hex digest of the ordered field tuple.
func (e *Engine) Sum(fields ...string) string {
	h := sha256.New()
	for _, f := range fields {
		if e.scheme == SchemeV1 {
			h.Write([]byte(strconv.Itoa(len(f))))
			h.Write([]byte{':'})
		}
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Record fingerprints the canonical field set of a report: description,
// timestamp and status, in that order. The submitter label is not part of the
// fingerprint; changing it is not detected by verification.
//
// Under SchemeLegacy the digest is sha256(description+timestamp+status+"undefined"),
// byte-compatible with anchors written by the earlier deployment.
func (e *Engine) Record(description, timestamp, status string) string {
	if e.scheme == SchemeLegacy {
		return e.Sum(description, timestamp, status, legacyTrailer)
	}
	return e.Sum(description, timestamp, status)
}

// FormatTimestamp renders t in TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(TimestampLayout)
}

// ParseTimestamp parses a TimestampLayout string as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	return time.ParseInLocation(TimestampLayout, s, time.UTC)
}

// Equal compares two hex digests in constant time, ignoring case.
func Equal(a, b string) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
