// Package audit implements the tamper-evident audit ledger.
//
// Every state-changing operation in the core appends exactly one signed
// entry. Entries are HMAC-signed over their canonicalized content, so the
// ledger can detect (not prevent) post-hoc alteration: any persisted entry
// whose recomputed signature differs is reported as tampered, never
// silently trusted.
package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Category classifies entries for retention policy.
type Category string

const (
	CategoryFinancial  Category = "financial"
	CategoryDataAccess Category = "data_access"
	CategorySecurity   Category = "security"
	CategorySystem     Category = "system"
)

// Retention periods by category. PII-bearing data-access entries carry the
// longest compliance window.
const (
	retentionDataAccess = 7 * 365 * 24 * time.Hour
	retentionSecurity   = 2 * 365 * 24 * time.Hour
	retentionDefault    = 365 * 24 * time.Hour
)

// RetentionFor returns the retention deadline for a category relative to ts.
func RetentionFor(cat Category, ts time.Time) time.Time {
	switch cat {
	case CategoryDataAccess:
		return ts.Add(retentionDataAccess)
	case CategorySecurity:
		return ts.Add(retentionSecurity)
	default:
		return ts.Add(retentionDefault)
	}
}

// Entry is a single immutable audit record. The core never mutates or
// deletes entries; retention enforcement is an external compliance job.
type Entry struct {
	ID             string            `json:"id"`
	Timestamp      time.Time         `json:"timestamp"`
	Actor          string            `json:"actor"`
	Action         string            `json:"action"`
	EntityType     string            `json:"entityType"`
	EntityID       string            `json:"entityId"`
	Before         map[string]string `json:"before,omitempty"`
	After          map[string]string `json:"after,omitempty"`
	Category       Category          `json:"category"`
	RetentionUntil time.Time         `json:"retentionUntil"`
	Signature      string            `json:"signature"`
}

// canonicalEntry mirrors Entry minus the signature field. JSON marshaling is
// deterministic here: struct fields emit in declaration order and map keys
// are sorted, so the signed bytes are stable across processes.
type canonicalEntry struct {
	ID             string            `json:"id"`
	Timestamp      int64             `json:"timestamp"` // UnixNano; avoids formatting drift
	Actor          string            `json:"actor"`
	Action         string            `json:"action"`
	EntityType     string            `json:"entityType"`
	EntityID       string            `json:"entityId"`
	Before         map[string]string `json:"before,omitempty"`
	After          map[string]string `json:"after,omitempty"`
	Category       Category          `json:"category"`
	RetentionUntil int64             `json:"retentionUntil"`
}

// Canonicalize returns the deterministic byte representation of the entry
// content excluding the signature field.
func (e *Entry) Canonicalize() []byte {
	b, _ := json.Marshal(canonicalEntry{
		ID:             e.ID,
		Timestamp:      e.Timestamp.UnixNano(),
		Actor:          e.Actor,
		Action:         e.Action,
		EntityType:     e.EntityType,
		EntityID:       e.EntityID,
		Before:         e.Before,
		After:          e.After,
		Category:       e.Category,
		RetentionUntil: e.RetentionUntil.UnixNano(),
	})
	return b
}

// Signer computes and verifies entry signatures with a ledger-held secret.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer. The secret must be non-empty.
func NewSigner(secret []byte) *Signer {
	if len(secret) == 0 {
		panic("audit: empty signing secret")
	}
	return &Signer{secret: secret}
}

// Sign computes the HMAC-SHA256 signature over the canonicalized entry.
func (s *Signer) Sign(e *Entry) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(e.Canonicalize())
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares it in constant time.
func (s *Signer) Verify(e *Entry) bool {
	want := s.Sign(e)
	return hmac.Equal([]byte(want), []byte(e.Signature))
}
