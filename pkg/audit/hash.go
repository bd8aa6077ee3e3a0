package audit

import (
	"crypto"
	_ "crypto/sha256" // registers crypto.SHA256
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// CanonicalTimeLayout is the createdAt format inside the hash input.
const CanonicalTimeLayout = "2006-01-02T15:04:05Z"

const fieldSeparator = "|"

// CanonicalEncoding returns the hash input of e. Field order and formatting
// are part of the persisted format and must never change.
//
// Fields are joined with "|" and not escaped, so the encoding is not
// injective: a "|" inside ActorID or Description can make two different
// events encode identically. Tamper detection relies on the stored fields
// being re-encoded, not on decoding this string.
func CanonicalEncoding(e *Event) string {
	prev := e.PreviousHash
	if prev == "" {
		prev = SentinelHash
	}
	return strings.Join([]string{
		prev,
		e.ActorID,
		strconv.FormatInt(e.EntityID, 10),
		string(e.EntityType),
		string(e.OperationType),
		e.Description,
		e.TenantID,
		e.CreatedAt.UTC().Format(CanonicalTimeLayout),
	}, fieldSeparator)
}

// ComputeHash returns the lowercase hex SHA-256 of CanonicalEncoding(e).
func ComputeHash(e *Event) (string, error) {
	if !crypto.SHA256.Available() {
		return "", &HashComputationError{Algorithm: "SHA-256"}
	}
	h := crypto.SHA256.New()
	_, _ = h.Write([]byte(CanonicalEncoding(e)))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyEventHash recomputes the hash of one stored event and compares it.
func VerifyEventHash(e *Event) bool {
	if e == nil || e.EventHash == "" {
		return false
	}
	computed, err := ComputeHash(e)
	if err != nil {
		return false
	}
	return computed == e.EventHash
}

// canonicalTime truncates t to the precision kept by the hash input.
func canonicalTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
