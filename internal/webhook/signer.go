package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Transport headers carried with every delivery. The triad is always
// present together.
const (
	HeaderSignature = "X-Authhub-Signature"
	HeaderTimestamp = "X-Authhub-Timestamp"
	HeaderEventID   = "X-Authhub-Event-Id"
	HeaderEventType = "X-Authhub-Event"
)

// DefaultTolerance bounds how old a signed payload may be before it is
// rejected as a replay.
const DefaultTolerance = 5 * time.Minute

// ErrInvalidSignature covers both MAC mismatch and stale timestamps.
// The causes are deliberately collapsed so verification cannot be used as
// an oracle distinguishing them.
var ErrInvalidSignature = errors.New("webhook: invalid signature")

// CanonicalJSON renders a payload with deterministic field ordering so the
// signed bytes do not depend on struct layout or map iteration order.
func CanonicalJSON(payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	// encoding/json sorts map keys, which yields the canonical form.
	return json.Marshal(generic)
}

// Sign computes the transport signature over timestamp and body.
func Sign(secret []byte, timestamp time.Time, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(timestamp.Unix(), 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the HMAC over the received timestamp and raw body and
// compares in constant time, rejecting timestamps outside the freshness
// window. All failures surface as ErrInvalidSignature.
func Verify(secret []byte, timestampHeader string, body []byte, signature string, now time.Time, tolerance time.Duration) error {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	unix, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	ts := time.Unix(unix, 0)
	age := now.Sub(ts)
	if age > tolerance || age < -tolerance {
		return ErrInvalidSignature
	}
	expected := Sign(secret, ts, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}
