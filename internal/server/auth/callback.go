package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/dmitrijs2005/vidstream/internal/common"
)

// DefaultMaxSkew is the allowed clock drift between the transcoder fleet and
// this server, in either direction.
const DefaultMaxSkew = 5 * time.Minute

// CallbackVerifier authenticates transcoder callbacks. The expected signature
// is the hex-encoded HMAC-SHA256 of "timestamp.body" under a shared secret,
// where timestamp is epoch milliseconds from the X-ECS-Timestamp header.
//
// Verification must run over the exact raw request body bytes: re-serializing
// a parsed payload can change the byte content and break the signature, so
// callers capture the body before any binding.
type CallbackVerifier struct {
	secret  []byte
	maxSkew time.Duration
	now     func() time.Time
}

// NewCallbackVerifier constructs a verifier. A non-positive maxSkew falls
// back to DefaultMaxSkew.
func NewCallbackVerifier(secret string, maxSkew time.Duration) *CallbackVerifier {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &CallbackVerifier{
		secret:  []byte(secret),
		maxSkew: maxSkew,
		now:     time.Now,
	}
}

// Verify checks that both headers are present, the timestamp is fresh, and
// the signature matches the raw body. Freshness and correctness are
// independent checks: a correct signature with a stale timestamp is rejected.
//
// Errors are sentinels from common so callers can log the distinct causes;
// all of them map to the same unauthorized outcome. Neither the secret nor
// the computed signature ever appears in an error.
func (v *CallbackVerifier) Verify(rawBody []byte, signatureHeader, timestampHeader string) error {
	if signatureHeader == "" || timestampHeader == "" {
		return common.ErrMissingSignatureHeaders
	}

	timestamp, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return common.ErrTimestampOutOfSkew
	}

	drift := v.now().UnixMilli() - timestamp
	if drift < 0 {
		drift = -drift
	}
	if drift > v.maxSkew.Milliseconds() {
		return common.ErrTimestampOutOfSkew
	}

	expected := v.sign(timestampHeader, rawBody)

	// A length mismatch is rejected up front; signature length is fixed and
	// public, so only the content comparison needs to be constant-time.
	if len(signatureHeader) != len(expected) {
		return common.ErrSignatureMismatch
	}
	if subtle.ConstantTimeCompare([]byte(signatureHeader), []byte(expected)) != 1 {
		return common.ErrSignatureMismatch
	}
	return nil
}

func (v *CallbackVerifier) sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
