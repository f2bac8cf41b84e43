// Package signature verifies platform webhook signatures.
//
// Verification operates on the raw request bytes exactly as received; the
// ingress pipeline preserves the raw body and never lets middleware consume
// it before this check runs. Comparison is constant-time.
package signature

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // sha1 is part of the platform's webhook contract
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"strings"

	"github.com/replyloop/replyloop/pkg/faults"
)

// Verifier checks HMAC signatures against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the given shared secret. The secret may
// be empty; Verify then fails with BAD_SECRET without leaking why.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify checks header (form "<algo>=<hex>", algo ∈ {sha1, sha256}) against
// the HMAC of body. A header without an algorithm prefix is treated as
// sha256. The hex digest length must match the algorithm.
func (v *Verifier) Verify(body []byte, header string) error {
	if header == "" {
		return faults.Newf(faults.KindAuth, faults.CodeMissingSignature, "signature header absent")
	}
	if len(v.secret) == 0 {
		// Non-leaking: the caller maps this to a plain 500.
		return faults.Newf(faults.KindInternal, faults.CodeBadSecret, "webhook secret unconfigured")
	}

	algo := "sha256"
	digest := header
	if i := strings.IndexByte(header, '='); i >= 0 {
		algo = header[:i]
		digest = header[i+1:]
	}

	var newHash func() hash.Hash
	var hexLen int
	switch algo {
	case "sha1":
		newHash, hexLen = sha1.New, 40
	case "sha256":
		newHash, hexLen = sha256.New, 64
	default:
		return faults.Newf(faults.KindAuth, faults.CodeInvalidSignature, "unsupported algorithm %q", algo)
	}

	if len(digest) != hexLen {
		return faults.Newf(faults.KindAuth, faults.CodeInvalidSignature, "digest length %d, want %d", len(digest), hexLen)
	}
	claimed, err := hex.DecodeString(digest)
	if err != nil {
		return faults.Newf(faults.KindAuth, faults.CodeInvalidSignature, "digest is not hex")
	}

	mac := hmac.New(newHash, v.secret)
	mac.Write(body)
	if !hmac.Equal(claimed, mac.Sum(nil)) {
		return faults.Newf(faults.KindAuth, faults.CodeInvalidSignature, "signature mismatch")
	}
	return nil
}

// Sign computes the sha256 signature header for body. Used by tests and by
// the outbound ManyChat webhook contract.
func (v *Verifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
