package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Reason classifies why signature verification passed or failed. Failures
// are logged with the reason code for audit; the caller only branches on ok.
type Reason string

const (
	ReasonOK               Reason = "ok"
	ReasonMissingSignature Reason = "missing_signature"
	ReasonInvalidFormat    Reason = "invalid_signature_format"
	ReasonInvalidHash      Reason = "invalid_hash_format"
	ReasonEmptyBody        Reason = "empty_body"
	ReasonMismatch         Reason = "mismatch"
)

const signaturePrefix = "sha256="

// VerifySignature checks the X-Hub-Signature-256 header against an
// HMAC-SHA256 of the raw request body. It never returns an error: any
// malformed input is a rejection with a distinguishing reason code.
//
// Format checks short-circuit before any HMAC computation: a signature
// that is not "sha256=" followed by exactly 64 lowercase hex characters is
// rejected as malformed, not as a mismatch.
func VerifySignature(rawBody []byte, header string, secret []byte) (bool, Reason) {
	if header == "" {
		return false, ReasonMissingSignature
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return false, ReasonInvalidFormat
	}

	hexDigest := header[len(signaturePrefix):]
	if len(hexDigest) != sha256.Size*2 || !isLowerHex(hexDigest) {
		return false, ReasonInvalidHash
	}

	if len(rawBody) == 0 {
		return false, ReasonEmptyBody
	}

	expected, err := hex.DecodeString(hexDigest)
	if err != nil {
		return false, ReasonInvalidHash
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(rawBody)

	// Constant-time compare to avoid timing side-channels.
	if !hmac.Equal(mac.Sum(nil), expected) {
		return false, ReasonMismatch
	}

	return true, ReasonOK
}

// GenerateSignature produces the header value the vendor would send for the
// given body. Used by tests and by outbound webhook calls to collaborators.
func GenerateSignature(body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
