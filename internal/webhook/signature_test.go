package webhook

import (
	"strings"
	"testing"
)

func TestVerifySignature_RoundTrip(t *testing.T) {
	secret := []byte("app-secret")
	body := []byte(`{"object":"whatsapp_business_account"}`)

	header := GenerateSignature(body, secret)

	ok, reason := VerifySignature(body, header, secret)
	if !ok {
		t.Fatalf("expected signature to verify, got reason %q", reason)
	}
	if reason != ReasonOK {
		t.Errorf("expected reason %q, got %q", ReasonOK, reason)
	}
}

func TestVerifySignature_BitFlip(t *testing.T) {
	secret := []byte("app-secret")
	body := []byte(`{"object":"whatsapp_business_account"}`)

	header := GenerateSignature(body, secret)

	// Flip one hex character of the digest
	digest := []byte(header[len("sha256="):])
	if digest[0] == 'a' {
		digest[0] = 'b'
	} else {
		digest[0] = 'a'
	}
	tampered := "sha256=" + string(digest)

	ok, reason := VerifySignature(body, tampered, secret)
	if ok {
		t.Fatal("tampered signature should not verify")
	}
	if reason != ReasonMismatch {
		t.Errorf("expected reason %q, got %q", ReasonMismatch, reason)
	}
}

func TestVerifySignature_WrongSecret(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account"}`)
	header := GenerateSignature(body, []byte("right-secret"))

	ok, reason := VerifySignature(body, header, []byte("wrong-secret"))
	if ok {
		t.Fatal("signature under wrong secret should not verify")
	}
	if reason != ReasonMismatch {
		t.Errorf("expected reason %q, got %q", ReasonMismatch, reason)
	}
}

func TestVerifySignature_FormatRejections(t *testing.T) {
	secret := []byte("app-secret")
	body := []byte(`{}`)
	validHex := strings.Repeat("ab", 32)

	tests := []struct {
		name   string
		body   []byte
		header string
		reason Reason
	}{
		{
			name:   "missing header",
			body:   body,
			header: "",
			reason: ReasonMissingSignature,
		},
		{
			name:   "wrong prefix",
			body:   body,
			header: "sha1=" + validHex,
			reason: ReasonInvalidFormat,
		},
		{
			name:   "no prefix",
			body:   body,
			header: validHex,
			reason: ReasonInvalidFormat,
		},
		{
			name:   "digest too short",
			body:   body,
			header: "sha256=" + validHex[:62],
			reason: ReasonInvalidHash,
		},
		{
			name:   "digest too long",
			body:   body,
			header: "sha256=" + validHex + "ab",
			reason: ReasonInvalidHash,
		},
		{
			name:   "uppercase hex",
			body:   body,
			header: "sha256=" + strings.ToUpper(validHex),
			reason: ReasonInvalidHash,
		},
		{
			name:   "non-hex characters",
			body:   body,
			header: "sha256=" + strings.Repeat("zz", 32),
			reason: ReasonInvalidHash,
		},
		{
			name:   "empty body",
			body:   nil,
			header: "sha256=" + validHex,
			reason: ReasonEmptyBody,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := VerifySignature(tt.body, tt.header, secret)
			if ok {
				t.Fatal("expected rejection")
			}
			if reason != tt.reason {
				t.Errorf("expected reason %q, got %q", tt.reason, reason)
			}
		})
	}
}

// A well-formed digest over an empty body must still never reach the HMAC
// compare: empty bodies are rejected outright.
func TestVerifySignature_EmptyBodyValidDigest(t *testing.T) {
	secret := []byte("app-secret")
	header := GenerateSignature(nil, secret)

	ok, reason := VerifySignature(nil, header, secret)
	if ok {
		t.Fatal("empty body should never verify")
	}
	if reason != ReasonEmptyBody {
		t.Errorf("expected reason %q, got %q", ReasonEmptyBody, reason)
	}
}
