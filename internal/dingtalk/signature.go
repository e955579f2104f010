package dingtalk

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// Verifier authenticates inbound callbacks.
type Verifier interface {
	Verify(body []byte, timestamp, sign string) bool
}

// SignatureVerifier checks the timestamp/sign headers against the app secret.
type SignatureVerifier struct {
	creds *Credentials
}

// NewSignatureVerifier creates a verifier reading the secret from creds.
func NewSignatureVerifier(creds *Credentials) *SignatureVerifier {
	return &SignatureVerifier{creds: creds}
}

// Verify reports whether sign matches the signature computed from timestamp
// and sign itself. The body is not part of the signed string.
func (v *SignatureVerifier) Verify(_ []byte, timestamp, sign string) bool {
	secret := v.creds.Get().AppSecret
	if secret == "" || timestamp == "" || sign == "" {
		return false
	}
	expected := ExpectedSignature(secret, timestamp, sign)
	return hmac.Equal([]byte(expected), []byte(sign))
}

// ExpectedSignature returns base64(HMAC-SHA256(secret, timestamp + "\n" + sign)).
func ExpectedSignature(secret, timestamp, sign string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "\n" + sign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
