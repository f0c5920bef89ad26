package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// VerifyWebhookSignature checks a hex HMAC-SHA256 of the raw body. The
// header may carry a "sha256=" prefix.
func VerifyWebhookSignature(payload []byte, signatureHeader, webhookSecret string) bool {
	sig := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(signatureHeader)), signaturePrefix)
	secret := strings.TrimSpace(webhookSecret)
	if sig == "" || secret == "" {
		return false
	}

	decodedSig, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), decodedSig)
}

// SignPayload returns the header value VerifyWebhookSignature accepts.
func SignPayload(payload []byte, webhookSecret string) string {
	mac := hmac.New(sha256.New, []byte(strings.TrimSpace(webhookSecret)))
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}
