package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// signingString is the create-request payload with keys in alphabetical order.
func signingString(req CreateRequest) string {
	return fmt.Sprintf("amount=%d&cancelUrl=%s&description=%s&orderCode=%d&returnUrl=%s",
		req.Amount, req.CancelURL, req.Description, req.OrderCode, req.ReturnURL)
}

// Sign computes the hex HMAC-SHA256 the gateway expects on a create request.
func Sign(req CreateRequest, checksumKey string) string {
	mac := hmac.New(sha256.New, []byte(checksumKey))
	mac.Write([]byte(signingString(req)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether req.Signature matches its payload.
func VerifySignature(req CreateRequest, checksumKey string) bool {
	expected := Sign(req, checksumKey)
	return hmac.Equal([]byte(expected), []byte(req.Signature))
}
