package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignHMAC computes the hex-encoded HMAC-SHA256 of message under secret.
func SignHMAC(message []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC compares the expected signature with the supplied one in
// constant time.
func VerifyHMAC(message []byte, secret, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected := SignHMAC(message, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
