package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// SignaturePrefix precedes the hex digest in X-Webhook-Signature.
const SignaturePrefix = "sha256="

var ErrMalformedSignature = errors.New("malformed webhook signature")

// SignWebhook returns the X-Webhook-Signature value for body.
func SignWebhook(secret string, body []byte) string {
	return SignaturePrefix + hex.EncodeToString(webhookMAC(secret, body))
}

// VerifyWebhookSignature checks header against body in constant time. A
// bare hex digest without the prefix is accepted too.
func VerifyWebhookSignature(secret string, body []byte, header string) (bool, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return false, ErrMalformedSignature
	}
	digest := strings.TrimPrefix(header, SignaturePrefix)
	got, err := hex.DecodeString(digest)
	if err != nil || len(got) != sha256.Size {
		return false, ErrMalformedSignature
	}
	return hmac.Equal(got, webhookMAC(secret, body)), nil
}

// BodySHA256 is the lowercase hex SHA-256 of body.
func BodySHA256(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func webhookMAC(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
