package queue

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// signaturePrefix is the version tag on the webhook signature header.
const signaturePrefix = "v1a="

// SigningKeys is the current/next key pair. Two keys are concurrently
// valid so keys can rotate without dropping in-flight webhooks.
//
// The keys are capabilities: hold them where needed and never log them.
type SigningKeys struct {
	Current string
	Next    string
}

// Sign computes the webhook signature for timestamp and body with the
// current key: v1a=base64(HMAC-SHA256(key, timestamp + "." + body)).
func (k SigningKeys) Sign(timestamp string, body []byte) string {
	return signaturePrefix + mac(k.Current, timestamp, body)
}

// Verify checks signature against both keys in constant time.
func (k SigningKeys) Verify(signature, timestamp string, body []byte) bool {
	provided, ok := strings.CutPrefix(signature, signaturePrefix)
	if !ok {
		return false
	}
	providedRaw, err := base64.StdEncoding.DecodeString(provided)
	if err != nil {
		return false
	}

	for _, key := range []string{k.Current, k.Next} {
		if key == "" {
			continue
		}
		expected, err := base64.StdEncoding.DecodeString(mac(key, timestamp, body))
		if err != nil {
			continue
		}
		if hmac.Equal(providedRaw, expected) {
			return true
		}
	}
	return false
}

func mac(key, timestamp string, body []byte) string {
	h := hmac.New(sha256.New, []byte(key))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(body)
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
