package queue

import (
	"strings"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	keys := SigningKeys{Current: "current-key"}
	body := []byte(`{"task_id":"t1"}`)
	ts := "1700000000"

	sig := keys.Sign(ts, body)
	if !strings.HasPrefix(sig, "v1a=") {
		t.Fatalf("signature missing version prefix: %s", sig)
	}
	if !keys.Verify(sig, ts, body) {
		t.Error("signature did not verify against the signing key")
	}
}

func TestVerifyAcceptsNextKey(t *testing.T) {
	old := SigningKeys{Current: "old-key"}
	rotated := SigningKeys{Current: "new-key", Next: "old-key"}

	body := []byte("payload")
	sig := old.Sign("123", body)

	if !rotated.Verify(sig, "123", body) {
		t.Error("signature from the rotation candidate key was rejected")
	}
}

func TestVerifyRejections(t *testing.T) {
	keys := SigningKeys{Current: "key"}
	body := []byte("payload")
	sig := keys.Sign("123", body)

	cases := []struct {
		name      string
		signature string
		timestamp string
		body      []byte
	}{
		{"wrong key", SigningKeys{Current: "other"}.Sign("123", body), "123", body},
		{"tampered body", sig, "123", []byte("payload2")},
		{"tampered timestamp", sig, "124", body},
		{"missing prefix", strings.TrimPrefix(sig, "v1a="), "123", body},
		{"garbage base64", "v1a=!!!", "123", body},
		{"empty", "", "123", body},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if keys.Verify(tc.signature, tc.timestamp, tc.body) {
				t.Error("invalid signature verified")
			}
		})
	}
}

func TestVerifySkipsEmptyNextKey(t *testing.T) {
	keys := SigningKeys{Current: "key", Next: ""}
	body := []byte("payload")

	// An empty rotation slot must not verify anything.
	if keys.Verify("v1a=", "123", body) {
		t.Error("empty signature verified against empty next key")
	}
}
