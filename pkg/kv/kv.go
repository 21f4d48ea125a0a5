// Package kv defines the uniform interface over external key-value
// providers (the L2 tier) and the structured error classification the
// cache service uses to drive fail-over.
//
// Two concrete adapters live in subpackages:
//   - workerskv: Cloudflare Workers KV over the signed HTTPS API
//   - upstash: Upstash Redis over its REST protocol
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Store is the uniform capability set every L2 provider implements.
//
// Get reports a miss explicitly: (nil, false, nil). An error return means
// the provider could not answer; a miss is not an error.
//
// Thread Safety: implementations must be safe for concurrent use.
type Store interface {
	// Name identifies the provider ("Cloudflare KV", "Upstash Redis").
	Name() string

	// Get reads a key. Returns (value, found, error).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set writes a key with a TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// ListKeys returns all key names with the given prefix.
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	// Disconnect releases provider resources.
	Disconnect(ctx context.Context) error
}

// GetJSON reads a key and unmarshals its value into out.
// Returns (false, nil) on a miss.
func GetJSON(ctx context.Context, s Store, key string, out any) (bool, error) {
	raw, found, err := s.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("decode %q: %w", key, err)
	}
	return true, nil
}

// SetJSON marshals v and writes it under key.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	return s.Set(ctx, key, raw, ttl)
}
