// Package workerskv implements the kv.Store interface on top of
// Cloudflare Workers KV.
//
// Workers KV is eventually consistent: a read immediately after a write
// may not observe the new value. Callers that need read-after-write
// guarantees (the distributed lock path) must verify with a follow-up
// read, which the coordinator does.
package workerskv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudflare/cloudflare-go"

	"github.com/relaymesh/relaymesh/pkg/kv"
)

// ProviderName is the name reported by Name() and used in fail-over logs.
const ProviderName = "Cloudflare KV"

// minTTL is the smallest expiration Workers KV accepts (60 seconds).
// Shorter requested TTLs are rounded up rather than rejected.
const minTTL = 60 * time.Second

// listPageLimit is the page size for ListKeys pagination.
const listPageLimit = 1000

// Config holds the credentials and namespace for a Workers KV store.
type Config struct {
	// APIToken is a scoped Cloudflare API token with KV read/write access.
	APIToken string `mapstructure:"api_token" yaml:"api_token"`

	// AccountID is the Cloudflare account identifier.
	AccountID string `mapstructure:"account_id" yaml:"account_id"`

	// NamespaceID is the KV namespace to operate on.
	NamespaceID string `mapstructure:"namespace_id" yaml:"namespace_id"`
}

// Validate checks that all required fields are present.
func (c *Config) Validate() error {
	if c.APIToken == "" {
		return fmt.Errorf("workerskv: api token is required")
	}
	if c.AccountID == "" {
		return fmt.Errorf("workerskv: account id is required")
	}
	if c.NamespaceID == "" {
		return fmt.Errorf("workerskv: namespace id is required")
	}
	return nil
}

// Store is the Workers KV adapter.
type Store struct {
	api       *cloudflare.API
	rc        *cloudflare.ResourceContainer
	namespace string
}

// New creates a Workers KV adapter from config.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	api, err := cloudflare.NewWithAPIToken(cfg.APIToken)
	if err != nil {
		return nil, fmt.Errorf("workerskv: create client: %w", err)
	}

	return &Store{
		api:       api,
		rc:        cloudflare.AccountIdentifier(cfg.AccountID),
		namespace: cfg.NamespaceID,
	}, nil
}

// Name implements kv.Store.
func (s *Store) Name() string { return ProviderName }

// Get implements kv.Store. A 404 from the API is reported as a miss,
// not an error.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.api.GetWorkersKV(ctx, s.rc, cloudflare.GetWorkersKVParams{
		NamespaceID: s.namespace,
		Key:         key,
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, s.wrap("get", err)
	}
	return value, true, nil
}

// Set implements kv.Store. TTLs below the Workers KV minimum are rounded
// up to it.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	pair := &cloudflare.WorkersKVPair{
		Key:   key,
		Value: string(value),
	}
	if ttl > 0 {
		if ttl < minTTL {
			ttl = minTTL
		}
		pair.ExpirationTTL = int(ttl.Seconds())
	}

	_, err := s.api.WriteWorkersKVEntries(ctx, s.rc, cloudflare.WriteWorkersKVEntriesParams{
		NamespaceID: s.namespace,
		KVs:         []*cloudflare.WorkersKVPair{pair},
	})
	if err != nil {
		return s.wrap("set", err)
	}
	return nil
}

// Delete implements kv.Store. Deleting an absent key succeeds.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.api.DeleteWorkersKVEntry(ctx, s.rc, cloudflare.DeleteWorkersKVEntryParams{
		NamespaceID: s.namespace,
		Key:         key,
	})
	if err != nil && !isNotFound(err) {
		return s.wrap("delete", err)
	}
	return nil
}

// ListKeys implements kv.Store, paginating with the API cursor.
func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	cursor := ""

	for {
		resp, err := s.api.ListWorkersKVKeys(ctx, s.rc, cloudflare.ListWorkersKVsParams{
			NamespaceID: s.namespace,
			Prefix:      prefix,
			Limit:       listPageLimit,
			Cursor:      cursor,
		})
		if err != nil {
			return nil, s.wrap("list_keys", err)
		}

		for _, k := range resp.Result {
			names = append(names, k.Name)
		}

		cursor = resp.ResultInfo.Cursor
		if cursor == "" {
			break
		}
	}

	return names, nil
}

// Disconnect implements kv.Store. The HTTP client holds no persistent
// connections worth tearing down.
func (s *Store) Disconnect(ctx context.Context) error { return nil }

// wrap classifies a Cloudflare API error into a kv.Error.
func (s *Store) wrap(op string, err error) error {
	kind := kv.KindOf(err)

	var rateErr *cloudflare.RatelimitError
	var authErr *cloudflare.AuthorizationError
	var authnErr *cloudflare.AuthenticationError
	var svcErr *cloudflare.ServiceError
	switch {
	case errors.As(err, &rateErr):
		kind = kv.KindRateLimit
	case errors.As(err, &authErr), errors.As(err, &authnErr):
		kind = kv.KindAuth
	case errors.As(err, &svcErr):
		kind = kv.KindNetwork
	}

	return kv.NewError(ProviderName, op, kind, err)
}

// isNotFound reports whether err is the API's key-not-found response.
func isNotFound(err error) bool {
	var nfErr *cloudflare.NotFoundError
	return errors.As(err, &nfErr) || kv.KindOf(err) == kv.KindNotFound
}
