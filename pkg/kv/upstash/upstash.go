// Package upstash implements the kv.Store interface on top of the
// Upstash Redis REST API.
//
// Upstash exposes Redis commands over HTTPS: a POST of a JSON command
// array to the database URL, authorized with a bearer token. The REST
// protocol has no client library; the adapter speaks it directly.
package upstash

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/relaymesh/relaymesh/pkg/kv"
)

// ProviderName is the name reported by Name() and used in fail-over logs.
const ProviderName = "Upstash Redis"

// scanPageCount is the COUNT hint passed to SCAN while listing keys.
const scanPageCount = 1000

// Config holds the endpoint and credentials for an Upstash database.
type Config struct {
	// URL is the database REST endpoint, e.g. https://usw1-xxx.upstash.io
	URL string `mapstructure:"url" yaml:"url"`

	// Token is the REST bearer token.
	Token string `mapstructure:"token" yaml:"token"`

	// RequestTimeout bounds each REST call. Default: 10s.
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout,omitempty"`
}

// Validate checks that all required fields are present.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("upstash: url is required")
	}
	if c.Token == "" {
		return fmt.Errorf("upstash: token is required")
	}
	return nil
}

// Store is the Upstash REST adapter.
type Store struct {
	url    string
	token  string
	client *http.Client
}

// New creates an Upstash adapter from config.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Store{
		url:    cfg.URL,
		token:  cfg.Token,
		client: &http.Client{Timeout: timeout},
	}, nil
}

// restResponse is the envelope every REST call returns.
type restResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// command POSTs a single Redis command array and returns the raw result.
func (s *Store) command(ctx context.Context, op string, args ...any) (json.RawMessage, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return nil, kv.NewError(ProviderName, op, kv.KindOther, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return nil, kv.NewError(ProviderName, op, kv.KindOther, err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, kv.NewError(ProviderName, op, kv.KindNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, kv.NewError(ProviderName, op, kv.KindNetwork, err)
	}

	var out restResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, kv.NewError(ProviderName, op, kv.KindOther,
			fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err))
	}

	if out.Error != "" {
		kind := kv.ClassifyStatus(resp.StatusCode)
		if kind == kv.KindOther {
			kind = kv.KindOf(fmt.Errorf("%s", out.Error))
		}
		return nil, kv.NewError(ProviderName, op, kind, fmt.Errorf("%s", out.Error))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, kv.NewError(ProviderName, op, kv.ClassifyStatus(resp.StatusCode),
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	return out.Result, nil
}

// Name implements kv.Store.
func (s *Store) Name() string { return ProviderName }

// Get implements kv.Store. A Redis nil reply is a miss.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	result, err := s.command(ctx, "get", "GET", key)
	if err != nil {
		return nil, false, err
	}
	if string(result) == "null" {
		return nil, false, nil
	}

	var value string
	if err := json.Unmarshal(result, &value); err != nil {
		return nil, false, kv.NewError(ProviderName, "get", kv.KindOther, err)
	}
	return []byte(value), true, nil
}

// Set implements kv.Store, using SET with EX for TTLs.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	args := []any{"SET", key, string(value)}
	if ttl > 0 {
		seconds := int(ttl.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		args = append(args, "EX", seconds)
	}
	_, err := s.command(ctx, "set", args...)
	return err
}

// Delete implements kv.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.command(ctx, "delete", "DEL", key)
	return err
}

// ListKeys implements kv.Store, walking the keyspace with SCAN so large
// databases are not blocked the way KEYS would.
func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	cursor := "0"

	for {
		result, err := s.command(ctx, "list_keys",
			"SCAN", cursor, "MATCH", prefix+"*", "COUNT", scanPageCount)
		if err != nil {
			return nil, err
		}

		// SCAN replies [next-cursor, [keys...]]
		var page []json.RawMessage
		if err := json.Unmarshal(result, &page); err != nil || len(page) != 2 {
			return nil, kv.NewError(ProviderName, "list_keys", kv.KindOther,
				fmt.Errorf("malformed scan reply"))
		}
		if err := json.Unmarshal(page[0], &cursor); err != nil {
			return nil, kv.NewError(ProviderName, "list_keys", kv.KindOther, err)
		}
		var keys []string
		if err := json.Unmarshal(page[1], &keys); err != nil {
			return nil, kv.NewError(ProviderName, "list_keys", kv.KindOther, err)
		}
		names = append(names, keys...)

		if cursor == "0" {
			break
		}
	}

	return names, nil
}

// Disconnect implements kv.Store.
func (s *Store) Disconnect(ctx context.Context) error {
	s.client.CloseIdleConnections()
	return nil
}
