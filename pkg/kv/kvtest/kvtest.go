// Package kvtest provides an in-memory kv.Store for tests: TTL-aware,
// concurrency-safe, with per-operation failure injection.
package kvtest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/relaymesh/relaymesh/pkg/kv"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Store is the in-memory fake.
type Store struct {
	name string

	mu      sync.Mutex
	data    map[string]entry
	now     func() time.Time
	failGet error
	failSet error
	failAll error

	gets, sets, deletes, lists int
}

// New creates an empty store with the given provider name.
func New(name string) *Store {
	return &Store{
		name: name,
		data: make(map[string]entry),
		now:  time.Now,
	}
}

func (s *Store) Name() string { return s.name }

// FailNext makes every subsequent call return err until cleared with
// FailNext(nil).
func (s *Store) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAll = err
}

// FailGets makes Get calls return err until cleared.
func (s *Store) FailGets(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failGet = err
}

// FailSets makes Set calls return err until cleared.
func (s *Store) FailSets(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSet = err
}

// Calls reports the operation counts (gets, sets, deletes, lists).
func (s *Store) Calls() (gets, sets, deletes, lists int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets, s.sets, s.deletes, s.lists
}

// SetNow overrides the clock used for TTL expiry.
func (s *Store) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.failAll != nil {
		return nil, false, s.failAll
	}
	if s.failGet != nil {
		return nil, false, s.failGet
	}
	e, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && s.now().After(e.expiresAt) {
		delete(s.data, key)
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets++
	if s.failAll != nil {
		return s.failAll
	}
	if s.failSet != nil {
		return s.failSet
	}
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.data[key] = e
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	if s.failAll != nil {
		return s.failAll
	}
	delete(s.data, key)
	return nil
}

func (s *Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists++
	if s.failAll != nil {
		return nil, s.failAll
	}
	var names []string
	now := s.now()
	for k, e := range s.data {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			names = append(names, k)
		}
	}
	return names, nil
}

func (s *Store) Disconnect(ctx context.Context) error { return nil }

// RetryableErr builds a classified retryable error for failure
// injection.
func RetryableErr(msg string) error {
	return kv.NewError("kvtest", "op", kv.KindQuotaExhausted, errString(msg))
}

// FatalErr builds a non-retryable error.
func FatalErr(msg string) error {
	return kv.NewError("kvtest", "op", kv.KindAuth, errString(msg))
}

type errString string

func (e errString) Error() string { return string(e) }
