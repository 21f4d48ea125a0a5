package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/relaymesh/relaymesh/internal/logger"
	"github.com/relaymesh/relaymesh/pkg/kv"
)

// Default tuning values for the cache service.
const (
	DefaultMaxFailures   = 3
	DefaultL1TTLCap      = 60 * time.Second
	DefaultProbeInterval = 60 * time.Second
	DefaultHealthKey     = "health:probe"

	// ttlJitterFraction bounds the random TTL jitter applied to L2
	// writes (up to 10% of the requested TTL).
	ttlJitterFraction = 0.1
)

// Options tune a single cache call.
type Options struct {
	// SkipL1 bypasses the in-process tier on both read and write.
	SkipL1 bool

	// SkipCache bypasses write suppression: the write always reaches L2.
	SkipCache bool

	// CacheTTL overrides the TTL used for the L1 copy of a read result.
	CacheTTL time.Duration

	// SkipTTLRandomization disables the TTL jitter on L2 writes.
	SkipTTLRandomization bool
}

// Metrics is the optional instrumentation hook the service reports into.
type Metrics interface {
	CacheHit(tier string)
	CacheMiss()
	CacheFailover(from, to string)
	CacheRecovery(provider string)
}

// Config holds the cache service wiring.
type Config struct {
	// Primary is the preferred L2 provider.
	Primary kv.Store

	// Fallback is the secondary L2 provider. May be nil, in which case
	// fail-over is disabled.
	Fallback kv.Store

	// PreferredProvider pins the provider considered "home". Defaults to
	// the primary's name. When the active provider equals the preferred
	// one the service is not in fail-over mode, even if that provider is
	// the configured fallback.
	PreferredProvider string

	// MaxFailures is the retryable-error budget before fail-over.
	// Default: 3.
	MaxFailures int

	// L1TTLCap bounds the lifetime of derived L1 copies. Default: 60s.
	L1TTLCap time.Duration

	// ProbeInterval is how often the recovery probe checks the primary.
	// Default: 60s.
	ProbeInterval time.Duration

	// HealthKey is the key read by the recovery probe.
	HealthKey string

	// Metrics receives instrumentation callbacks. May be nil.
	Metrics Metrics
}

func (c *Config) applyDefaults() {
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.L1TTLCap <= 0 {
		c.L1TTLCap = DefaultL1TTLCap
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.HealthKey == "" {
		c.HealthKey = DefaultHealthKey
	}
	if c.PreferredProvider == "" && c.Primary != nil {
		c.PreferredProvider = c.Primary.Name()
	}
}

// Service is the two-tier cache with sticky L2 fail-over.
//
// Fail-over state machine: each retryable L2 error increments the
// failure counter; reaching the budget flips the active provider once
// and zeroes the counter. Ordinary successes never reset the counter;
// only the flip itself or a recovery-probe success does.
type Service struct {
	l1  *L1
	cfg Config

	mu          sync.Mutex
	primary     kv.Store
	fallback    kv.Store
	onFallback  bool
	failures    int
	lastFailure time.Time

	probeStop chan struct{}
	probeDone chan struct{}
	probeOnce sync.Once
}

// NewService creates a cache service over the given providers.
func NewService(cfg Config) (*Service, error) {
	if cfg.Primary == nil {
		return nil, fmt.Errorf("cache: primary provider is required")
	}
	cfg.applyDefaults()

	return &Service{
		l1:       NewL1(),
		cfg:      cfg,
		primary:  cfg.Primary,
		fallback: cfg.Fallback,
	}, nil
}

// Initialize starts the recovery probe. Idempotent.
func (s *Service) Initialize(ctx context.Context) error {
	if s.fallback == nil {
		return nil // nothing to recover to or from
	}
	s.probeOnce.Do(func() {
		s.probeStop = make(chan struct{})
		s.probeDone = make(chan struct{})
		go s.recoveryLoop()
	})
	return nil
}

// Destroy stops the probe and disconnects both providers.
func (s *Service) Destroy(ctx context.Context) error {
	s.StopRecoveryProbe()

	var firstErr error
	if err := s.primary.Disconnect(ctx); err != nil {
		firstErr = err
	}
	if s.fallback != nil {
		if err := s.fallback.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StopRecoveryProbe halts the background probe. Exposed for tests and
// for the shutdown hook.
func (s *Service) StopRecoveryProbe() {
	s.mu.Lock()
	stop := s.probeStop
	done := s.probeDone
	s.probeStop = nil
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// CurrentProvider returns the active provider's name.
func (s *Service) CurrentProvider() string {
	return s.active().Name()
}

// IsFailoverMode reports whether the active provider differs from the
// configured preferred provider. Informational only.
func (s *Service) IsFailoverMode() bool {
	return s.active().Name() != s.cfg.PreferredProvider
}

// FailureCount returns the current retryable-error count.
func (s *Service) FailureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// L1 exposes the in-process tier for callers that manage derived
// entries directly (the consistent cache and state synchronizer).
func (s *Service) L1() *L1 { return s.l1 }

func (s *Service) active() kv.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onFallback && s.fallback != nil {
		return s.fallback
	}
	return s.primary
}

// recordFailure counts a retryable error and flips the provider when the
// budget is exhausted. Returns the provider to retry against, or nil if
// no flip happened.
func (s *Service) recordFailure(err error) kv.Store {
	if !kv.IsRetryable(err) {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures++
	s.lastFailure = time.Now()

	if s.failures < s.cfg.MaxFailures || s.fallback == nil {
		return nil
	}

	// Flip once and zero the counter. When already on the fallback the
	// flip returns to the primary; a two-provider pair simply alternates.
	from, to := s.primary, s.fallback
	if s.onFallback {
		from, to = s.fallback, s.primary
	}
	s.onFallback = !s.onFallback
	s.failures = 0

	logger.Warn("cache provider fail-over",
		"from", from.Name(), "to", to.Name(), logger.KeyError, err.Error())
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.CacheFailover(from.Name(), to.Name())
	}
	return to
}

// withFailover runs op against the active provider, retrying exactly
// once against the new provider if the call triggered a fail-over.
func (s *Service) withFailover(op func(store kv.Store) error) error {
	store := s.active()
	err := op(store)
	if err == nil {
		return nil
	}

	if next := s.recordFailure(err); next != nil {
		return op(next)
	}
	return err
}

// Get reads key, L1 first unless opts.SkipL1.
//
// On an L2 hit the value is copied into L1 with min(opts.CacheTTL,
// L1TTLCap). On an L2 failure L1 is left untouched and the classified
// error is returned.
func (s *Service) Get(ctx context.Context, key string, opts Options) ([]byte, bool, error) {
	if !opts.SkipL1 {
		if v, ok := s.l1.Get(key); ok {
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.CacheHit("l1")
			}
			return v, true, nil
		}
	}

	var value []byte
	var found bool
	err := s.withFailover(func(store kv.Store) error {
		v, ok, err := store.Get(ctx, key)
		if err != nil {
			return err
		}
		value, found = v, ok
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if !found {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.CacheMiss()
		}
		return nil, false, nil
	}

	if !opts.SkipL1 {
		s.l1.Set(key, value, s.l1TTL(opts.CacheTTL))
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.CacheHit("l2")
	}
	return value, true, nil
}

// Set writes key through to L2 and updates L1.
//
// Write suppression: when the L1 copy is byte-identical and unexpired
// (and opts.SkipCache is false) the L2 call is skipped entirely.
// A failed L2 write still refreshes L1 (unless opts.SkipL1) so local
// readers keep a defensive copy, and the error is returned.
func (s *Service) Set(ctx context.Context, key string, value []byte, ttl time.Duration, opts Options) error {
	if !opts.SkipCache && s.l1.IsUnchanged(key, value) {
		return nil
	}

	writeTTL := ttl
	if writeTTL > 0 && !opts.SkipTTLRandomization {
		writeTTL += jitter(writeTTL)
	}

	err := s.withFailover(func(store kv.Store) error {
		return store.Set(ctx, key, value, writeTTL)
	})

	if !opts.SkipL1 {
		s.l1.Set(key, value, s.l1TTL(ttl))
	}

	if err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	return nil
}

// Delete removes key from L2 and L1.
func (s *Service) Delete(ctx context.Context, key string) error {
	err := s.withFailover(func(store kv.Store) error {
		return store.Delete(ctx, key)
	})
	s.l1.Delete(key)
	if err != nil {
		return fmt.Errorf("cache delete %q: %w", key, err)
	}
	return nil
}

// ListKeys lists L2 key names with the given prefix.
func (s *Service) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	err := s.withFailover(func(store kv.Store) error {
		n, err := store.ListKeys(ctx, prefix)
		if err != nil {
			return err
		}
		names = n
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cache list %q: %w", prefix, err)
	}
	return names, nil
}

// GetJSON reads key and unmarshals into out. Returns (false, nil) on miss.
func (s *Service) GetJSON(ctx context.Context, key string, out any, opts Options) (bool, error) {
	raw, found, err := s.Get(ctx, key, opts)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("cache decode %q: %w", key, err)
	}
	return true, nil
}

// SetJSON marshals v and writes it under key.
func (s *Service) SetJSON(ctx context.Context, key string, v any, ttl time.Duration, opts Options) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %q: %w", key, err)
	}
	return s.Set(ctx, key, raw, ttl, opts)
}

// l1TTL caps the lifetime of a derived L1 copy.
func (s *Service) l1TTL(requested time.Duration) time.Duration {
	if requested <= 0 || requested > s.cfg.L1TTLCap {
		return s.cfg.L1TTLCap
	}
	return requested
}

// recoveryLoop periodically probes the primary provider while on the
// fallback. A successful health read switches back and zeroes counters.
func (s *Service) recoveryLoop() {
	defer close(s.probeDone)

	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.probeStop:
			return
		case <-ticker.C:
			s.probePrimary()
		}
	}
}

// probePrimary runs one health read against the primary. Exposed for
// tests through ProbeNow.
func (s *Service) probePrimary() {
	s.mu.Lock()
	onFallback := s.onFallback
	s.mu.Unlock()
	if !onFallback {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, _, err := s.primary.Get(ctx, s.cfg.HealthKey); err != nil {
		logger.Debug("cache recovery probe failed",
			"provider", s.primary.Name(), logger.KeyError, err.Error())
		return
	}

	s.mu.Lock()
	s.onFallback = false
	s.failures = 0
	s.mu.Unlock()

	logger.Info("cache provider recovered", "provider", s.primary.Name())
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.CacheRecovery(s.primary.Name())
	}
}

// ProbeNow forces one recovery probe synchronously. For tests.
func (s *Service) ProbeNow() { s.probePrimary() }

// jitter returns a random addition of up to ttlJitterFraction of ttl.
func jitter(ttl time.Duration) time.Duration {
	max := int64(float64(ttl) * ttlJitterFraction)
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(max))
}
