// Package lb is the load balancer frontend: it verifies signed
// webhooks, discovers active relay instances from the coordination
// store, and forwards requests round-robin with retry on 5xx.
package lb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/relaymesh/relaymesh/internal/logger"
	"github.com/relaymesh/relaymesh/pkg/cache"
	"github.com/relaymesh/relaymesh/pkg/coordinator"
	"github.com/relaymesh/relaymesh/pkg/queue"
)

const (
	instanceKeyPrefix = "instance:"
	roundRobinKey     = "lb:round_robin_index"

	maxBodyBytes = 32 << 20 // 32 MiB
)

// Config tunes the balancer.
type Config struct {
	// Keys verifies inbound webhook signatures.
	Keys queue.SigningKeys

	// InstanceTimeout is the active-set cutoff. Default: 15m.
	InstanceTimeout time.Duration

	// RequestTimeout bounds each forwarded request. Default: 30s.
	RequestTimeout time.Duration
}

// Balancer is the load balancer. Its coordination-store reads go
// through the same fail-over cache service the instances use.
type Balancer struct {
	store  *cache.Service
	cfg    Config
	client *http.Client
}

// New creates a balancer over the coordination store.
func New(store *cache.Service, cfg Config) *Balancer {
	if cfg.InstanceTimeout <= 0 {
		cfg.InstanceTimeout = 15 * time.Minute
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Balancer{
		store:  store,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// ServeHTTP verifies the webhook signature and forwards the request to
// an active instance.
//
// Signature problems are answered with 500 rather than 401: upstream
// queue providers treat 4xx as permanent and drop the message, while
// 5xx triggers redelivery, which is what a possibly-transient
// verification failure (key rotation mid-flight) needs.
func (b *Balancer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}

	signature := r.Header.Get("Signature")
	timestamp := r.Header.Get("Timestamp")
	if signature == "" || timestamp == "" {
		logger.Warn("webhook missing signature headers", "path", r.URL.Path)
		http.Error(w, "verification failed", http.StatusInternalServerError)
		return
	}
	if !b.cfg.Keys.Verify(signature, timestamp, body) {
		logger.Warn("webhook signature mismatch", "path", r.URL.Path)
		http.Error(w, "verification failed", http.StatusInternalServerError)
		return
	}

	instances, err := b.ActiveInstances(r.Context())
	if err != nil {
		logger.Error("instance discovery failed", logger.KeyError, err.Error())
		http.Error(w, "discovery failed", http.StatusInternalServerError)
		return
	}
	if len(instances) == 0 {
		http.Error(w, "no active instances", http.StatusServiceUnavailable)
		return
	}

	start := b.nextIndex(r.Context(), len(instances))
	for i := range instances {
		target := instances[(start+i)%len(instances)]
		status, err := b.forward(r, target, body, w)
		if err == nil {
			logger.Debug("request forwarded",
				logger.KeyInstanceID, target.ID, "path", r.URL.Path, logger.KeyStatus, status)
			return
		}
		logger.Warn("forward failed, trying next instance",
			logger.KeyInstanceID, target.ID, logger.KeyError, err.Error())
	}

	http.Error(w, "all instances failed", http.StatusBadGateway)
}

// ActiveInstances reads the registry and filters to live records,
// sorted by id for stable ordering.
func (b *Balancer) ActiveInstances(ctx context.Context) ([]coordinator.InstanceRecord, error) {
	keys, err := b.store.ListKeys(ctx, instanceKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("lb discovery: %w", err)
	}

	now := time.Now()
	var active []coordinator.InstanceRecord
	for _, key := range keys {
		var record coordinator.InstanceRecord
		found, err := b.store.GetJSON(ctx, key, &record, cache.Options{SkipL1: true})
		if err != nil || !found {
			continue
		}
		if record.Alive(now, b.cfg.InstanceTimeout) {
			active = append(active, record)
		}
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })
	return active, nil
}

// nextIndex reads and advances the persisted round-robin cursor. The
// counter is deliberately racy: skew only shifts load, it cannot break
// correctness.
func (b *Balancer) nextIndex(ctx context.Context, n int) int {
	index := 0
	raw, found, err := b.store.Get(ctx, roundRobinKey, cache.Options{SkipL1: true})
	if err == nil && found {
		if parsed, pErr := strconv.Atoi(string(raw)); pErr == nil {
			index = parsed
		}
	}

	next := strconv.Itoa(index + 1)
	if err := b.store.Set(ctx, roundRobinKey, []byte(next), 24*time.Hour, cache.Options{SkipL1: true, SkipTTLRandomization: true}); err != nil {
		logger.Debug("round robin persist failed", logger.KeyError, err.Error())
	}
	return index % n
}

// forward posts the original body to the target instance. Any 5xx or
// transport error reports failure so the caller tries the next
// instance; everything else is relayed to the client as-is.
func (b *Balancer) forward(r *http.Request, target coordinator.InstanceRecord, body []byte, w http.ResponseWriter) (int, error) {
	url := strings.TrimSuffix(target.URL, "/") + r.URL.RequestURI()
	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}

	req.Header = r.Header.Clone()
	req.Header.Set("X-Forwarded-For", clientIP(r))
	req.Header.Set("X-Forwarded-Proto", scheme(r))
	req.Header.Set("X-Original-Host", r.Host)

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, fmt.Errorf("instance returned %d", resp.StatusCode)
	}

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
	return resp.StatusCode, nil
}

func clientIP(r *http.Request) string {
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		return prior
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}

func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
