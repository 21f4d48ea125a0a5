package lb

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relaymesh/pkg/cache"
	"github.com/relaymesh/relaymesh/pkg/coordinator"
	"github.com/relaymesh/relaymesh/pkg/kv/kvtest"
	"github.com/relaymesh/relaymesh/pkg/queue"
)

var testKeys = queue.SigningKeys{Current: "lb-signing-key"}

func newTestBalancer(t *testing.T) (*Balancer, *cache.Service) {
	t.Helper()
	svc, err := cache.NewService(cache.Config{
		Primary:     kvtest.New("primary"),
		MaxFailures: 3,
		L1TTLCap:    time.Minute,
	})
	require.NoError(t, err)
	return New(svc, Config{Keys: testKeys, InstanceTimeout: 15 * time.Minute}), svc
}

func registerInstance(t *testing.T, svc *cache.Service, id, url string, heartbeat time.Time) {
	t.Helper()
	record := coordinator.InstanceRecord{
		ID:            id,
		URL:           url,
		LastHeartbeat: heartbeat,
		Status:        coordinator.StatusActive,
	}
	err := svc.SetJSON(context.Background(), instanceKeyPrefix+id, &record, 0, cache.Options{SkipL1: true})
	require.NoError(t, err)
}

func signedRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/download", strings.NewReader(body))
	req.Header.Set("Signature", testKeys.Sign(ts, []byte(body)))
	req.Header.Set("Timestamp", ts)
	return req
}

func TestRejectsBadSignatureWith500(t *testing.T) {
	b, svc := newTestBalancer(t)
	registerInstance(t, svc, "a", "http://unused.test", time.Now())

	// A 4xx would make the queue provider drop the message for good;
	// verification failures must come back retryable.
	req := signedRequest(t, `{"task_id":"t1"}`)
	req.Header.Set("Signature", "v1a=bogus")
	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	req = signedRequest(t, `{"task_id":"t1"}`)
	req.Header.Del("Signature")
	rec = httptest.NewRecorder()
	b.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestNoActiveInstances(t *testing.T) {
	b, svc := newTestBalancer(t)
	// Only a dead instance is registered.
	registerInstance(t, svc, "a", "http://dead.test", time.Now().Add(-time.Hour))

	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, signedRequest(t, `{}`))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestForwardsSignedRequest(t *testing.T) {
	var gotBody atomic.Value
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody.Store(string(body))
		w.Header().Set("X-Handled-By", "backend-a")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer backend.Close()

	b, svc := newTestBalancer(t)
	registerInstance(t, svc, "a", backend.URL, time.Now())

	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, signedRequest(t, `{"task_id":"t1"}`))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, `{"ok":true}`, rec.Body.String())
	assert.Equal(t, "backend-a", rec.Header().Get("X-Handled-By"))
	assert.Equal(t, `{"task_id":"t1"}`, gotBody.Load())
}

func TestFailsOverOn5xx(t *testing.T) {
	var badHits, goodHits atomic.Int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		badHits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		goodHits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer good.Close()

	b, svc := newTestBalancer(t)
	registerInstance(t, svc, "a", bad.URL, time.Now())
	registerInstance(t, svc, "b", good.URL, time.Now())

	// Whatever the cursor starts at, a failing backend falls through to
	// the healthy one.
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		b.ServeHTTP(rec, signedRequest(t, `{}`))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	assert.GreaterOrEqual(t, goodHits.Load(), int32(2))
}

func TestAllInstancesFailing(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer bad.Close()

	b, svc := newTestBalancer(t)
	registerInstance(t, svc, "a", bad.URL, time.Now())
	registerInstance(t, svc, "b", bad.URL, time.Now())

	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, signedRequest(t, `{}`))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestClientErrorsAreRelayedNotRetried(t *testing.T) {
	var hits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer backend.Close()

	b, svc := newTestBalancer(t)
	registerInstance(t, svc, "a", backend.URL, time.Now())
	registerInstance(t, svc, "b", backend.URL, time.Now())

	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, signedRequest(t, `{}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, int32(1), hits.Load(), "a 4xx answer must not be retried")
}

func TestRoundRobinRotates(t *testing.T) {
	var aHits, bHits atomic.Int32
	backendA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		aHits.Add(1)
	}))
	defer backendA.Close()
	backendB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bHits.Add(1)
	}))
	defer backendB.Close()

	b, svc := newTestBalancer(t)
	registerInstance(t, svc, "a", backendA.URL, time.Now())
	registerInstance(t, svc, "b", backendB.URL, time.Now())

	for i := 0; i < 4; i++ {
		rec := httptest.NewRecorder()
		b.ServeHTTP(rec, signedRequest(t, `{}`))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, int32(2), aHits.Load())
	assert.Equal(t, int32(2), bHits.Load())
}

func TestActiveInstancesFiltersAndSorts(t *testing.T) {
	b, svc := newTestBalancer(t)
	registerInstance(t, svc, "b", "http://b.test", time.Now())
	registerInstance(t, svc, "a", "http://a.test", time.Now())
	registerInstance(t, svc, "c", "http://c.test", time.Now().Add(-time.Hour))

	active, err := b.ActiveInstances(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].ID)
	assert.Equal(t, "b", active[1].ID)
}

func TestForwardedHeaders(t *testing.T) {
	var forwardedFor, proto, origHost atomic.Value
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forwardedFor.Store(r.Header.Get("X-Forwarded-For"))
		proto.Store(r.Header.Get("X-Forwarded-Proto"))
		origHost.Store(r.Header.Get("X-Original-Host"))
	}))
	defer backend.Close()

	b, svc := newTestBalancer(t)
	registerInstance(t, svc, "a", backend.URL, time.Now())

	req := signedRequest(t, `{}`)
	req.RemoteAddr = "203.0.113.9:55555"
	req.Host = "hooks.example.com"
	rec := httptest.NewRecorder()
	b.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "203.0.113.9", forwardedFor.Load())
	assert.Equal(t, "http", proto.Load())
	assert.Equal(t, "hooks.example.com", origHost.Load())
}
