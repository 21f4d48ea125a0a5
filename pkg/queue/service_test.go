package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

type fakeProvider struct {
	calls   []publishCall
	failErr error
}

type publishCall struct {
	url     string
	body    []byte
	headers map[string]string
}

func (p *fakeProvider) Publish(ctx context.Context, url string, body []byte, headers map[string]string) error {
	p.calls = append(p.calls, publishCall{url: url, body: body, headers: headers})
	return p.failErr
}

type staticInstance string

func (s staticInstance) InstanceID() string { return string(s) }

func newTestService(t *testing.T, provider Provider) *Service {
	t.Helper()
	svc, err := NewService(Config{
		WebhookBase: "https://hooks.example.com/",
		Keys:        SigningKeys{Current: "signing-key"},
		Instance:    staticInstance("inst-1"),
		Breaker:     BreakerConfig{FailureThreshold: 2},
	}, provider)
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	return svc
}

func TestPublishSignsAndEnriches(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{}
	svc := newTestService(t, provider)

	err := svc.Publish(ctx, TopicDownload, map[string]any{"task_id": "t1"}, PublishOptions{Caller: "test"})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if len(provider.calls) != 1 {
		t.Fatalf("expected 1 provider call, got %d", len(provider.calls))
	}
	call := provider.calls[0]

	if call.url != "https://hooks.example.com/api/tasks/download" {
		t.Errorf("unexpected url: %s", call.url)
	}

	// The signature must verify against the body actually sent.
	keys := SigningKeys{Current: "signing-key"}
	if !keys.Verify(call.headers["Signature"], call.headers["Timestamp"], call.body) {
		t.Error("published signature does not verify")
	}

	var fields map[string]any
	if err := json.Unmarshal(call.body, &fields); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if fields["task_id"] != "t1" {
		t.Errorf("message field lost: %v", fields)
	}
	meta, ok := fields["_meta"].(map[string]any)
	if !ok {
		t.Fatalf("missing _meta: %v", fields)
	}
	if meta["instance_id"] != "inst-1" {
		t.Errorf("missing instance id in _meta: %v", meta)
	}
	if meta["caller"] != "test" {
		t.Errorf("missing caller in _meta: %v", meta)
	}
	if meta["trigger_source"] != "relay" {
		t.Errorf("expected default trigger source, got %v", meta["trigger_source"])
	}
}

func TestPublishWrapsNonObjectMessages(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{}
	svc := newTestService(t, provider)

	if err := svc.Publish(ctx, TopicSystemEvents, "plain string", PublishOptions{}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(provider.calls[0].body, &fields); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if fields["payload"] != "plain string" {
		t.Errorf("non-object message not wrapped: %v", fields)
	}
}

func TestPublishOpensBreakerAndRejects(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{failErr: errors.New("transport down")}
	svc := newTestService(t, provider)

	for i := 0; i < 2; i++ {
		if err := svc.Publish(ctx, TopicUpload, map[string]any{}, PublishOptions{}); err == nil {
			t.Fatal("expected publish failure")
		}
	}
	if got := svc.CircuitBreakerStatus().State; got != "OPEN" {
		t.Fatalf("expected OPEN breaker, got %s", got)
	}

	// The next publish is rejected without reaching the provider.
	callsBefore := len(provider.calls)
	err := svc.Publish(ctx, TopicUpload, map[string]any{}, PublishOptions{})
	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("expected ErrBreakerOpen, got %v", err)
	}
	if len(provider.calls) != callsBefore {
		t.Error("provider was called while breaker OPEN")
	}

	svc.ResetCircuitBreaker()
	if got := svc.CircuitBreakerStatus().State; got != "CLOSED" {
		t.Errorf("expected CLOSED after reset, got %s", got)
	}
}

func TestEnqueueTaskTopics(t *testing.T) {
	ctx := context.Background()
	provider := &fakeProvider{}
	svc := newTestService(t, provider)

	if err := svc.EnqueueDownloadTask(ctx, "t1", map[string]any{"chat_id": 7}); err != nil {
		t.Fatalf("EnqueueDownloadTask failed: %v", err)
	}
	if err := svc.EnqueueUploadTask(ctx, "t2", nil); err != nil {
		t.Fatalf("EnqueueUploadTask failed: %v", err)
	}

	if !strings.HasSuffix(provider.calls[0].url, "/api/tasks/download") {
		t.Errorf("download url wrong: %s", provider.calls[0].url)
	}
	if !strings.HasSuffix(provider.calls[1].url, "/api/tasks/upload") {
		t.Errorf("upload url wrong: %s", provider.calls[1].url)
	}

	var fields map[string]any
	_ = json.Unmarshal(provider.calls[0].body, &fields)
	if fields["task_id"] != "t1" || fields["chat_id"] != float64(7) {
		t.Errorf("task payload wrong: %v", fields)
	}
}

func TestVerifyWebhookSignature(t *testing.T) {
	provider := &fakeProvider{}
	svc := newTestService(t, provider)

	body := []byte("payload")
	sig := SigningKeys{Current: "signing-key"}.Sign("123", body)

	if !svc.VerifyWebhookSignature(sig, "123", body) {
		t.Error("valid webhook signature rejected")
	}
	if svc.VerifyWebhookSignature(sig, "124", body) {
		t.Error("tampered timestamp accepted")
	}
}
