// Package queue is the facade over the at-least-once messaging
// transport: envelope enrichment, fixed relay topics, webhook signature
// verification, and a circuit breaker guarding the transport.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/relaymesh/relaymesh/internal/logger"
)

// Fixed relay topics.
const (
	TopicDownload     = "download"
	TopicUpload       = "upload"
	TopicSystemEvents = "system-events"
	TopicStateSync    = "state_sync"
	TopicCacheSync    = "cache_sync"
	TopicBatchEvents  = "batch_events"
)

// Meta is the envelope metadata attached to every published message
// under the "_meta" field.
type Meta struct {
	TriggerSource string `json:"trigger_source"`
	Timestamp     int64  `json:"timestamp"`
	InstanceID    string `json:"instance_id"`
	Caller        string `json:"caller"`
}

// PublishOptions tune a single publish.
type PublishOptions struct {
	// TriggerSource labels what initiated the message. Default:
	// Config.TriggerSource.
	TriggerSource string

	// Caller identifies the publishing component.
	Caller string
}

// BatchEntry is one message in a batch publish.
type BatchEntry struct {
	Topic   string
	Message any
	Options PublishOptions
}

// Provider is the pluggable transport. It must deliver at least once.
type Provider interface {
	// Publish posts the signed body to the topic endpoint URL.
	Publish(ctx context.Context, url string, body []byte, headers map[string]string) error
}

// InstanceIDProvider yields the local instance id stamped on envelopes.
type InstanceIDProvider interface {
	InstanceID() string
}

// Config holds queue service wiring.
type Config struct {
	// WebhookBase is the base URL messages are posted to; the topic
	// endpoint is <WebhookBase>/api/tasks/<topic>.
	WebhookBase string

	// Keys signs outbound messages and verifies inbound webhooks.
	Keys SigningKeys

	// TriggerSource is the default trigger label. Default: "relay".
	TriggerSource string

	// Instance stamps envelopes with the local id. May be nil in tests.
	Instance InstanceIDProvider

	// Breaker tunes the transport circuit breaker.
	Breaker BreakerConfig

	// RequestTimeout bounds each transport call. Default: 15s.
	RequestTimeout time.Duration
}

// Service is the queue facade.
type Service struct {
	cfg      Config
	provider Provider
	breaker  *CircuitBreaker
}

// NewService creates the queue facade. A nil provider gets the default
// HTTP transport.
func NewService(cfg Config, provider Provider) (*Service, error) {
	if cfg.WebhookBase == "" {
		return nil, fmt.Errorf("queue: webhook base url is required")
	}
	if cfg.TriggerSource == "" {
		cfg.TriggerSource = "relay"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if provider == nil {
		provider = &HTTPProvider{Client: &http.Client{Timeout: cfg.RequestTimeout}}
	}
	return &Service{
		cfg:      cfg,
		provider: provider,
		breaker:  NewCircuitBreaker(cfg.Breaker),
	}, nil
}

// topicURL builds the endpoint for a topic.
func (s *Service) topicURL(topic string) string {
	return strings.TrimSuffix(s.cfg.WebhookBase, "/") + "/api/tasks/" + topic
}

// envelope enriches message with _meta and marshals it.
func (s *Service) envelope(message any, opts PublishOptions) ([]byte, error) {
	raw, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("queue: encode message: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		// Non-object messages are wrapped rather than rejected.
		fields = map[string]any{"payload": json.RawMessage(raw)}
	}

	source := opts.TriggerSource
	if source == "" {
		source = s.cfg.TriggerSource
	}
	instanceID := ""
	if s.cfg.Instance != nil {
		instanceID = s.cfg.Instance.InstanceID()
	}
	fields["_meta"] = Meta{
		TriggerSource: source,
		Timestamp:     time.Now().UnixMilli(),
		InstanceID:    instanceID,
		Caller:        opts.Caller,
	}
	return json.Marshal(fields)
}

// Publish enriches message and posts it to the topic endpoint through
// the circuit breaker.
func (s *Service) Publish(ctx context.Context, topic string, message any, opts PublishOptions) error {
	body, err := s.envelope(message, opts)
	if err != nil {
		return err
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	headers := map[string]string{
		"Content-Type": "application/json",
		"Signature":    s.cfg.Keys.Sign(timestamp, body),
		"Timestamp":    timestamp,
	}

	url := s.topicURL(topic)
	err = s.breaker.Execute(func() error {
		return s.provider.Publish(ctx, url, body, headers)
	}, nil)
	if err != nil {
		logger.Warn("queue publish failed",
			logger.KeyTopic, topic, logger.KeyError, err.Error())
		return fmt.Errorf("queue publish %s: %w", topic, err)
	}

	logger.Debug("queue published", logger.KeyTopic, topic)
	return nil
}

// BatchPublish publishes each entry with the same envelope enrichment.
// The first failure aborts and is returned.
func (s *Service) BatchPublish(ctx context.Context, entries []BatchEntry) error {
	for i, entry := range entries {
		if err := s.Publish(ctx, entry.Topic, entry.Message, entry.Options); err != nil {
			return fmt.Errorf("batch publish entry %d: %w", i, err)
		}
	}
	return nil
}

// EnqueueDownloadTask publishes a download task envelope.
func (s *Service) EnqueueDownloadTask(ctx context.Context, taskID string, data map[string]any) error {
	return s.publishTask(ctx, TopicDownload, taskID, data)
}

// EnqueueUploadTask publishes an upload task envelope.
func (s *Service) EnqueueUploadTask(ctx context.Context, taskID string, data map[string]any) error {
	return s.publishTask(ctx, TopicUpload, taskID, data)
}

func (s *Service) publishTask(ctx context.Context, topic, taskID string, data map[string]any) error {
	message := map[string]any{"task_id": taskID}
	for k, v := range data {
		message[k] = v
	}
	return s.Publish(ctx, topic, message, PublishOptions{Caller: "task-manager"})
}

// BroadcastSystemEvent publishes an event on the system-events topic.
func (s *Service) BroadcastSystemEvent(ctx context.Context, event string, data map[string]any) error {
	message := map[string]any{"event": event}
	for k, v := range data {
		message[k] = v
	}
	return s.Publish(ctx, TopicSystemEvents, message, PublishOptions{Caller: "system"})
}

// VerifyWebhookSignature checks an inbound webhook MAC against the
// current and next signing keys.
func (s *Service) VerifyWebhookSignature(signature, timestamp string, body []byte) bool {
	return s.cfg.Keys.Verify(signature, timestamp, body)
}

// CircuitBreakerStatus returns a snapshot of the transport breaker.
func (s *Service) CircuitBreakerStatus() BreakerStatus {
	return s.breaker.Status()
}

// ResetCircuitBreaker forces the transport breaker to CLOSED.
func (s *Service) ResetCircuitBreaker() {
	s.breaker.Reset()
}

// HTTPProvider is the default transport: a plain signed POST per
// message. The upstream queue redelivers on non-2xx, giving the
// at-least-once property.
type HTTPProvider struct {
	Client *http.Client
}

// Publish implements Provider.
func (p *HTTPProvider) Publish(ctx context.Context, url string, body []byte, headers map[string]string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	// Drain so the connection is reusable.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("transport status %d", resp.StatusCode)
	}
	return nil
}
