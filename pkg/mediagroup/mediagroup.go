// Package mediagroup buffers related inbound messages per chat and
// emits them as one group when either a size threshold is hit or a
// short timer fires.
package mediagroup

import (
	"sync"
	"time"

	"github.com/relaymesh/relaymesh/internal/logger"
)

// Defaults.
const (
	DefaultThreshold     = 3
	DefaultBufferTimeout = time.Second
	DefaultDedupWindow   = 5 * time.Minute
)

// Message is one buffered inbound message.
type Message struct {
	ID         int64          `json:"id"`
	ChatID     int64          `json:"chat_id"`
	GroupID    string         `json:"group_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

// Group is an emitted message group.
type Group struct {
	ChatID    int64     `json:"chat_id"`
	Messages  []Message `json:"messages"`
	StartedAt time.Time `json:"started_at"`
}

// Handler receives completed groups.
type Handler func(group Group)

// Config tunes the buffer.
type Config struct {
	// Threshold emits the group as soon as this many messages are
	// buffered. Default: 3.
	Threshold int

	// BufferTimeout emits whatever is buffered when no new message
	// arrives in time. Default: 1s.
	BufferTimeout time.Duration

	// DedupWindow is how long a seen message id blocks re-adds.
	// Default: 5m.
	DedupWindow time.Duration
}

func (c *Config) applyDefaults() {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.BufferTimeout <= 0 {
		c.BufferTimeout = DefaultBufferTimeout
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}
}

type chatBuffer struct {
	messages   []Message
	startedAt  time.Time
	timer      *time.Timer
	processing bool
}

// Buffer groups messages per chat.
type Buffer struct {
	cfg     Config
	handler Handler

	mu    sync.Mutex
	chats map[int64]*chatBuffer
	seen  map[int64]time.Time // message id -> first seen
}

// New creates a buffer that emits groups to handler.
func New(cfg Config, handler Handler) *Buffer {
	cfg.applyDefaults()
	return &Buffer{
		cfg:     cfg,
		handler: handler,
		chats:   make(map[int64]*chatBuffer),
		seen:    make(map[int64]time.Time),
	}
}

// AddResult reports what Add did with a message.
type AddResult struct {
	Accepted bool
	Reason   string // "already_processing" or "duplicate" when rejected
	Emitted  bool   // true iff this add caused a group emission
}

// Add appends msg to its chat buffer, arming or re-arming the flush
// timer. The group is emitted when the buffer reaches the threshold.
// Messages for a chat whose buffer is mid-emission are rejected, as
// are message ids seen inside the dedup window.
func (b *Buffer) Add(msg Message) AddResult {
	b.mu.Lock()

	if seenAt, ok := b.seen[msg.ID]; ok && time.Since(seenAt) < b.cfg.DedupWindow {
		b.mu.Unlock()
		return AddResult{Reason: "duplicate"}
	}

	cb := b.chats[msg.ChatID]
	if cb != nil && cb.processing {
		b.mu.Unlock()
		return AddResult{Reason: "already_processing"}
	}
	if cb == nil {
		cb = &chatBuffer{startedAt: time.Now()}
		b.chats[msg.ChatID] = cb
	}

	b.seen[msg.ID] = time.Now()
	msg.ReceivedAt = time.Now()
	cb.messages = append(cb.messages, msg)

	if cb.timer != nil {
		cb.timer.Stop()
	}

	if len(cb.messages) >= b.cfg.Threshold {
		group := b.takeLocked(msg.ChatID, cb)
		b.mu.Unlock()
		b.emit(group)
		return AddResult{Accepted: true, Emitted: true}
	}

	chatID := msg.ChatID
	cb.timer = time.AfterFunc(b.cfg.BufferTimeout, func() { b.flush(chatID) })
	b.mu.Unlock()
	return AddResult{Accepted: true}
}

// takeLocked detaches the buffer contents for emission. Callers hold
// b.mu; the chat stays marked processing until emit finishes.
func (b *Buffer) takeLocked(chatID int64, cb *chatBuffer) Group {
	if cb.timer != nil {
		cb.timer.Stop()
		cb.timer = nil
	}
	group := Group{ChatID: chatID, Messages: cb.messages, StartedAt: cb.startedAt}
	cb.messages = nil
	cb.processing = true
	return group
}

func (b *Buffer) emit(group Group) {
	if len(group.Messages) > 0 && b.handler != nil {
		b.handler(group)
	}

	b.mu.Lock()
	delete(b.chats, group.ChatID)
	b.mu.Unlock()

	logger.Debug("media group emitted",
		logger.KeyChatID, group.ChatID, "messages", len(group.Messages))
}

// flush is the timer path: emit whatever the chat has buffered.
func (b *Buffer) flush(chatID int64) {
	b.mu.Lock()
	cb := b.chats[chatID]
	if cb == nil || cb.processing || len(cb.messages) == 0 {
		b.mu.Unlock()
		return
	}
	group := b.takeLocked(chatID, cb)
	b.mu.Unlock()
	b.emit(group)
}

// Get returns a snapshot copy of a chat's buffered messages.
func (b *Buffer) Get(chatID int64) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb := b.chats[chatID]
	if cb == nil {
		return nil
	}
	out := make([]Message, len(cb.messages))
	copy(out, cb.messages)
	return out
}

// Cleanup clears all buffers, cancels timers and drops the dedup set.
func (b *Buffer) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cb := range b.chats {
		if cb.timer != nil {
			cb.timer.Stop()
		}
	}
	b.chats = make(map[int64]*chatBuffer)
	b.seen = make(map[int64]time.Time)
}

// PruneSeen drops dedup entries older than the window. Called
// periodically by the owner.
func (b *Buffer) PruneSeen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Now().Add(-b.cfg.DedupWindow)
	for id, at := range b.seen {
		if at.Before(cutoff) {
			delete(b.seen, id)
		}
	}
}
