package logger

import (
	"fmt"
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so relay events
// can be aggregated and queried across instances.
const (
	// ========================================================================
	// Identity & Coordination
	// ========================================================================
	KeyInstanceID = "instance_id" // Local or remote instance identity
	KeyLeader     = "leader"      // Whether this instance is the leader
	KeyLockName   = "lock"        // Distributed lock name
	KeyProvider   = "provider"    // Active KV provider name

	// ========================================================================
	// Tasks & Transfers
	// ========================================================================
	KeyTaskID     = "task_id"     // Relay task identifier
	KeyTaskKey    = "task_key"    // Dedup key for a task
	KeyUserID     = "user_id"     // Originating user
	KeyChatID     = "chat_id"     // Originating chat
	KeyMsgID      = "msg_id"      // Originating message
	KeyFileName   = "file_name"   // File being relayed
	KeySize       = "size"        // Byte size
	KeyChunkIndex = "chunk_index" // Stream chunk index
	KeyStatus     = "status"      // Task/batch/session status

	// ========================================================================
	// Queue & Batching
	// ========================================================================
	KeyTopic   = "topic"    // Queue topic
	KeyBatchID = "batch_id" // Batch identifier

	// ========================================================================
	// Cache
	// ========================================================================
	KeyCacheKey = "key" // Cache/KV key

	// ========================================================================
	// Common
	// ========================================================================
	KeyError    = "error"       // Error message
	KeyDuration = "duration_ms" // Operation duration in milliseconds
	KeyAttempt  = "attempt"     // Retry attempt number
)

// Err returns a standard error attribute.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// TaskID returns a standard task id attribute.
func TaskID(id string) slog.Attr {
	return slog.String(KeyTaskID, id)
}

// InstanceID returns a standard instance id attribute.
func InstanceID(id string) slog.Attr {
	return slog.String(KeyInstanceID, id)
}

// Sizef formats a byte size for human-readable logging.
func Sizef(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(n)/float64(div), "KMGTPE"[exp])
}
