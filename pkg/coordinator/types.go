// Package coordinator implements the instance coordination plane:
// instance registration and heartbeat, deterministic leader election,
// and preemptible distributed locks over the L2 cache.
package coordinator

import (
	"time"
)

// Key prefixes in the coordination store.
const (
	instanceKeyPrefix = "instance:"
	lockKeyPrefix     = "lock:"
	taskLockPrefix    = "task:"
	taskStatePrefix   = "state:system:task:"
)

// InstanceStatus is the lifecycle state recorded for an instance.
type InstanceStatus string

const (
	StatusActive   InstanceStatus = "active"
	StatusInactive InstanceStatus = "inactive"
)

// InstanceRecord is the registry entry each instance maintains for
// itself under instance:<id>.
type InstanceRecord struct {
	ID            string         `json:"id"`
	URL           string         `json:"url"`
	Hostname      string         `json:"hostname"`
	Region        string         `json:"region"`
	StartedAt     time.Time      `json:"started_at"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	Status        InstanceStatus `json:"status"`
}

// Alive reports whether the record counts as active at now, given the
// configured instance timeout.
func (r *InstanceRecord) Alive(now time.Time, timeout time.Duration) bool {
	return r.Status == StatusActive && now.Sub(r.LastHeartbeat) < timeout
}

// LockRecord is the value stored under lock:<name>.
//
// A lock is held iff the record exists, its owner is a live instance,
// and now - AcquiredAt < TTL. A lock whose owner's instance record is
// absent is preemptible.
type LockRecord struct {
	InstanceID string    `json:"instance_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	TTLSeconds int       `json:"ttl"`
}

// Expired reports whether the lock record's TTL has elapsed.
func (l *LockRecord) Expired(now time.Time) bool {
	return now.Sub(l.AcquiredAt) >= time.Duration(l.TTLSeconds)*time.Second
}
