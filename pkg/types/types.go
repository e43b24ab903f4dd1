// Package types defines the core data structures shared across the
// engine, overseer, slave, and scheduler packages: target identifiers,
// sessions, scheduler keys, subscriptions, slave states, and the typed
// error kinds used to classify failures at every layer boundary.
package types

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Target names a plugin kind to instantiate, e.g. a URI.
type Target string

// SessionID uniquely identifies one client request within a slave.
type SessionID uint64

// Capability is a bit in a plugin's capability set.
type Capability uint32

const (
	// CapManual marks a plugin that can self-schedule via Reschedule.
	CapManual Capability = 1 << iota
)

// Has reports whether the capability set includes cap.
func (c Capability) Has(cap Capability) bool {
	return c&cap != 0
}

// SchedulerKey deterministically names a (plugin, policy, parameters)
// triple. Two schedule requests producing the same key share a scheduler.
type SchedulerKey string

// AutoKey builds the key for an automatic scheduler: "auto:<hash>@<interval>".
func AutoKey(pluginHash string, interval time.Duration) SchedulerKey {
	return SchedulerKey(fmt.Sprintf("auto:%s@%s", pluginHash, formatInterval(interval)))
}

// ManualKey builds the key for a manual scheduler: "manual:<hash>".
func ManualKey(pluginHash string) SchedulerKey {
	return SchedulerKey(fmt.Sprintf("manual:%s", pluginHash))
}

func formatInterval(d time.Duration) string {
	seconds := d.Seconds()
	if seconds == float64(int64(seconds)) {
		return fmt.Sprintf("%d.0", int64(seconds))
	}
	return fmt.Sprintf("%g", seconds)
}

// CallerToken identifies the caller of a schedule request for subscription
// counting. It is opaque to the core.
type CallerToken string

// NewCallerToken mints a fresh opaque caller token, for callers that have
// no natural identity of their own to key subscriptions on.
func NewCallerToken() CallerToken {
	return CallerToken(uuid.NewString())
}

// Subscription is a (caller, scheduler key) pair. Duplicates collapse.
type Subscription struct {
	Caller CallerToken
	Key    SchedulerKey
}

// SlaveState is one of the states a slave passes through.
type SlaveState int

const (
	StateUnknown SlaveState = iota
	StateActive
	StateInactive
	StateDead
)

func (s SlaveState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateActive:
		return "active"
	case StateInactive:
		return "inactive"
	case StateDead:
		return "dead"
	default:
		return "invalid"
	}
}

// PersistedRecord is written to storage for non-transient schedule requests,
// keyed by digest(scheduler-key ++ caller-token).
type PersistedRecord struct {
	URL   string            `msgpack:"url"`
	Args  map[string]string `msgpack:"args"`
	Token string            `msgpack:"token"`
}

// Digest computes the storage key for a persisted record: the hex
// SHA-1 of the scheduler key concatenated with the caller token.
func Digest(key SchedulerKey, token CallerToken) string {
	sum := sha1.Sum([]byte(string(key) + string(token)))
	return hex.EncodeToString(sum[:])
}
