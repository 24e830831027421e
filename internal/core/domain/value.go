package domain

import "time"

// StoredValue is the compact per-key KV record (spec §3.1). It is a tagged
// variant with two shapes to minimize overhead on keys without a TTL:
// Persistent carries no expiry field at all, Expiring carries one absolute
// instant. A key is live iff now < ExpiresAt, or ExpiresAt is absent.
type StoredValue struct {
	Bytes []byte

	// HasExpiry is false for Persistent values.
	HasExpiry bool
	// ExpiresAtUnixMilli is only meaningful when HasExpiry is true.
	ExpiresAtUnixMilli int64
}

// NewPersistent builds a StoredValue with no expiry.
func NewPersistent(bytes []byte) StoredValue {
	return StoredValue{Bytes: bytes}
}

// NewExpiring builds a StoredValue that expires at now+ttl.
func NewExpiring(bytes []byte, ttl time.Duration) StoredValue {
	return StoredValue{
		Bytes:              bytes,
		HasExpiry:          true,
		ExpiresAtUnixMilli: time.Now().Add(ttl).UnixMilli(),
	}
}

// NewExpiringAt builds a StoredValue with an explicit absolute expiry,
// used by WAL replay and snapshot load where the instant is already known.
func NewExpiringAt(bytes []byte, expiresAtUnixMilli int64) StoredValue {
	return StoredValue{Bytes: bytes, HasExpiry: true, ExpiresAtUnixMilli: expiresAtUnixMilli}
}

// IsLive reports whether the value is not yet expired as of now.
func (v StoredValue) IsLive(now time.Time) bool {
	if !v.HasExpiry {
		return true
	}
	return now.UnixMilli() < v.ExpiresAtUnixMilli
}

// TTLRemaining returns the remaining TTL as of now. ok is false if the value
// has no expiry.
func (v StoredValue) TTLRemaining(now time.Time) (d time.Duration, ok bool) {
	if !v.HasExpiry {
		return 0, false
	}
	remaining := v.ExpiresAtUnixMilli - now.UnixMilli()
	if remaining < 0 {
		remaining = 0
	}
	return time.Duration(remaining) * time.Millisecond, true
}

// SetMode controls the precondition for Set (spec §4.1).
type SetMode string

const (
	SetAlways         SetMode = "always"
	SetOnlyIfAbsent   SetMode = "only_if_absent"
	SetOnlyIfPresent  SetMode = "only_if_present"
)

// SetOutcome reports what Set actually did.
type SetOutcome string

const (
	SetCreated    SetOutcome = "created"
	SetUpdated    SetOutcome = "updated"
	SetNotApplied SetOutcome = "not_applied"
)

// TTLStatus is the tagged result of Ttl(key).
type TTLStatus struct {
	NoKey    bool
	NoExpiry bool
	Seconds  uint64
}
