package models

import "time"

// Fact is a single timestamped, prioritized, possibly-expiring piece of
// user knowledge. Persistent facts never expire (ExpiresAt is nil).
type Fact struct {
	Key        string      `json:"key"`
	Value      interface{} `json:"value"`
	UpdatedAt  time.Time   `json:"updated_at"`
	ExpiresAt  *time.Time  `json:"expires_at,omitempty"`
	Persistent bool        `json:"persistent"`
	Priority   int         `json:"priority"`
	Source     string      `json:"source"`
}

// Expired reports whether the fact's expiry is set and in the past.
func (f *Fact) Expired(now time.Time) bool {
	return f.ExpiresAt != nil && f.ExpiresAt.Before(now)
}

// MergeOptions controls how incoming facts are reconciled against the
// stored context. TTLOverrides are per-key lifetimes in days.
type MergeOptions struct {
	TTLOverrides   map[string]int
	PersistentKeys map[string]bool
	PriorityMap    map[string]int
	Source         string
}
