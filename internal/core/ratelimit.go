package core

import "time"

// EntryState is the lazily computed state of a rate limit entry.
type EntryState int

const (
	EntryActive EntryState = iota
	EntryStale
)

func (s EntryState) String() string {
	if s == EntryStale {
		return "stale"
	}
	return "active"
}

// RateLimitEntry captures per-client fixed-window state.
type RateLimitEntry struct {
	Count     int       `json:"count"`
	ResetTime time.Time `json:"reset_time"`
}

// State reports whether the entry's window has elapsed at now.
// The entry stays stored until it is reset or swept.
func (e *RateLimitEntry) State(now time.Time) EntryState {
	if e == nil || now.After(e.ResetTime) {
		return EntryStale
	}
	return EntryActive
}
