// Package presence holds the authoritative record of which couriers are
// online, which connection owns each of them, and where they last were.
//
// The Store is the single source of truth shared by every instance: the
// write that establishes ownership of a courier is the arbiter of the
// duplicate-login race, so every mutating operation is a single atomic
// call with a compare check, never a read-modify-write split.
package presence

import (
	"errors"
	"time"
)

var (
	// ErrNotRegistered means no session exists for the courier.
	ErrNotRegistered = errors.New("courier not registered")

	// ErrNotOwner means the caller's connection no longer owns the session,
	// typically because the courier reconnected elsewhere.
	ErrNotOwner = errors.New("connection does not own session")

	// ErrBranchFull means the branch reached its courier cap.
	ErrBranchFull = errors.New("branch courier limit reached")
)

// Location is a single position report.
type Location struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     float64   `json:"speed"`
	Heading   float64   `json:"heading"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the record kept for one online courier. At most one session
// per courier id exists in a Store; ConnectionID says which physical
// connection currently owns it.
type Session struct {
	CourierID    string    `json:"courierId"`
	BranchID     string    `json:"branchId"`
	Name         string    `json:"name"`
	ConnectionID string    `json:"connectionId"`
	Location     *Location `json:"location"`
	Battery      int       `json:"batteryLevel"`
	LastUpdate   time.Time `json:"lastUpdate"`

	// GraceSince is non-zero when the owning connection dropped and the
	// session is waiting out the grace period. An "offline" event was
	// already emitted for it; hard eviction must not emit another.
	GraceSince time.Time `json:"graceSince,omitempty"`

	Platform   string `json:"platform,omitempty"`
	AppVersion string `json:"appVersion,omitempty"`
}

// InGrace reports whether the session is in the post-disconnect grace window.
func (s *Session) InGrace() bool { return !s.GraceSince.IsZero() }

// Online reports whether the courier counts as live given the timeout.
func (s *Session) Online(now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastUpdate) < timeout
}

func (s *Session) clone() *Session {
	c := *s
	if s.Location != nil {
		loc := *s.Location
		c.Location = &loc
	}
	return &c
}
