package presence

import (
	"context"
	"time"
)

// Options bound every Store implementation's lifecycle behaviour.
type Options struct {
	// HardTimeout is how long a session may go without an update before
	// Expire removes it. Conventionally twice the liveness timeout.
	HardTimeout time.Duration

	// GracePeriod is how long a downgraded session lingers to absorb a
	// quick reconnect without a fresh "online" announcement.
	GracePeriod time.Duration

	// MaxPerBranch caps couriers per branch. Zero means unlimited.
	MaxPerBranch int
}

// Store is the distributed presence state. An in-memory implementation and
// a Redis-backed one are interchangeable; both guarantee that every
// mutating call is atomic with respect to the session's ownership.
type Store interface {
	// Connect registers or refreshes a session. It atomically displaces any
	// existing session for the courier (returned as prev so the caller can
	// kick the old connection) and moves the branch index entry when the
	// branch changed. resumed is true when the courier came back within its
	// grace window, meaning no fresh "online" announcement is due.
	Connect(ctx context.Context, s *Session) (prev *Session, resumed bool, err error)

	// Update applies a location sample to the session owned by connID.
	// Returns ErrNotRegistered when absent, ErrNotOwner when another
	// connection took the courier over. The returned session is the state
	// after the write.
	Update(ctx context.Context, courierID, connID string, loc Location, battery int, now time.Time) (*Session, error)

	// Downgrade moves the session into the grace state when connID still
	// owns it. Returns the session as of the downgrade.
	Downgrade(ctx context.Context, courierID, connID string, now time.Time) (*Session, error)

	// Get returns a copy of the session or ErrNotRegistered.
	Get(ctx context.Context, courierID string) (*Session, error)

	// Snapshot lists every session in the branch.
	Snapshot(ctx context.Context, branchID string) ([]*Session, error)

	// Expire removes every session past its deadline as of now and returns
	// the evicted records: active sessions silent longer than the hard
	// timeout, grace sessions whose grace window ran out. Safe to run
	// concurrently from multiple instances; removing an already-removed
	// courier is a no-op.
	Expire(ctx context.Context, now time.Time) ([]*Session, error)

	// Ping reports backend reachability for health checks.
	Ping(ctx context.Context) error
}
