package presence

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps presence state in process. It serves single-instance
// deployments and tests; multi-instance deployments use RedisStore.
type MemoryStore struct {
	opts Options

	mtx      sync.RWMutex
	sessions map[string]*Session
	branches map[string]map[string]struct{}
}

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:     opts,
		sessions: make(map[string]*Session),
		branches: make(map[string]map[string]struct{}),
	}
}

func (m *MemoryStore) Connect(ctx context.Context, s *Session) (*Session, bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	cur, ok := m.sessions[s.CourierID]

	if !ok && m.opts.MaxPerBranch > 0 {
		if len(m.branches[s.BranchID]) >= m.opts.MaxPerBranch {
			return nil, false, ErrBranchFull
		}
	}

	next := s.clone()

	var prev *Session
	var resumed bool
	if ok {
		prev = cur.clone()
		if cur.BranchID != s.BranchID {
			m.dropFromBranch(cur.BranchID, s.CourierID)
		}
		if cur.InGrace() && s.LastUpdate.Sub(cur.GraceSince) <= m.opts.GracePeriod {
			resumed = true
			// a silent resume keeps the last known position
			if next.Location == nil {
				next.Location = cur.Location
			}
		}
	}

	m.sessions[s.CourierID] = next
	m.addToBranch(s.BranchID, s.CourierID)

	return prev, resumed, nil
}

func (m *MemoryStore) Update(ctx context.Context, courierID, connID string, loc Location, battery int, now time.Time) (*Session, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	cur, ok := m.sessions[courierID]
	if !ok {
		return nil, ErrNotRegistered
	}
	// a graced session's connection already said goodbye; a late write from
	// it must not resurrect the courier
	if cur.ConnectionID != connID || cur.InGrace() {
		return nil, ErrNotOwner
	}

	l := loc
	cur.Location = &l
	cur.LastUpdate = now
	if battery >= 0 {
		cur.Battery = battery
	}

	return cur.clone(), nil
}

func (m *MemoryStore) Downgrade(ctx context.Context, courierID, connID string, now time.Time) (*Session, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	cur, ok := m.sessions[courierID]
	if !ok {
		return nil, ErrNotRegistered
	}
	if cur.ConnectionID != connID {
		return nil, ErrNotOwner
	}
	if !cur.InGrace() {
		cur.GraceSince = now
	}

	return cur.clone(), nil
}

func (m *MemoryStore) Get(ctx context.Context, courierID string) (*Session, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	cur, ok := m.sessions[courierID]
	if !ok {
		return nil, ErrNotRegistered
	}
	return cur.clone(), nil
}

func (m *MemoryStore) Snapshot(ctx context.Context, branchID string) ([]*Session, error) {
	m.mtx.RLock()
	defer m.mtx.RUnlock()

	sessions := make([]*Session, 0, len(m.branches[branchID]))
	for id := range m.branches[branchID] {
		if s, ok := m.sessions[id]; ok {
			sessions = append(sessions, s.clone())
		}
	}
	return sessions, nil
}

func (m *MemoryStore) Expire(ctx context.Context, now time.Time) ([]*Session, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	var evicted []*Session
	for id, s := range m.sessions {
		hard := now.Sub(s.LastUpdate) > m.opts.HardTimeout
		graced := s.InGrace() && now.Sub(s.GraceSince) > m.opts.GracePeriod
		if !hard && !graced {
			continue
		}
		evicted = append(evicted, s.clone())
		delete(m.sessions, id)
		m.dropFromBranch(s.BranchID, id)
	}
	return evicted, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) addToBranch(branchID, courierID string) {
	set, ok := m.branches[branchID]
	if !ok {
		set = make(map[string]struct{})
		m.branches[branchID] = set
	}
	set[courierID] = struct{}{}
}

func (m *MemoryStore) dropFromBranch(branchID, courierID string) {
	set, ok := m.branches[branchID]
	if !ok {
		return
	}
	delete(set, courierID)
	if len(set) == 0 {
		delete(m.branches, branchID)
	}
}
