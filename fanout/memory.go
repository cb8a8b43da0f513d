package fanout

import (
	"context"
	"errors"
	"sync"
)

// MemoryBroker fans events out inside one process. Two hubs sharing a
// MemoryBroker behave like two instances sharing a real broker, which is
// how the cross-instance paths are exercised in tests.
type MemoryBroker struct {
	mtx    sync.RWMutex
	subs   map[string]map[string]*Subscription
	closed bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		subs: make(map[string]map[string]*Subscription),
	}
}

func (m *MemoryBroker) Publish(ctx context.Context, ev *Event) error {
	m.mtx.RLock()
	if m.closed {
		m.mtx.RUnlock()
		return errors.New("fanout: broker closed")
	}
	var targets []*Subscription
	for _, sub := range m.subs[ev.Branch] {
		targets = append(targets, sub)
	}
	m.mtx.RUnlock()

	for _, sub := range targets {
		sub.deliver(ev)
	}
	return nil
}

func (m *MemoryBroker) Subscribe(branch string) (*Subscription, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if m.closed {
		return nil, errors.New("fanout: broker closed")
	}

	set, ok := m.subs[branch]
	if !ok {
		set = make(map[string]*Subscription)
		m.subs[branch] = set
	}

	var sub *Subscription
	sub = newSubscription(branch, func() { m.unsubscribe(branch, sub) })
	set[sub.id] = sub
	return sub, nil
}

func (m *MemoryBroker) unsubscribe(branch string, sub *Subscription) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	set, ok := m.subs[branch]
	if !ok {
		return
	}
	delete(set, sub.id)
	if len(set) == 0 {
		delete(m.subs, branch)
	}
}

func (m *MemoryBroker) Close() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.closed = true
	m.subs = make(map[string]map[string]*Subscription)
	return nil
}
