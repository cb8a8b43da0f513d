// Package hub is the per-instance connection gateway: it classifies
// websocket connections as couriers or dashboards, validates their
// messages, and wires them to the presence store, the rate limiter, the
// history buffer and the cross-instance fanout.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fleetwatch.dev/config"
	"fleetwatch.dev/fanout"
	"fleetwatch.dev/history"
	"fleetwatch.dev/presence"
	"fleetwatch.dev/ratelimit"
)

const storeTimeout = 5 * time.Second

// Hub owns every connection of one instance and its per-branch topic
// memberships. Presence state lives in the Store; the hub itself only
// holds connection-local state.
type Hub struct {
	serverID string
	cfg      *config.Config
	store    presence.Store
	broker   fanout.Broker
	limiter  ratelimit.Limiter
	buffer   *history.Buffer
	log      zerolog.Logger
	started  time.Time

	mtx     sync.Mutex
	conns   map[string]*Conn
	topics  map[string]*localTopic
	ipConns map[string]int
}

// localTopic tracks which local connections joined a branch and holds the
// one broker subscription shared by all of them.
type localTopic struct {
	members map[string]*Conn
	sub     *fanout.Subscription
	done    chan struct{}
}

func New(cfg *config.Config, store presence.Store, broker fanout.Broker, limiter ratelimit.Limiter, buffer *history.Buffer, log zerolog.Logger) *Hub {
	return &Hub{
		serverID: cfg.ServerID,
		cfg:      cfg,
		store:    store,
		broker:   broker,
		limiter:  limiter,
		buffer:   buffer,
		log:      log.With().Str("component", "hub").Logger(),
		started:  time.Now(),
		conns:    make(map[string]*Conn),
		topics:   make(map[string]*localTopic),
		ipConns:  make(map[string]int),
	}
}

// dispatch routes one inbound envelope. Runs on the connection's readPump,
// so handlers for a single connection never overlap.
func (h *Hub) dispatch(c *Conn, env *Envelope) {
	switch env.Event {
	case EventCourierConnect:
		var req ConnectRequest
		if err := json.Unmarshal(env.Data, &req); err != nil || req.validate() != nil {
			c.sendError("courierId and branchId are required")
			return
		}
		h.handleCourierConnect(c, &req)

	case EventCourierLocation:
		var req LocationRequest
		if err := json.Unmarshal(env.Data, &req); err != nil || req.validate() != nil {
			// malformed samples are dropped without a reply, the feed
			// is loss-tolerant
			return
		}
		h.handleLocationUpdate(c, &req)

	case EventLocationBatch:
		var req BatchRequest
		if err := json.Unmarshal(env.Data, &req); err != nil || req.validate() != nil {
			return
		}
		h.handleLocationBatch(c, &req)

	case EventBranchSubscribe:
		var req SubscribeRequest
		if err := json.Unmarshal(env.Data, &req); err != nil || req.validate() != nil {
			c.sendError("branchId is required")
			return
		}
		h.handleDashboardSubscribe(c, &req)

	case EventPing:
		c.sendEvent(EventPong, &Pong{ServerTime: time.Now().UnixMilli()})

	default:
		c.sendError("unknown event: " + env.Event)
	}
}

func (h *Hub) handleCourierConnect(c *Conn, req *ConnectRequest) {
	now := time.Now()
	sess := &presence.Session{
		CourierID:    req.CourierID,
		BranchID:     req.BranchID,
		Name:         req.Name,
		ConnectionID: c.id,
		Battery:      100,
		LastUpdate:   now,
		Platform:     req.Platform,
		AppVersion:   req.AppVersion,
	}

	ctx, cancel := h.storeCtx(c)
	defer cancel()

	prev, resumed, err := h.store.Connect(ctx, sess)
	if errors.Is(err, presence.ErrBranchFull) {
		c.sendError("branch courier limit reached")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("courier", req.CourierID).Msg("connect failed")
		c.sendError("registration failed")
		return
	}

	// Resolve the duplicate-login race: the store write above is the
	// arbiter of ownership, the kick is best-effort notice to the loser.
	if prev != nil && prev.ConnectionID != c.id {
		h.kick(ctx, prev, "connected from another device")
	}

	c.role = roleCourier
	c.courierID = req.CourierID
	if c.branchID != "" && c.branchID != req.BranchID {
		h.leave(c.branchID, c)
	}
	c.branchID = req.BranchID
	h.join(req.BranchID, c)

	c.sendEvent(EventCourierConnected, &ConnectAck{
		Success:    true,
		Message:    "registered",
		CourierID:  req.CourierID,
		ServerTime: now.UnixMilli(),
	})

	// a resume inside the grace window stays silent, the branch never saw
	// the courier leave
	if !resumed {
		h.publish(ctx, EventCourierOnline, req.BranchID, &OnlineNotice{
			CourierID: req.CourierID,
			Name:      req.Name,
			BranchID:  req.BranchID,
			Timestamp: now.UnixMilli(),
		})
	}

	h.log.Info().
		Str("courier", req.CourierID).
		Str("branch", req.BranchID).
		Bool("resumed", resumed).
		Msg("courier connected")
}

func (h *Hub) handleLocationUpdate(c *Conn, req *LocationRequest) {
	if !h.limiter.Allow(c.ctx, req.CourierID) {
		return
	}

	now := time.Now()
	loc := req.location(now)

	ctx, cancel := h.storeCtx(c)
	defer cancel()

	sess, err := h.store.Update(ctx, req.CourierID, c.id, loc, req.battery(), now)
	if errors.Is(err, presence.ErrNotRegistered) {
		c.sendError("not registered, send courier:connect first")
		return
	}
	if errors.Is(err, presence.ErrNotOwner) {
		// superseded connection still writing; its samples are stale
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("courier", req.CourierID).Msg("location update failed")
		return
	}

	h.buffer.Append(req.CourierID, history.Sample{
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Speed:     loc.Speed,
		Heading:   loc.Heading,
		Accuracy:  loc.Accuracy,
		Timestamp: loc.Timestamp,
		Received:  now,
	})

	h.publish(ctx, EventLocationUpdate, sess.BranchID, &LocationUpdate{
		CourierID:       sess.CourierID,
		Name:            sess.Name,
		Latitude:        loc.Latitude,
		Longitude:       loc.Longitude,
		Speed:           loc.Speed,
		Heading:         loc.Heading,
		Accuracy:        loc.Accuracy,
		Timestamp:       loc.Timestamp.UnixMilli(),
		BatteryLevel:    sess.Battery,
		ServerTimestamp: now.UnixMilli(),
	})
}

func (h *Hub) handleLocationBatch(c *Conn, req *BatchRequest) {
	// oldest-first truncation: keep the first MaxBatchSize samples, the
	// rest are dropped, and the ack reports what was kept
	samples := req.Locations
	if len(samples) > h.cfg.MaxBatchSize {
		samples = samples[:h.cfg.MaxBatchSize]
	}

	now := time.Now()

	accepted := make([]presence.Location, 0, len(samples))
	for i := range samples {
		if !samples[i].valid() {
			continue
		}
		accepted = append(accepted, samples[i].location(now))
	}
	if len(accepted) == 0 {
		return
	}

	ctx, cancel := h.storeCtx(c)
	defer cancel()

	// the last accepted sample becomes the courier's current position
	last := accepted[len(accepted)-1]
	sess, err := h.store.Update(ctx, req.CourierID, c.id, last, -1, now)
	if errors.Is(err, presence.ErrNotRegistered) {
		c.sendError("not registered, send courier:connect first")
		return
	}
	if errors.Is(err, presence.ErrNotOwner) {
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("courier", req.CourierID).Msg("batch update failed")
		return
	}

	hist := make([]history.Sample, len(accepted))
	outs := make([]BroadcastLoc, len(accepted))
	for i, loc := range accepted {
		hist[i] = history.Sample{
			Latitude:  loc.Latitude,
			Longitude: loc.Longitude,
			Speed:     loc.Speed,
			Heading:   loc.Heading,
			Accuracy:  loc.Accuracy,
			Timestamp: loc.Timestamp,
			Received:  now,
		}
		outs[i] = BroadcastLoc{
			Latitude:  loc.Latitude,
			Longitude: loc.Longitude,
			Speed:     loc.Speed,
			Heading:   loc.Heading,
			Accuracy:  loc.Accuracy,
			Timestamp: loc.Timestamp.UnixMilli(),
		}
	}
	h.buffer.Append(req.CourierID, hist...)

	h.publish(ctx, EventLocationBatch, sess.BranchID, &BatchBroadcast{
		CourierID:       sess.CourierID,
		Name:            sess.Name,
		Locations:       outs,
		ServerTimestamp: now.UnixMilli(),
	})

	c.sendEvent(EventBatchAck, &BatchAck{
		Received:  len(accepted),
		Timestamp: now.UnixMilli(),
	})
}

func (h *Hub) handleDashboardSubscribe(c *Conn, req *SubscribeRequest) {
	ctx, cancel := h.storeCtx(c)
	defer cancel()

	entries, err := h.snapshotEntries(ctx, req.BranchID)
	if err != nil {
		h.log.Error().Err(err).Str("branch", req.BranchID).Msg("snapshot failed")
		c.sendError("snapshot unavailable")
		return
	}

	c.role = roleDashboard
	if c.branchID != "" && c.branchID != req.BranchID {
		h.leave(c.branchID, c)
	}
	c.branchID = req.BranchID
	h.join(req.BranchID, c)

	c.sendEvent(EventBranchCouriers, entries)

	h.log.Info().Str("branch", req.BranchID).Int("couriers", len(entries)).Msg("dashboard subscribed")
}

// handleDisconnect runs when a connection's readPump exits for any reason.
func (h *Hub) handleDisconnect(c *Conn, reason string) {
	h.mtx.Lock()
	delete(h.conns, c.id)
	if c.ip != "" {
		if n := h.ipConns[c.ip]; n <= 1 {
			delete(h.ipConns, c.ip)
		} else {
			h.ipConns[c.ip] = n - 1
		}
	}
	h.mtx.Unlock()

	if c.branchID != "" {
		h.leave(c.branchID, c)
	}

	if c.role != roleCourier || c.courierID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	now := time.Now()
	sess, err := h.store.Downgrade(ctx, c.courierID, c.id, now)
	if errors.Is(err, presence.ErrNotRegistered) || errors.Is(err, presence.ErrNotOwner) {
		// another connection owns the courier now, nothing to announce
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("courier", c.courierID).Msg("downgrade failed")
		return
	}

	h.publish(ctx, EventCourierOffline, sess.BranchID, &OfflineNotice{
		CourierID: sess.CourierID,
		Name:      sess.Name,
		Reason:    reason,
		Timestamp: now.UnixMilli(),
	})

	h.log.Info().Str("courier", c.courierID).Str("reason", reason).Msg("courier disconnected")
}

// HandleEvictions is wired as the sweeper's callback: it discards history
// and announces couriers that went silent without ever disconnecting.
// Sessions evicted out of grace already had their offline notice.
func (h *Hub) HandleEvictions(ctx context.Context, evicted []*presence.Session) {
	now := time.Now().UnixMilli()
	for _, sess := range evicted {
		h.buffer.Drop(sess.CourierID)
		if sess.InGrace() {
			continue
		}
		h.publish(ctx, EventCourierOffline, sess.BranchID, &OfflineNotice{
			CourierID: sess.CourierID,
			Name:      sess.Name,
			Reason:    "timeout",
			Timestamp: now,
		})
	}
}

// kick notifies the old connection of a courier that it was superseded,
// then closes it. Local connections get the notice directly; otherwise a
// control event travels the branch topic to whichever instance holds it.
func (h *Hub) kick(ctx context.Context, prev *presence.Session, reason string) {
	h.mtx.Lock()
	old, local := h.conns[prev.ConnectionID]
	h.mtx.Unlock()

	if local {
		old.sendEvent(EventCourierKicked, &KickNotice{Reason: reason})
		// give the write pump a moment to flush the notice
		time.AfterFunc(100*time.Millisecond, old.close)
		return
	}

	h.publish(ctx, eventConnKick, prev.BranchID, &connKick{
		ConnectionID: prev.ConnectionID,
		Reason:       reason,
	})
}

// join adds the connection to a branch topic, creating the broker
// subscription on first local member.
func (h *Hub) join(branch string, c *Conn) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	topic, ok := h.topics[branch]
	if !ok {
		sub, err := h.broker.Subscribe(branch)
		if err != nil {
			h.log.Error().Err(err).Str("branch", branch).Msg("subscribe failed")
			return
		}
		topic = &localTopic{
			members: make(map[string]*Conn),
			sub:     sub,
			done:    make(chan struct{}),
		}
		h.topics[branch] = topic
		go h.pumpTopic(branch, topic)
	}
	topic.members[c.id] = c
}

// leave removes the connection from a branch topic, releasing the broker
// subscription with the last member.
func (h *Hub) leave(branch string, c *Conn) {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	topic, ok := h.topics[branch]
	if !ok {
		return
	}
	delete(topic.members, c.id)
	if len(topic.members) == 0 {
		close(topic.done)
		topic.sub.Close()
		delete(h.topics, branch)
	}
}

// pumpTopic delivers branch events from the broker to every local member.
func (h *Hub) pumpTopic(branch string, topic *localTopic) {
	for {
		select {
		case <-topic.done:
			return
		case ev := <-topic.sub.C():
			if ev == nil {
				return
			}
			h.deliver(topic, ev)
		}
	}
}

func (h *Hub) deliver(topic *localTopic, ev *fanout.Event) {
	// control events are consumed by the hub, never forwarded
	if ev.Type == eventConnKick {
		var k connKick
		if err := json.Unmarshal(ev.Payload, &k); err != nil {
			return
		}
		h.mtx.Lock()
		old, ok := h.conns[k.ConnectionID]
		h.mtx.Unlock()
		if ok {
			old.sendEvent(EventCourierKicked, &KickNotice{Reason: k.Reason})
			time.AfterFunc(100*time.Millisecond, old.close)
		}
		return
	}

	b, err := json.Marshal(&Envelope{Event: ev.Type, Data: ev.Payload})
	if err != nil {
		return
	}

	h.mtx.Lock()
	members := make([]*Conn, 0, len(topic.members))
	for _, c := range topic.members {
		members = append(members, c)
	}
	h.mtx.Unlock()

	for _, c := range members {
		c.sendRaw(b)
	}
}

func (h *Hub) publish(ctx context.Context, eventType, branch string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Str("event", eventType).Msg("encode event")
		return
	}
	if err := h.broker.Publish(ctx, fanout.NewEvent(eventType, branch, data)); err != nil {
		h.log.Error().Err(err).Str("event", eventType).Str("branch", branch).Msg("publish failed")
	}
}

// snapshotEntries builds the branch:couriers rows for a branch.
func (h *Hub) snapshotEntries(ctx context.Context, branchID string) ([]CourierEntry, error) {
	sessions, err := h.store.Snapshot(ctx, branchID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	entries := make([]CourierEntry, len(sessions))
	for i, s := range sessions {
		entries[i] = CourierEntry{
			CourierID:    s.CourierID,
			Name:         s.Name,
			Location:     s.Location,
			BatteryLevel: s.Battery,
			LastUpdate:   s.LastUpdate.UnixMilli(),
			IsOnline:     s.Online(now, h.cfg.CourierTimeout),
		}
	}
	return entries, nil
}

func (h *Hub) storeCtx(c *Conn) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.ctx, storeTimeout)
}
