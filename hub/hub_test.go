package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetwatch.dev/config"
	"fleetwatch.dev/fanout"
	"fleetwatch.dev/history"
	"fleetwatch.dev/presence"
	"fleetwatch.dev/ratelimit"
)

func testConfig() *config.Config {
	return &config.Config{
		ServerID:              "test",
		MaxLocationsPerMinute: 30,
		MaxBatchSize:          50,
		CourierTimeout:        time.Minute,
		CleanupInterval:       30 * time.Second,
		GracePeriod:           30 * time.Second,
		HistoryWindow:         5 * time.Minute,
		HistoryMaxSamples:     120,
	}
}

func newTestHub(t *testing.T, cfg *config.Config, store presence.Store, broker fanout.Broker) (*Hub, *httptest.Server) {
	t.Helper()
	buffer := history.NewBuffer(cfg.HistoryMaxSamples, cfg.HistoryWindow)
	h := New(cfg, store, broker, ratelimit.NewWindow(cfg.MaxLocationsPerMinute), buffer, zerolog.Nop())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWS)
	mux.HandleFunc("/couriers", h.GetCouriersHandler)
	mux.HandleFunc("/history", h.GetHistoryHandler)
	mux.HandleFunc("/health", h.HealthHandler)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return h, srv
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dial(t *testing.T, srv *httptest.Server) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(event string, payload interface{}) {
	c.t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(c.t, err)
	b, err := json.Marshal(&Envelope{Event: event, Data: data})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, b))
}

// expect reads frames until the wanted event arrives, skipping others.
func (c *wsClient) expect(event string) json.RawMessage {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, msg, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", event)
		var env Envelope
		require.NoError(c.t, json.Unmarshal(msg, &env))
		if env.Event == event {
			return env.Data
		}
	}
}

// expectNone fails if the event shows up within the window.
func (c *wsClient) expectNone(event string, window time.Duration) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(window))
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if json.Unmarshal(msg, &env) == nil && env.Event == event {
			c.t.Fatalf("unexpected %s event", event)
		}
	}
}

// count tallies matching events until the window elapses.
func (c *wsClient) count(event string, window time.Duration) int {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(window))
	n := 0
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return n
		}
		var env Envelope
		if json.Unmarshal(msg, &env) == nil && env.Event == event {
			n++
		}
	}
}

func connectCourier(c *wsClient, courierID, branchID, name string) {
	c.t.Helper()
	c.send(EventCourierConnect, &ConnectRequest{CourierID: courierID, BranchID: branchID, Name: name})
	var ack ConnectAck
	require.NoError(c.t, json.Unmarshal(c.expect(EventCourierConnected), &ack))
	require.True(c.t, ack.Success)
	require.Equal(c.t, courierID, ack.CourierID)
}

func ptr(f float64) *float64 { return &f }

func TestCourierConnect(t *testing.T) {
	cfg := testConfig()
	store := presence.NewMemoryStore(presence.Options{HardTimeout: 2 * cfg.CourierTimeout, GracePeriod: cfg.GracePeriod})
	_, srv := newTestHub(t, cfg, store, fanout.NewMemoryBroker())

	c := dial(t, srv)
	connectCourier(c, "c1", "b1", "Ayşe")

	// the courier joined its own branch topic and sees the announcement
	var online OnlineNotice
	require.NoError(t, json.Unmarshal(c.expect(EventCourierOnline), &online))
	assert.Equal(t, "c1", online.CourierID)
	assert.Equal(t, "b1", online.BranchID)

	sess, err := store.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "Ayşe", sess.Name)
}

func TestConnectValidation(t *testing.T) {
	cfg := testConfig()
	store := presence.NewMemoryStore(presence.Options{HardTimeout: time.Minute})
	_, srv := newTestHub(t, cfg, store, fanout.NewMemoryBroker())

	c := dial(t, srv)
	c.send(EventCourierConnect, &ConnectRequest{CourierID: "", BranchID: "b1"})

	var e ErrorNotice
	require.NoError(t, json.Unmarshal(c.expect(EventError), &e))
	assert.Contains(t, e.Message, "required")

	_, err := store.Get(context.Background(), "")
	assert.ErrorIs(t, err, presence.ErrNotRegistered)
}

func TestDuplicateLoginKick(t *testing.T) {
	cfg := testConfig()
	store := presence.NewMemoryStore(presence.Options{HardTimeout: 2 * cfg.CourierTimeout, GracePeriod: cfg.GracePeriod})
	_, srv := newTestHub(t, cfg, store, fanout.NewMemoryBroker())

	first := dial(t, srv)
	connectCourier(first, "c1", "b1", "Courier")

	second := dial(t, srv)
	connectCourier(second, "c1", "b1", "Courier")

	var kick KickNotice
	require.NoError(t, json.Unmarshal(first.expect(EventCourierKicked), &kick))
	assert.NotEmpty(t, kick.Reason)

	// exactly one session survives, owned by the latest connect
	snap, err := store.Snapshot(context.Background(), "b1")
	require.NoError(t, err)
	assert.Len(t, snap, 1)
}

func TestLocationUpdateBroadcast(t *testing.T) {
	cfg := testConfig()
	store := presence.NewMemoryStore(presence.Options{HardTimeout: 2 * cfg.CourierTimeout, GracePeriod: cfg.GracePeriod})
	_, srv := newTestHub(t, cfg, store, fanout.NewMemoryBroker())

	dash := dial(t, srv)
	dash.send(EventBranchSubscribe, &SubscribeRequest{BranchID: "b1"})
	dash.expect(EventBranchCouriers)

	courier := dial(t, srv)
	connectCourier(courier, "c1", "b1", "Mehmet")
	dash.expect(EventCourierOnline)

	courier.send(EventCourierLocation, &LocationRequest{
		CourierID: "c1",
		Latitude:  ptr(41.015),
		Longitude: ptr(28.979),
		Speed:     12.5,
	})

	var upd LocationUpdate
	require.NoError(t, json.Unmarshal(dash.expect(EventLocationUpdate), &upd))
	assert.Equal(t, "c1", upd.CourierID)
	assert.Equal(t, "Mehmet", upd.Name)
	assert.Equal(t, 41.015, upd.Latitude)
	assert.Equal(t, 28.979, upd.Longitude)
	assert.Equal(t, 12.5, upd.Speed)
	assert.NotZero(t, upd.ServerTimestamp)
}

func TestLocationWithoutSession(t *testing.T) {
	cfg := testConfig()
	store := presence.NewMemoryStore(presence.Options{HardTimeout: time.Minute})
	_, srv := newTestHub(t, cfg, store, fanout.NewMemoryBroker())

	dash := dial(t, srv)
	dash.send(EventBranchSubscribe, &SubscribeRequest{BranchID: "b1"})
	dash.expect(EventBranchCouriers)

	c := dial(t, srv)
	c.send(EventCourierLocation, &LocationRequest{CourierID: "ghost", Latitude: ptr(1), Longitude: ptr(2)})

	var e ErrorNotice
	require.NoError(t, json.Unmarshal(c.expect(EventError), &e))
	assert.Contains(t, e.Message, "not registered")

	// and nothing was broadcast
	dash.expectNone(EventLocationUpdate, 200*time.Millisecond)
}

func TestRateLimitDropsExcessUpdates(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLocationsPerMinute = 5
	store := presence.NewMemoryStore(presence.Options{HardTimeout: 2 * cfg.CourierTimeout, GracePeriod: cfg.GracePeriod})
	_, srv := newTestHub(t, cfg, store, fanout.NewMemoryBroker())

	dash := dial(t, srv)
	dash.send(EventBranchSubscribe, &SubscribeRequest{BranchID: "b1"})
	dash.expect(EventBranchCouriers)

	courier := dial(t, srv)
	connectCourier(courier, "c1", "b1", "Courier")

	for i := 0; i < 8; i++ {
		courier.send(EventCourierLocation, &LocationRequest{
			CourierID: "c1",
			Latitude:  ptr(41.0 + float64(i)/1000),
			Longitude: ptr(29.0),
		})
	}

	assert.Equal(t, 5, dash.count(EventLocationUpdate, 500*time.Millisecond))
}

func TestBatchTruncation(t *testing.T) {
	cfg := testConfig()
	store := presence.NewMemoryStore(presence.Options{HardTimeout: 2 * cfg.CourierTimeout, GracePeriod: cfg.GracePeriod})
	_, srv := newTestHub(t, cfg, store, fanout.NewMemoryBroker())

	dash := dial(t, srv)
	dash.send(EventBranchSubscribe, &SubscribeRequest{BranchID: "b1"})
	dash.expect(EventBranchCouriers)

	courier := dial(t, srv)
	connectCourier(courier, "c1", "b1", "Courier")
	dash.expect(EventCourierOnline)

	samples := make([]BatchSample, 75)
	for i := range samples {
		samples[i] = BatchSample{Latitude: ptr(float64(i)), Longitude: ptr(29.0)}
	}
	courier.send(EventLocationBatch, &BatchRequest{CourierID: "c1", Locations: samples})

	var ack BatchAck
	require.NoError(t, json.Unmarshal(courier.expect(EventBatchAck), &ack))
	assert.Equal(t, 50, ack.Received)

	var bc BatchBroadcast
	require.NoError(t, json.Unmarshal(dash.expect(EventLocationBatch), &bc))
	assert.Len(t, bc.Locations, 50)

	// the session's position is the last accepted sample, index 49
	sess, err := store.Get(context.Background(), "c1")
	require.NoError(t, err)
	require.NotNil(t, sess.Location)
	assert.Equal(t, 49.0, sess.Location.Latitude)
}

func TestSubscribeSnapshot(t *testing.T) {
	cfg := testConfig()
	store := presence.NewMemoryStore(presence.Options{HardTimeout: 2 * cfg.CourierTimeout, GracePeriod: cfg.GracePeriod})
	_, srv := newTestHub(t, cfg, store, fanout.NewMemoryBroker())

	for _, id := range []string{"c1", "c2", "c3"} {
		c := dial(t, srv)
		connectCourier(c, id, "b1", "Courier "+id)
	}

	dash := dial(t, srv)
	dash.send(EventBranchSubscribe, &SubscribeRequest{BranchID: "b1"})

	var entries []CourierEntry
	require.NoError(t, json.Unmarshal(dash.expect(EventBranchCouriers), &entries))
	require.Len(t, entries, 3)
	for _, e := range entries {
		assert.True(t, e.IsOnline, "courier %s", e.CourierID)
	}
}

func TestGraceReconnectStaysSilent(t *testing.T) {
	cfg := testConfig()
	store := presence.NewMemoryStore(presence.Options{HardTimeout: 2 * cfg.CourierTimeout, GracePeriod: cfg.GracePeriod})
	_, srv := newTestHub(t, cfg, store, fanout.NewMemoryBroker())

	dash := dial(t, srv)
	dash.send(EventBranchSubscribe, &SubscribeRequest{BranchID: "b1"})
	dash.expect(EventBranchCouriers)

	courier := dial(t, srv)
	connectCourier(courier, "c1", "b1", "Courier")
	dash.expect(EventCourierOnline)

	courier.conn.Close()

	var off OfflineNotice
	require.NoError(t, json.Unmarshal(dash.expect(EventCourierOffline), &off))
	assert.Equal(t, "c1", off.CourierID)

	// quick reconnect inside the grace window: ack only, no re-announcement
	again := dial(t, srv)
	connectCourier(again, "c1", "b1", "Courier")
	dash.expectNone(EventCourierOnline, 300*time.Millisecond)

	snap, err := store.Snapshot(context.Background(), "b1")
	require.NoError(t, err)
	assert.Len(t, snap, 1)
}

func TestCrossInstanceFanout(t *testing.T) {
	cfg := testConfig()
	store := presence.NewMemoryStore(presence.Options{HardTimeout: 2 * cfg.CourierTimeout, GracePeriod: cfg.GracePeriod})
	broker := fanout.NewMemoryBroker()

	_, srvA := newTestHub(t, cfg, store, broker)
	_, srvB := newTestHub(t, cfg, store, broker)

	dash := dial(t, srvB)
	dash.send(EventBranchSubscribe, &SubscribeRequest{BranchID: "b1"})
	dash.expect(EventBranchCouriers)

	courier := dial(t, srvA)
	connectCourier(courier, "c1", "b1", "Courier")
	dash.expect(EventCourierOnline)

	courier.send(EventCourierLocation, &LocationRequest{CourierID: "c1", Latitude: ptr(40.0), Longitude: ptr(29.0)})

	var upd LocationUpdate
	require.NoError(t, json.Unmarshal(dash.expect(EventLocationUpdate), &upd))
	assert.Equal(t, 40.0, upd.Latitude)
}

func TestCrossInstanceKick(t *testing.T) {
	cfg := testConfig()
	store := presence.NewMemoryStore(presence.Options{HardTimeout: 2 * cfg.CourierTimeout, GracePeriod: cfg.GracePeriod})
	broker := fanout.NewMemoryBroker()

	_, srvA := newTestHub(t, cfg, store, broker)
	_, srvB := newTestHub(t, cfg, store, broker)

	old := dial(t, srvA)
	connectCourier(old, "c1", "b1", "Courier")

	fresh := dial(t, srvB)
	connectCourier(fresh, "c1", "b1", "Courier")

	var kick KickNotice
	require.NoError(t, json.Unmarshal(old.expect(EventCourierKicked), &kick))
	assert.NotEmpty(t, kick.Reason)
}

func TestEvictionAnnouncesTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.CourierTimeout = 50 * time.Millisecond
	store := presence.NewMemoryStore(presence.Options{HardTimeout: 100 * time.Millisecond, GracePeriod: cfg.GracePeriod})
	broker := fanout.NewMemoryBroker()
	h, srv := newTestHub(t, cfg, store, broker)

	dash := dial(t, srv)
	dash.send(EventBranchSubscribe, &SubscribeRequest{BranchID: "b1"})
	dash.expect(EventBranchCouriers)

	courier := dial(t, srv)
	connectCourier(courier, "c1", "b1", "Courier")
	dash.expect(EventCourierOnline)

	time.Sleep(200 * time.Millisecond)

	sweeper := presence.NewSweeper(store, time.Minute, zerolog.Nop())
	sweeper.OnEvict = h.HandleEvictions
	sweeper.Sweep(context.Background())

	var off OfflineNotice
	require.NoError(t, json.Unmarshal(dash.expect(EventCourierOffline), &off))
	assert.Equal(t, "timeout", off.Reason)

	snap, err := store.Snapshot(context.Background(), "b1")
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestPingPong(t *testing.T) {
	cfg := testConfig()
	store := presence.NewMemoryStore(presence.Options{HardTimeout: time.Minute})
	_, srv := newTestHub(t, cfg, store, fanout.NewMemoryBroker())

	c := dial(t, srv)
	c.send(EventPing, struct{}{})

	var pong Pong
	require.NoError(t, json.Unmarshal(c.expect(EventPong), &pong))
	assert.NotZero(t, pong.ServerTime)
}
