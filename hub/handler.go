package hub

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWS upgrades the request and runs the connection until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	if max := h.cfg.MaxConnectionsPerIP; max > 0 {
		h.mtx.Lock()
		n := h.ipConns[ip]
		if n >= max {
			h.mtx.Unlock()
			http.Error(w, "too many connections", http.StatusTooManyRequests)
			return
		}
		h.ipConns[ip] = n + 1
		h.mtx.Unlock()
	}

	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error; undo the ip count
		if h.cfg.MaxConnectionsPerIP > 0 {
			h.mtx.Lock()
			if n := h.ipConns[ip]; n <= 1 {
				delete(h.ipConns, ip)
			} else {
				h.ipConns[ip] = n - 1
			}
			h.mtx.Unlock()
		}
		return
	}

	c := newConn(r.Context(), sock, h, ip)

	h.mtx.Lock()
	h.conns[c.id] = c
	h.mtx.Unlock()

	h.log.Debug().Str("conn", c.id).Str("ip", ip).Msg("connection accepted")
	c.run()
}

// GetCouriersHandler returns the branch snapshot as JSON, the HTTP twin of
// the branch:couriers event.
func (h *Hub) GetCouriersHandler(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	branch := r.Form.Get("branch")
	if branch == "" {
		http.Error(w, "branch is required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	entries, err := h.snapshotEntries(ctx, branch)
	if err != nil {
		http.Error(w, "snapshot unavailable", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, entries)
}

// GetHistoryHandler serves the rolling window of one courier for late
// dashboard catch-up.
func (h *Hub) GetHistoryHandler(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	courier := r.Form.Get("courier")
	if courier == "" {
		http.Error(w, "courier is required", http.StatusBadRequest)
		return
	}

	writeJSON(w, h.buffer.Recent(courier))
}

// HealthHandler reports liveness; an unreachable presence store degrades
// the instance to 503 so the load balancer stops routing to it.
func (h *Hub) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		b, _ := json.Marshal(map[string]string{"status": "degraded", "error": err.Error()})
		w.Write(b)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

// StatsHandler exposes instance-local counters.
func (h *Hub) StatsHandler(w http.ResponseWriter, r *http.Request) {
	h.mtx.Lock()
	conns := len(h.conns)
	topics := len(h.topics)
	h.mtx.Unlock()

	writeJSON(w, map[string]interface{}{
		"serverId":    h.serverID,
		"connections": conns,
		"branches":    topics,
		"tracked":     h.buffer.Couriers(),
		"uptime":      time.Since(h.started).String(),
	})
}

// Stats returns connection and topic counts for the periodic stats log.
func (h *Hub) Stats() (conns, topics int) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return len(h.conns), len(h.topics)
}

// WithCors allows dashboards served from any origin to reach the API.
func WithCors(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			return
		}

		h.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "encoding failed", http.StatusInternalServerError)
		return
	}
	w.Write(b)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
