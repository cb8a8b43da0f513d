package hub

import (
	"encoding/json"
	"errors"
	"time"

	"fleetwatch.dev/presence"
)

// Client-facing event names. These are the compatibility contract; courier
// apps and dashboards match on them verbatim.
const (
	EventCourierConnect   = "courier:connect"
	EventCourierConnected = "courier:connected"
	EventCourierKicked    = "courier:kicked"
	EventCourierOnline    = "courier:online"
	EventCourierLocation  = "courier:location"
	EventLocationUpdate   = "courier:location:update"
	EventLocationBatch    = "courier:location:batch"
	EventBatchAck         = "courier:batch:ack"
	EventBranchSubscribe  = "branch:subscribe"
	EventBranchCouriers   = "branch:couriers"
	EventCourierOffline   = "courier:offline"
	EventPing             = "ping"
	EventPong             = "pong"
	EventError            = "error"
)

// eventConnKick is the internal cross-instance control event that tells
// whichever instance holds a superseded connection to kick it. Never
// forwarded to clients.
const eventConnKick = "conn:kick"

// Envelope is the wire frame: an event name plus its payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

var errValidation = errors.New("invalid payload")

// ConnectRequest registers or refreshes a courier session.
type ConnectRequest struct {
	CourierID  string `json:"courierId"`
	BranchID   string `json:"branchId"`
	Name       string `json:"name"`
	AppVersion string `json:"appVersion,omitempty"`
	Platform   string `json:"platform,omitempty"`
}

func (r *ConnectRequest) validate() error {
	if r.CourierID == "" || r.BranchID == "" {
		return errValidation
	}
	return nil
}

// ConnectAck acknowledges a courier:connect.
type ConnectAck struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	CourierID  string `json:"courierId"`
	ServerTime int64  `json:"serverTime"`
}

// KickNotice tells a superseded connection it lost the courier.
type KickNotice struct {
	Reason string `json:"reason"`
}

// connKick is the eventConnKick payload.
type connKick struct {
	ConnectionID string `json:"connectionId"`
	Reason       string `json:"reason"`
}

// OnlineNotice announces a courier to its branch.
type OnlineNotice struct {
	CourierID string `json:"courierId"`
	Name      string `json:"name"`
	BranchID  string `json:"branchId"`
	Timestamp int64  `json:"timestamp"`
}

// OfflineNotice announces a courier leaving its branch.
type OfflineNotice struct {
	CourierID string `json:"courierId"`
	Name      string `json:"name"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

// LocationRequest is a single courier:location sample. Latitude and
// longitude are required; pointers tell presence apart from zero values.
// Optional fields default to zero (battery: to the previous level).
type LocationRequest struct {
	CourierID    string   `json:"courierId"`
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
	Speed        float64  `json:"speed,omitempty"`
	Heading      float64  `json:"heading,omitempty"`
	Accuracy     float64  `json:"accuracy,omitempty"`
	Timestamp    int64    `json:"timestamp,omitempty"`
	BatteryLevel *int     `json:"batteryLevel,omitempty"`
}

func (r *LocationRequest) validate() error {
	if r.CourierID == "" || r.Latitude == nil || r.Longitude == nil {
		return errValidation
	}
	return nil
}

// location converts the request to a presence sample, defaulting the
// sample time to now when the client sent none.
func (r *LocationRequest) location(now time.Time) presence.Location {
	ts := now
	if r.Timestamp > 0 {
		ts = time.UnixMilli(r.Timestamp)
	}
	return presence.Location{
		Latitude:  *r.Latitude,
		Longitude: *r.Longitude,
		Speed:     r.Speed,
		Heading:   r.Heading,
		Accuracy:  r.Accuracy,
		Timestamp: ts,
	}
}

// battery returns the requested level or -1 for "keep previous".
func (r *LocationRequest) battery() int {
	if r.BatteryLevel == nil {
		return -1
	}
	return *r.BatteryLevel
}

// LocationUpdate is the per-branch broadcast for one accepted sample.
type LocationUpdate struct {
	CourierID       string  `json:"courierId"`
	Name            string  `json:"name"`
	Latitude        float64 `json:"latitude"`
	Longitude       float64 `json:"longitude"`
	Speed           float64 `json:"speed"`
	Heading         float64 `json:"heading"`
	Accuracy        float64 `json:"accuracy"`
	Timestamp       int64   `json:"timestamp"`
	BatteryLevel    int     `json:"batteryLevel"`
	ServerTimestamp int64   `json:"serverTimestamp"`
}

// BatchSample is one entry of a courier:location:batch.
type BatchSample struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Speed     float64  `json:"speed,omitempty"`
	Heading   float64  `json:"heading,omitempty"`
	Accuracy  float64  `json:"accuracy,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
}

func (s *BatchSample) valid() bool {
	return s.Latitude != nil && s.Longitude != nil
}

func (s *BatchSample) location(now time.Time) presence.Location {
	ts := now
	if s.Timestamp > 0 {
		ts = time.UnixMilli(s.Timestamp)
	}
	return presence.Location{
		Latitude:  *s.Latitude,
		Longitude: *s.Longitude,
		Speed:     s.Speed,
		Heading:   s.Heading,
		Accuracy:  s.Accuracy,
		Timestamp: ts,
	}
}

// BatchRequest uploads buffered samples in one message.
type BatchRequest struct {
	CourierID string        `json:"courierId"`
	Locations []BatchSample `json:"locations"`
}

func (r *BatchRequest) validate() error {
	if r.CourierID == "" || len(r.Locations) == 0 {
		return errValidation
	}
	return nil
}

// BatchBroadcast is the per-branch broadcast of an accepted batch.
type BatchBroadcast struct {
	CourierID       string         `json:"courierId"`
	Name            string         `json:"name"`
	Locations       []BroadcastLoc `json:"locations"`
	ServerTimestamp int64          `json:"serverTimestamp"`
}

// BroadcastLoc is one batch sample as broadcast, optionals resolved.
type BroadcastLoc struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Speed     float64 `json:"speed"`
	Heading   float64 `json:"heading"`
	Accuracy  float64 `json:"accuracy"`
	Timestamp int64   `json:"timestamp"`
}

// BatchAck reports how many samples the server kept.
type BatchAck struct {
	Received  int   `json:"received"`
	Timestamp int64 `json:"timestamp"`
}

// SubscribeRequest joins a dashboard to a branch topic.
type SubscribeRequest struct {
	BranchID string `json:"branchId"`
}

func (r *SubscribeRequest) validate() error {
	if r.BranchID == "" {
		return errValidation
	}
	return nil
}

// CourierEntry is one row of the branch:couriers snapshot.
type CourierEntry struct {
	CourierID    string             `json:"courierId"`
	Name         string             `json:"name"`
	Location     *presence.Location `json:"location"`
	BatteryLevel int                `json:"batteryLevel"`
	LastUpdate   int64              `json:"lastUpdate"`
	IsOnline     bool               `json:"isOnline"`
}

// Pong answers a ping.
type Pong struct {
	ServerTime int64 `json:"serverTime"`
}

// ErrorNotice surfaces validation and registration failures.
type ErrorNotice struct {
	Message string `json:"message"`
}
