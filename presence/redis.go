package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionPrefix = "fleet:courier:"
	branchPrefix  = "fleet:branch:"
	deadlineKey   = "fleet:deadline"
)

// RedisStore shares presence state between instances. Sessions live as JSON
// strings, the branch index as sets, and eviction deadlines in one sorted
// set. Every mutation runs as a Lua script so the ownership compare and the
// write are a single atomic round trip.
type RedisStore struct {
	rdb  *redis.Client
	opts Options
}

func NewRedisStore(rdb *redis.Client, opts Options) *RedisStore {
	return &RedisStore{rdb: rdb, opts: opts}
}

// Scripts return redis errors for the ownership/registration outcomes; the
// Go side maps them back onto the package sentinels.
var (
	connectScript = redis.NewScript(`
local payload = ARGV[1]
local now = tonumber(ARGV[2])
local grace = tonumber(ARGV[3])
local hard = tonumber(ARGV[4])
local maxbr = tonumber(ARGV[5])
local prefix = ARGV[6]
local id = ARGV[7]
local branch = ARGV[8]
local cur = redis.call('GET', KEYS[1])
local resumed = 0
if cur then
  local prev = cjson.decode(cur)
  if prev.branchId ~= branch then
    redis.call('SREM', prefix .. prev.branchId, id)
  end
  if prev.graceSince and prev.graceSince > 0 and (now - prev.graceSince) <= grace then
    resumed = 1
    local sess = cjson.decode(payload)
    if sess.location == nil and prev.location ~= nil then
      sess.location = prev.location
      payload = cjson.encode(sess)
    end
  end
elseif maxbr > 0 and redis.call('SCARD', prefix .. branch) >= maxbr then
  return redis.error_reply('branch full')
end
redis.call('SET', KEYS[1], payload)
redis.call('SADD', prefix .. branch, id)
redis.call('ZADD', KEYS[2], now + hard, id)
if cur then
  return {cur, resumed}
end
return {'', resumed}
`)

	updateScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return redis.error_reply('not registered')
end
local sess = cjson.decode(cur)
if sess.connectionId ~= ARGV[1] then
  return redis.error_reply('not owner')
end
if sess.graceSince and sess.graceSince > 0 then
  return redis.error_reply('not owner')
end
sess.location = cjson.decode(ARGV[2])
local battery = tonumber(ARGV[3])
if battery >= 0 then
  sess.batteryLevel = battery
end
sess.lastUpdate = tonumber(ARGV[4])
local out = cjson.encode(sess)
redis.call('SET', KEYS[1], out)
redis.call('ZADD', KEYS[2], tonumber(ARGV[4]) + tonumber(ARGV[5]), ARGV[6])
return out
`)

	downgradeScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur then
  return redis.error_reply('not registered')
end
local sess = cjson.decode(cur)
if sess.connectionId ~= ARGV[1] then
  return redis.error_reply('not owner')
end
if sess.graceSince and sess.graceSince > 0 then
  return cur
end
sess.graceSince = tonumber(ARGV[2])
local out = cjson.encode(sess)
redis.call('SET', KEYS[1], out)
local dl = tonumber(ARGV[2]) + tonumber(ARGV[3])
local curdl = tonumber(redis.call('ZSCORE', KEYS[2], ARGV[4]))
if curdl == nil or dl < curdl then
  redis.call('ZADD', KEYS[2], dl, ARGV[4])
end
return out
`)

	expireScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local out = {}
for i, id in ipairs(due) do
  redis.call('ZREM', KEYS[1], id)
  local cur = redis.call('GET', ARGV[2] .. id)
  if cur then
    local sess = cjson.decode(cur)
    redis.call('DEL', ARGV[2] .. id)
    redis.call('SREM', ARGV[3] .. sess.branchId, id)
    table.insert(out, cur)
  end
end
return out
`)
)

// wireSession is the JSON shape stored in redis. Timestamps are unix
// milliseconds so the Lua scripts can compare them numerically.
type wireSession struct {
	CourierID    string        `json:"courierId"`
	BranchID     string        `json:"branchId"`
	Name         string        `json:"name"`
	ConnectionID string        `json:"connectionId"`
	Location     *wireLocation `json:"location,omitempty"`
	Battery      int           `json:"batteryLevel"`
	LastUpdate   int64         `json:"lastUpdate"`
	GraceSince   int64         `json:"graceSince,omitempty"`
	Platform     string        `json:"platform,omitempty"`
	AppVersion   string        `json:"appVersion,omitempty"`
}

type wireLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Speed     float64 `json:"speed"`
	Heading   float64 `json:"heading"`
	Accuracy  float64 `json:"accuracy"`
	Timestamp int64   `json:"timestamp"`
}

func toWire(s *Session) *wireSession {
	w := &wireSession{
		CourierID:    s.CourierID,
		BranchID:     s.BranchID,
		Name:         s.Name,
		ConnectionID: s.ConnectionID,
		Battery:      s.Battery,
		LastUpdate:   s.LastUpdate.UnixMilli(),
		Platform:     s.Platform,
		AppVersion:   s.AppVersion,
	}
	if !s.GraceSince.IsZero() {
		w.GraceSince = s.GraceSince.UnixMilli()
	}
	if s.Location != nil {
		w.Location = &wireLocation{
			Latitude:  s.Location.Latitude,
			Longitude: s.Location.Longitude,
			Speed:     s.Location.Speed,
			Heading:   s.Location.Heading,
			Accuracy:  s.Location.Accuracy,
			Timestamp: s.Location.Timestamp.UnixMilli(),
		}
	}
	return w
}

func fromWire(w *wireSession) *Session {
	s := &Session{
		CourierID:    w.CourierID,
		BranchID:     w.BranchID,
		Name:         w.Name,
		ConnectionID: w.ConnectionID,
		Battery:      w.Battery,
		LastUpdate:   time.UnixMilli(w.LastUpdate),
		Platform:     w.Platform,
		AppVersion:   w.AppVersion,
	}
	if w.GraceSince > 0 {
		s.GraceSince = time.UnixMilli(w.GraceSince)
	}
	if w.Location != nil {
		s.Location = &Location{
			Latitude:  w.Location.Latitude,
			Longitude: w.Location.Longitude,
			Speed:     w.Location.Speed,
			Heading:   w.Location.Heading,
			Accuracy:  w.Location.Accuracy,
			Timestamp: time.UnixMilli(w.Location.Timestamp),
		}
	}
	return s
}

func decodeWire(raw string) (*Session, error) {
	var w wireSession
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("presence: decode session: %w", err)
	}
	return fromWire(&w), nil
}

func mapScriptErr(err error) error {
	switch {
	case err == nil:
		return nil
	case strings.Contains(err.Error(), "branch full"):
		return ErrBranchFull
	case strings.Contains(err.Error(), "not registered"):
		return ErrNotRegistered
	case strings.Contains(err.Error(), "not owner"):
		return ErrNotOwner
	}
	return err
}

func (r *RedisStore) Connect(ctx context.Context, s *Session) (*Session, bool, error) {
	payload, err := json.Marshal(toWire(s))
	if err != nil {
		return nil, false, fmt.Errorf("presence: encode session: %w", err)
	}

	res, err := connectScript.Run(ctx, r.rdb,
		[]string{sessionPrefix + s.CourierID, deadlineKey},
		string(payload),
		s.LastUpdate.UnixMilli(),
		r.opts.GracePeriod.Milliseconds(),
		r.opts.HardTimeout.Milliseconds(),
		r.opts.MaxPerBranch,
		branchPrefix,
		s.CourierID,
		s.BranchID,
	).Result()
	if err != nil {
		return nil, false, mapScriptErr(err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return nil, false, fmt.Errorf("presence: unexpected connect reply %T", res)
	}

	resumed := false
	if n, ok := reply[1].(int64); ok {
		resumed = n == 1
	}

	raw, _ := reply[0].(string)
	if raw == "" {
		return nil, resumed, nil
	}
	prev, err := decodeWire(raw)
	if err != nil {
		return nil, resumed, err
	}
	return prev, resumed, nil
}

func (r *RedisStore) Update(ctx context.Context, courierID, connID string, loc Location, battery int, now time.Time) (*Session, error) {
	locJSON, err := json.Marshal(&wireLocation{
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Speed:     loc.Speed,
		Heading:   loc.Heading,
		Accuracy:  loc.Accuracy,
		Timestamp: loc.Timestamp.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("presence: encode location: %w", err)
	}

	raw, err := updateScript.Run(ctx, r.rdb,
		[]string{sessionPrefix + courierID, deadlineKey},
		connID,
		string(locJSON),
		battery,
		now.UnixMilli(),
		r.opts.HardTimeout.Milliseconds(),
		courierID,
	).Text()
	if err != nil {
		return nil, mapScriptErr(err)
	}
	return decodeWire(raw)
}

func (r *RedisStore) Downgrade(ctx context.Context, courierID, connID string, now time.Time) (*Session, error) {
	raw, err := downgradeScript.Run(ctx, r.rdb,
		[]string{sessionPrefix + courierID, deadlineKey},
		connID,
		now.UnixMilli(),
		r.opts.GracePeriod.Milliseconds(),
		courierID,
	).Text()
	if err != nil {
		return nil, mapScriptErr(err)
	}
	return decodeWire(raw)
}

func (r *RedisStore) Get(ctx context.Context, courierID string) (*Session, error) {
	raw, err := r.rdb.Get(ctx, sessionPrefix+courierID).Result()
	if err == redis.Nil {
		return nil, ErrNotRegistered
	}
	if err != nil {
		return nil, fmt.Errorf("presence: get %s: %w", courierID, err)
	}
	return decodeWire(raw)
}

func (r *RedisStore) Snapshot(ctx context.Context, branchID string) ([]*Session, error) {
	ids, err := r.rdb.SMembers(ctx, branchPrefix+branchID).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: branch members %s: %w", branchID, err)
	}
	if len(ids) == 0 {
		return []*Session{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionPrefix + id
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: snapshot %s: %w", branchID, err)
	}

	sessions := make([]*Session, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// index entry outlived its session; the sweeper will reconcile
			continue
		}
		s, err := decodeWire(raw)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func (r *RedisStore) Expire(ctx context.Context, now time.Time) ([]*Session, error) {
	res, err := expireScript.Run(ctx, r.rdb,
		[]string{deadlineKey},
		now.UnixMilli(),
		sessionPrefix,
		branchPrefix,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: expire: %w", err)
	}

	reply, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("presence: unexpected expire reply %T", res)
	}

	evicted := make([]*Session, 0, len(reply))
	for _, v := range reply {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		s, err := decodeWire(raw)
		if err != nil {
			return nil, err
		}
		evicted = append(evicted, s)
	}
	return evicted, nil
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
