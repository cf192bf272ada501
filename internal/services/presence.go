package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Presence status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// PresenceStatus is an actor's online state and last-seen time.
type PresenceStatus struct {
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

// PresenceStore tracks online state per actor in the shared cache. Records
// carry a TTL so a crashed instance cannot leave a permanently-stale online
// entry: without heartbeats the record expires on its own.
//
// Connection counting and transition detection run inside Redis scripts so a
// cluster of instances announces each offline->online and online->offline
// transition exactly once.
type PresenceStore struct {
	client *redis.Client
	ttl    time.Duration
	log    *slog.Logger
}

func NewPresenceStore(client *redis.Client, ttl time.Duration, log *slog.Logger) *PresenceStore {
	return &PresenceStore{client: client, ttl: ttl, log: log}
}

func presenceKey(actorID string) string { return "presence:" + actorID }
func lastSeenKey(actorID string) string { return "lastseen:" + actorID }

// connectScript increments the connection count and reports whether this was
// the 0->1 transition.
var connectScript = redis.NewScript(`
	local conns = redis.call('HINCRBY', KEYS[1], 'conns', 1)
	redis.call('HSET', KEYS[1], 'status', 'online', 'last_seen', ARGV[2])
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	if conns == 1 then
		return 1
	end
	return 0
`)

// disconnectScript decrements the connection count; on the last connection it
// removes the record and persists last-seen separately.
var disconnectScript = redis.NewScript(`
	local conns = redis.call('HINCRBY', KEYS[1], 'conns', -1)
	if conns <= 0 then
		redis.call('DEL', KEYS[1])
		redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
		return 1
	end
	redis.call('HSET', KEYS[1], 'last_seen', ARGV[1])
	return 0
`)

// refreshScript extends the TTL of a live record. A missing record (missed
// heartbeats, cache flush) is reported back instead of recreated here: the
// recovery must add one connection count per refreshing connection, which is
// what SetOnline does, or an actor with several connections would come back
// as conns = 1 and a single disconnect would announce a bogus offline.
var refreshScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return 1
	end
	redis.call('HSET', KEYS[1], 'last_seen', ARGV[2])
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	return 0
`)

// SetOnline records a new connection for the actor. The returned bool is true
// only on the offline->online transition; repeat calls while online refresh
// the record without re-announcing.
func (p *PresenceStore) SetOnline(ctx context.Context, actorID string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := connectScript.Run(ctx, p.client, []string{presenceKey(actorID)}, p.ttl.Milliseconds(), now).Int()
	if err != nil {
		return false, fmt.Errorf("presence set online: %w: %v", ErrDependencyUnavailable, err)
	}
	return res == 1, nil
}

// SetOffline records a connection going away. The returned bool is true only
// when this was the actor's last connection anywhere.
func (p *PresenceStore) SetOffline(ctx context.Context, actorID string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	keys := []string{presenceKey(actorID), lastSeenKey(actorID)}
	res, err := disconnectScript.Run(ctx, p.client, keys, now, (30 * 24 * time.Hour).Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("presence set offline: %w: %v", ErrDependencyUnavailable, err)
	}
	return res == 1, nil
}

// Refresh extends the record's TTL (heartbeat). True means the record had
// expired and came back, which counts as a new online transition. Each
// connection heartbeats on its own, so after an expiry every surviving
// connection re-adds its count within one heartbeat interval; only the first
// one back reports the transition.
func (p *PresenceStore) Refresh(ctx context.Context, actorID string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := refreshScript.Run(ctx, p.client, []string{presenceKey(actorID)}, p.ttl.Milliseconds(), now).Int()
	if err != nil {
		return false, fmt.Errorf("presence refresh: %w: %v", ErrDependencyUnavailable, err)
	}
	if res == 1 {
		return p.SetOnline(ctx, actorID)
	}
	return false, nil
}

// GetStatus reads an actor's presence. An absent record means offline, with
// last-seen recovered from the separate last-seen key when available.
func (p *PresenceStore) GetStatus(ctx context.Context, actorID string) (PresenceStatus, error) {
	fields, err := p.client.HGetAll(ctx, presenceKey(actorID)).Result()
	if err != nil {
		return PresenceStatus{}, fmt.Errorf("presence get: %w: %v", ErrDependencyUnavailable, err)
	}
	if len(fields) > 0 {
		status := PresenceStatus{Status: StatusOnline}
		if ts, err := time.Parse(time.RFC3339, fields["last_seen"]); err == nil {
			status.LastSeen = ts
		}
		return status, nil
	}

	status := PresenceStatus{Status: StatusOffline}
	raw, err := p.client.Get(ctx, lastSeenKey(actorID)).Result()
	if err != nil && err != redis.Nil {
		return PresenceStatus{}, fmt.Errorf("presence last seen: %w: %v", ErrDependencyUnavailable, err)
	}
	if ts, perr := time.Parse(time.RFC3339, raw); perr == nil {
		status.LastSeen = ts
	}
	return status, nil
}

// IsOnline is a convenience over GetStatus that fails soft: on a cache outage
// it reports offline and logs, because presence must never block delivery.
func (p *PresenceStore) IsOnline(ctx context.Context, actorID string) bool {
	status, err := p.GetStatus(ctx, actorID)
	if err != nil {
		p.log.Warn("presence lookup failed", "actor", actorID, "err", err)
		return false
	}
	return status.Status == StatusOnline
}
