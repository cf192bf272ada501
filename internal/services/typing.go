package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TimerScheduler holds at most one pending timer per key. Scheduling a key
// that already has a timer replaces it, so a typing refresh restarts the
// countdown instead of stacking timers.
type TimerScheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{timers: make(map[string]*time.Timer)}
}

// Schedule runs fn after d, replacing any pending timer for the key.
func (s *TimerScheduler) Schedule(key string, d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
	}
	s.timers[key] = time.AfterFunc(d, func() {
		s.mu.Lock()
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
}

// Cancel stops the pending timer for the key, reporting whether one existed.
func (s *TimerScheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[key]
	if ok {
		t.Stop()
		delete(s.timers, key)
	}
	return ok
}

// CancelPrefix stops every pending timer whose key starts with prefix. Used
// on disconnect to drop all timers scoped to a connection's rooms.
func (s *TimerScheduler) CancelPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, t := range s.timers {
		if strings.HasPrefix(key, prefix) {
			t.Stop()
			delete(s.timers, key)
			n++
		}
	}
	return n
}

// Stop cancels everything.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}

// markerGrace is how much longer the Redis marker lives than the local stop
// timer. The timer fires at the timeout and must still find the key to win
// the DEL and announce; the TTL is only the backstop for a crashed instance,
// surfaced through the keyspace-expiry subscription.
const markerGrace = 2 * time.Second

// TypingManager holds short-lived is-typing markers per (room, actor). The
// marker lives in the shared cache; a local timer keyed (room, actor)
// produces the stop announcement at the typing timeout in the normal case.
//
// Idle -> Typing -> Idle. Start while typing refreshes without announcing;
// stop while idle announces nothing. The announce decision for every stop
// trigger (explicit stop, message send, expiry) is the atomic DEL count, so
// near-simultaneous triggers produce exactly one announcement cluster-wide.
type TypingManager struct {
	client  *redis.Client
	timeout time.Duration
	sched   *TimerScheduler
	log     *slog.Logger

	// OnExpire is invoked when a marker times out without an explicit
	// stop, after the marker has been removed. Set once at wiring time.
	OnExpire func(roomID string, actor Identity)
}

func NewTypingManager(client *redis.Client, timeout time.Duration, log *slog.Logger) *TypingManager {
	return &TypingManager{
		client:  client,
		timeout: timeout,
		sched:   NewTimerScheduler(),
		log:     log,
	}
}

func typingKey(roomID, actorID string) string { return "typing:" + roomID + ":" + actorID }

// Start moves (room, actor) to Typing. Returns true when the transition was
// Idle->Typing and the room should hear "started typing"; a refresh while
// already Typing extends the TTL and restarts the timer without announcing.
func (m *TypingManager) Start(ctx context.Context, roomID string, actor Identity) (bool, error) {
	key := typingKey(roomID, actor.ActorID)
	created, err := m.client.SetNX(ctx, key, "1", m.timeout+markerGrace).Result()
	if err != nil {
		return false, fmt.Errorf("typing start: %w: %v", ErrDependencyUnavailable, err)
	}
	if !created {
		if err := m.client.Expire(ctx, key, m.timeout+markerGrace).Err(); err != nil {
			return false, fmt.Errorf("typing refresh: %w: %v", ErrDependencyUnavailable, err)
		}
	}

	m.sched.Schedule(key, m.timeout, func() {
		m.expire(roomID, actor)
	})
	return created, nil
}

// Stop moves (room, actor) to Idle. Returns true when a marker was actually
// removed, i.e. this caller won the race and owns the announcement.
func (m *TypingManager) Stop(ctx context.Context, roomID, actorID string) (bool, error) {
	key := typingKey(roomID, actorID)
	m.sched.Cancel(key)
	removed, err := m.client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("typing stop: %w: %v", ErrDependencyUnavailable, err)
	}
	return removed > 0, nil
}

// ClearRoom stops typing for the actor in one room without error reporting;
// disconnect cleanup path.
func (m *TypingManager) ClearRoom(roomID, actorID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stopped, err := m.Stop(ctx, roomID, actorID)
	if err != nil {
		m.log.Warn("typing cleanup failed", "room", roomID, "actor", actorID, "err", err)
		return false
	}
	return stopped
}

func (m *TypingManager) expire(roomID string, actor Identity) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	removed, err := m.client.Del(ctx, typingKey(roomID, actor.ActorID)).Result()
	if err != nil {
		m.log.Warn("typing expiry failed", "room", roomID, "actor", actor.ActorID, "err", err)
		return
	}
	if removed > 0 && m.OnExpire != nil {
		m.OnExpire(roomID, actor)
	}
}

// Close cancels all pending timers.
func (m *TypingManager) Close() {
	m.sched.Stop()
}
