package services

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestTimerScheduler_ReplacesOnReschedule(t *testing.T) {
	sched := NewTimerScheduler()
	defer sched.Stop()

	var fired int32
	sched.Schedule("k", 50*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	sched.Schedule("k", 50*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })

	time.Sleep(150 * time.Millisecond)
	if n := atomic.LoadInt32(&fired); n != 1 {
		t.Errorf("rescheduling must replace the pending timer, fired %d times", n)
	}
}

func TestTimerScheduler_Cancel(t *testing.T) {
	sched := NewTimerScheduler()
	defer sched.Stop()

	var fired int32
	sched.Schedule("k", 50*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	if !sched.Cancel("k") {
		t.Fatal("Cancel should report an existing timer")
	}
	if sched.Cancel("k") {
		t.Fatal("second Cancel should find nothing")
	}

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Error("cancelled timer must not fire")
	}
}

func TestTimerScheduler_CancelPrefix(t *testing.T) {
	sched := NewTimerScheduler()
	defer sched.Stop()

	var fired int32
	sched.Schedule("typing:r1:a", time.Hour, func() { atomic.AddInt32(&fired, 1) })
	sched.Schedule("typing:r1:b", time.Hour, func() { atomic.AddInt32(&fired, 1) })
	sched.Schedule("typing:r2:a", time.Hour, func() { atomic.AddInt32(&fired, 1) })

	if n := sched.CancelPrefix("typing:r1:"); n != 2 {
		t.Errorf("expected 2 cancelled, got %d", n)
	}
	if !sched.Cancel("typing:r2:a") {
		t.Error("unrelated timer should survive a prefix cancel")
	}
}

func TestTypingManager_StartStopAnnouncesOnce(t *testing.T) {
	client := setupTestRedis(t)
	m := NewTypingManager(client, time.Second, testLogger())
	defer m.Close()
	ctx := context.Background()
	room := uuid.New().String()
	actor := Identity{ActorID: uuid.New().String(), Username: "ann"}

	announced, err := m.Start(ctx, room, actor)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !announced {
		t.Fatal("first typing_start must announce")
	}

	// Refresh while already typing: no re-announcement.
	announced, err = m.Start(ctx, room, actor)
	if err != nil {
		t.Fatalf("Start refresh: %v", err)
	}
	if announced {
		t.Fatal("typing_start while typing must not re-announce")
	}

	stopped, err := m.Stop(ctx, room, actor.ActorID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !stopped {
		t.Fatal("first stop owns the announcement")
	}

	stopped, err = m.Stop(ctx, room, actor.ActorID)
	if err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if stopped {
		t.Fatal("stop while already idle must be suppressed")
	}
}

func TestTypingManager_MarkerOutlivesTimer(t *testing.T) {
	client := setupTestRedis(t)
	timeout := time.Second
	m := NewTypingManager(client, timeout, testLogger())
	defer m.Close()
	ctx := context.Background()
	room := uuid.New().String()
	actor := Identity{ActorID: uuid.New().String()}

	if _, err := m.Start(ctx, room, actor); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The timer's DEL must still find the key at the timeout; a marker
	// whose TTL equals the timer duration expires server-side first and
	// the stop is never announced.
	ttl, err := client.PTTL(ctx, typingKey(room, actor.ActorID)).Result()
	if err != nil {
		t.Fatalf("PTTL: %v", err)
	}
	if ttl <= timeout {
		t.Fatalf("marker TTL %v must exceed the stop timer %v", ttl, timeout)
	}
}

func TestTypingManager_ExpiresWithinTimeout(t *testing.T) {
	client := setupTestRedis(t)
	timeout := 200 * time.Millisecond
	m := NewTypingManager(client, timeout, testLogger())
	defer m.Close()

	room := uuid.New().String()
	actor := Identity{ActorID: uuid.New().String(), Username: "exp"}
	expired := make(chan Identity, 1)
	m.OnExpire = func(r string, a Identity) {
		if r == room && a.ActorID == actor.ActorID {
			expired <- a
		}
	}

	if _, err := m.Start(context.Background(), room, actor); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case got := <-expired:
		// The announcement carries the identity captured at Start, not
		// a bare actor id.
		if got.Username != actor.Username {
			t.Errorf("expiry lost the username, got %q", got.Username)
		}
	case <-time.After(timeout + 500*time.Millisecond):
		t.Fatal("marker must expire within timeout plus epsilon")
	}

	// The expiry consumed the marker; a later stop has nothing to announce.
	stopped, err := m.Stop(context.Background(), room, actor.ActorID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopped {
		t.Error("stop after expiry must be suppressed")
	}
}

func TestTypingManager_StopBeatsExpiry(t *testing.T) {
	client := setupTestRedis(t)
	timeout := 300 * time.Millisecond
	m := NewTypingManager(client, timeout, testLogger())
	defer m.Close()

	room := uuid.New().String()
	actor := Identity{ActorID: uuid.New().String()}
	var expirations int32
	m.OnExpire = func(r string, a Identity) { atomic.AddInt32(&expirations, 1) }

	ctx := context.Background()
	if _, err := m.Start(ctx, room, actor); err != nil {
		t.Fatalf("Start: %v", err)
	}
	stopped, err := m.Stop(ctx, room, actor.ActorID)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !stopped {
		t.Fatal("explicit stop should win")
	}

	time.Sleep(timeout + 200*time.Millisecond)
	if n := atomic.LoadInt32(&expirations); n != 0 {
		t.Errorf("expiry after explicit stop fired %d times, want 0", n)
	}
}
