package services

import (
	"context"
	"testing"
	"time"

	"chat-realtime/internal/cache"
	"chat-realtime/internal/models"

	"github.com/google/uuid"
)

func TestDeliveryTracker_MarkReadIdempotent(t *testing.T) {
	client := setupTestRedis(t)
	store := newFakeStore()
	msgCache := cache.New(client, "cache:", time.Minute)
	tracker := NewDeliveryTracker(client, store, msgCache, time.Hour, testLogger())
	ctx := context.Background()

	room := uuid.New().String()
	sender, reader := uuid.New().String(), uuid.New().String()
	var ids []string
	for i := 0; i < 3; i++ {
		msg := &models.Message{ID: uuid.New().String(), Room: room, ActorID: sender}
		store.AppendMessage(ctx, msg)
		ids = append(ids, msg.ID)
	}

	count, newly, err := tracker.MarkRead(ctx, reader, room, ids)
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if count != 3 || len(newly) != 3 {
		t.Fatalf("expected 3 newly acknowledged, got %d", count)
	}

	// Re-applying the same acknowledgements is a no-op.
	count, _, err = tracker.MarkRead(ctx, reader, room, ids)
	if err != nil {
		t.Fatalf("second MarkRead: %v", err)
	}
	if count != 0 {
		t.Fatalf("repeat MarkRead should acknowledge nothing, got %d", count)
	}
}

func TestDeliveryTracker_MarkAllScansStore(t *testing.T) {
	client := setupTestRedis(t)
	store := newFakeStore()
	msgCache := cache.New(client, "cache:", time.Minute)
	tracker := NewDeliveryTracker(client, store, msgCache, time.Hour, testLogger())
	ctx := context.Background()

	room := uuid.New().String()
	sender, reader := uuid.New().String(), uuid.New().String()
	store.AppendMessage(ctx, &models.Message{ID: uuid.New().String(), Room: room, ActorID: sender})
	store.AppendMessage(ctx, &models.Message{ID: uuid.New().String(), Room: room, ActorID: sender})
	// The reader's own message must not be a candidate.
	store.AppendMessage(ctx, &models.Message{ID: uuid.New().String(), Room: room, ActorID: reader})

	count, _, err := tracker.MarkRead(ctx, reader, room, nil)
	if err != nil {
		t.Fatalf("MarkRead all: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 acknowledged, got %d", count)
	}
	if len(store.seen[room]) != 2 {
		t.Errorf("store seen flags should follow, got %d", len(store.seen[room]))
	}

	// Everything is read now.
	count, _, err = tracker.MarkRead(ctx, reader, room, nil)
	if err != nil {
		t.Fatalf("MarkRead all again: %v", err)
	}
	if count != 0 {
		t.Fatalf("nothing left to acknowledge, got %d", count)
	}
}

func TestDeliveryTracker_MarkAllIsPerActor(t *testing.T) {
	client := setupTestRedis(t)
	store := newFakeStore()
	msgCache := cache.New(client, "cache:", time.Minute)
	tracker := NewDeliveryTracker(client, store, msgCache, time.Hour, testLogger())
	ctx := context.Background()

	room := uuid.New().String()
	sender := uuid.New().String()
	readerB, readerC := uuid.New().String(), uuid.New().String()
	store.AppendMessage(ctx, &models.Message{ID: uuid.New().String(), Room: room, ActorID: sender})
	store.AppendMessage(ctx, &models.Message{ID: uuid.New().String(), Room: room, ActorID: sender})

	count, _, err := tracker.MarkRead(ctx, readerB, room, nil)
	if err != nil {
		t.Fatalf("MarkRead B: %v", err)
	}
	if count != 2 {
		t.Fatalf("first reader should acknowledge 2, got %d", count)
	}

	// One reader's receipts must not shrink another reader's candidates:
	// in a group room every recipient gets their own acknowledgement.
	count, _, err = tracker.MarkRead(ctx, readerC, room, nil)
	if err != nil {
		t.Fatalf("MarkRead C: %v", err)
	}
	if count != 2 {
		t.Fatalf("second reader should also acknowledge 2, got %d", count)
	}
}

func TestDeliveryTracker_RetryAfterStoreFailure(t *testing.T) {
	client := setupTestRedis(t)
	store := newFakeStore()
	msgCache := cache.New(client, "cache:", time.Minute)
	tracker := NewDeliveryTracker(client, store, msgCache, time.Hour, testLogger())
	ctx := context.Background()

	room := uuid.New().String()
	sender, reader := uuid.New().String(), uuid.New().String()
	store.AppendMessage(ctx, &models.Message{ID: uuid.New().String(), Room: room, ActorID: sender})
	store.AppendMessage(ctx, &models.Message{ID: uuid.New().String(), Room: room, ActorID: sender})

	store.markSeenErr = ErrDependencyUnavailable
	if _, _, err := tracker.MarkRead(ctx, reader, room, nil); err == nil {
		t.Fatal("store failure must surface")
	}

	// The failed call must not have receipted anything, so the client's
	// retry completes the whole operation: full count, mirror applied.
	store.markSeenErr = nil
	count, _, err := tracker.MarkRead(ctx, reader, room, nil)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if count != 2 {
		t.Fatalf("retry should acknowledge 2, got %d", count)
	}
	if len(store.seen[room]) != 2 {
		t.Errorf("store seen flags should follow the retry, got %d", len(store.seen[room]))
	}
}

func TestDeliveryTracker_IgnoresForeignIDs(t *testing.T) {
	client := setupTestRedis(t)
	store := newFakeStore()
	msgCache := cache.New(client, "cache:", time.Minute)
	tracker := NewDeliveryTracker(client, store, msgCache, time.Hour, testLogger())
	ctx := context.Background()

	room, otherRoom := uuid.New().String(), uuid.New().String()
	sender, reader := uuid.New().String(), uuid.New().String()
	ours := &models.Message{ID: uuid.New().String(), Room: room, ActorID: sender}
	foreign := &models.Message{ID: uuid.New().String(), Room: otherRoom, ActorID: sender}
	store.AppendMessage(ctx, ours)
	store.AppendMessage(ctx, foreign)

	count, newly, err := tracker.MarkRead(ctx, reader, room, []string{ours.ID, foreign.ID})
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if count != 1 || len(newly) != 1 || newly[0] != ours.ID {
		t.Fatalf("only this room's message should be acknowledged, got %d %v", count, newly)
	}

	readers, err := tracker.Readers(ctx, foreign.ID)
	if err != nil {
		t.Fatalf("Readers: %v", err)
	}
	if len(readers) != 0 {
		t.Error("another room's message must not carry a receipt from this room")
	}
}

func TestDeliveryTracker_InvalidatesMessageCache(t *testing.T) {
	client := setupTestRedis(t)
	store := newFakeStore()
	msgCache := cache.New(client, "cache:", time.Minute)
	tracker := NewDeliveryTracker(client, store, msgCache, time.Hour, testLogger())
	ctx := context.Background()

	room := uuid.New().String()
	sender, reader := uuid.New().String(), uuid.New().String()
	msg := &models.Message{ID: uuid.New().String(), Room: room, ActorID: sender}
	store.AppendMessage(ctx, msg)

	if err := msgCache.Set(ctx, "messages:"+room, []models.Message{*msg}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	if _, _, err := tracker.MarkRead(ctx, reader, room, []string{msg.ID}); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	var cached []models.Message
	hit, err := msgCache.Get(ctx, "messages:"+room, &cached)
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	if hit {
		t.Error("mark-read must invalidate the cached message list")
	}
}

func TestDeliveryTracker_DerivedStatus(t *testing.T) {
	client := setupTestRedis(t)
	store := newFakeStore()
	msgCache := cache.New(client, "cache:", time.Minute)
	tracker := NewDeliveryTracker(client, store, msgCache, time.Hour, testLogger())
	ctx := context.Background()

	room := uuid.New().String()
	sender, reader := uuid.New().String(), uuid.New().String()
	msg := &models.Message{ID: uuid.New().String(), Room: room, ActorID: sender}
	store.AppendMessage(ctx, msg)

	status, err := tracker.Status(ctx, msg.ID, sender)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != "sent" {
		t.Errorf("unread message should be sent, got %q", status)
	}

	if _, _, err := tracker.MarkRead(ctx, reader, room, []string{msg.ID}); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}

	status, err = tracker.Status(ctx, msg.ID, sender)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != "read" {
		t.Errorf("acknowledged message should be read, got %q", status)
	}

	readers, err := tracker.Readers(ctx, msg.ID)
	if err != nil {
		t.Fatalf("Readers: %v", err)
	}
	if _, ok := readers[reader]; !ok {
		t.Error("reader should appear with an acknowledgement timestamp")
	}
}
