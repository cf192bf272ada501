package services

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"chat-realtime/internal/models"

	"github.com/redis/go-redis/v9"
)

// Tests that exercise the shared cache run against a local Redis and skip
// when it is unreachable.
const testRedisAddr = "localhost:6379"

func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: testRedisAddr})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available at %s: %v", testRedisAddr, err)
	}

	t.Cleanup(func() { client.Close() })
	return client
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory MessageStore for tests.
type fakeStore struct {
	members        map[string][]string
	messages       map[string][]models.Message
	membershipHits int
	seen           map[string]map[string]bool // roomID -> message ids flagged seen
	markSeenErr    error                      // injected MarkSeen failure
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		members:  make(map[string][]string),
		messages: make(map[string][]models.Message),
		seen:     make(map[string]map[string]bool),
	}
}

func (s *fakeStore) GetRoomMembership(ctx context.Context, roomID string) ([]string, error) {
	s.membershipHits++
	members, ok := s.members[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return members, nil
}

func (s *fakeStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	s.messages[msg.Room] = append(s.messages[msg.Room], *msg)
	return nil
}

func (s *fakeStore) GetMessages(ctx context.Context, roomID string, limit int) ([]models.Message, error) {
	msgs := s.messages[roomID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (s *fakeStore) RecipientMessageIDs(ctx context.Context, roomID, actorID string, only []string) ([]string, error) {
	var ids []string
	for _, m := range s.messages[roomID] {
		if m.ActorID == actorID {
			continue
		}
		if len(only) > 0 {
			wanted := false
			for _, id := range only {
				if id == m.ID {
					wanted = true
					break
				}
			}
			if !wanted {
				continue
			}
		}
		ids = append(ids, m.ID)
	}
	return ids, nil
}

func (s *fakeStore) MarkSeen(ctx context.Context, roomID string, messageIDs []string) error {
	if s.markSeenErr != nil {
		return s.markSeenErr
	}
	if s.seen[roomID] == nil {
		s.seen[roomID] = make(map[string]bool)
	}
	for _, id := range messageIDs {
		s.seen[roomID][id] = true
	}
	for i, m := range s.messages[roomID] {
		for _, id := range messageIDs {
			if m.ID == id {
				s.messages[roomID][i].Seen = true
			}
		}
	}
	return nil
}
