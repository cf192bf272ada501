package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chat-realtime/internal/cache"

	"github.com/redis/go-redis/v9"
)

// DeliveryTracker records per-message read acknowledgements. Each (message,
// actor) acknowledgement is idempotent; the operation reports how many were
// newly applied, which is what decides whether a read event is announced at
// all.
type DeliveryTracker struct {
	client *redis.Client
	store  MessageStore
	cache  *cache.Cache
	ttl    time.Duration
	log    *slog.Logger
}

func NewDeliveryTracker(client *redis.Client, store MessageStore, c *cache.Cache, ttl time.Duration, log *slog.Logger) *DeliveryTracker {
	return &DeliveryTracker{
		client: client,
		store:  store,
		cache:  c,
		ttl:    ttl,
		log:    log,
	}
}

func readKey(messageID string) string { return "read:" + messageID }

// MarkRead acknowledges the given messages for the actor. An empty id list
// means every message in the room not sent by the actor; explicit ids pass
// through the store too, so ids from other rooms never produce a receipt
// here. Acknowledgement is per (message, actor): one reader's receipts never
// shrink another reader's candidate set. Returns the count of newly
// acknowledged messages; zero means the caller must not announce anything.
func (t *DeliveryTracker) MarkRead(ctx context.Context, actorID, roomID string, messageIDs []string) (int, []string, error) {
	ids, err := t.store.RecipientMessageIDs(ctx, roomID, actorID, messageIDs)
	if err != nil {
		return 0, nil, err
	}
	if len(ids) == 0 {
		return 0, nil, nil
	}

	// The store's seen mirror commits before any receipt. If it fails,
	// nothing has been receipted yet and the client's retry redoes the
	// whole operation; receipts-first would leave a retry finding zero
	// newly acknowledged and the announcement lost for good.
	if err := t.store.MarkSeen(ctx, roomID, ids); err != nil {
		return 0, nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	var newlyRead []string
	for _, id := range ids {
		applied, err := t.client.HSetNX(ctx, readKey(id), actorID, now).Result()
		if err != nil {
			return len(newlyRead), newlyRead, fmt.Errorf("mark read: %w: %v", ErrDependencyUnavailable, err)
		}
		if applied {
			if err := t.client.Expire(ctx, readKey(id), t.ttl).Err(); err != nil {
				t.log.Warn("receipt ttl set failed", "message", id, "err", err)
			}
			newlyRead = append(newlyRead, id)
		}
	}

	if len(newlyRead) == 0 {
		return 0, nil, nil
	}

	// Cached message lists now show stale delivery status; drop them.
	if err := t.cache.Delete(ctx, "messages:"+roomID); err != nil {
		t.log.Warn("message cache invalidate failed", "room", roomID, "err", err)
	}

	return len(newlyRead), newlyRead, nil
}

// Readers returns the actors who acknowledged the message and when.
func (t *DeliveryTracker) Readers(ctx context.Context, messageID string) (map[string]time.Time, error) {
	fields, err := t.client.HGetAll(ctx, readKey(messageID)).Result()
	if err != nil {
		return nil, fmt.Errorf("readers: %w: %v", ErrDependencyUnavailable, err)
	}
	readers := make(map[string]time.Time, len(fields))
	for actor, raw := range fields {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			readers[actor] = ts
		}
	}
	return readers, nil
}

// Status derives a message's aggregate delivery state: "read" once any
// non-sender recipient acknowledged it, otherwise "sent". Never stored.
func (t *DeliveryTracker) Status(ctx context.Context, messageID, senderID string) (string, error) {
	readers, err := t.Readers(ctx, messageID)
	if err != nil {
		return "", err
	}
	for actor := range readers {
		if actor != senderID {
			return "read", nil
		}
	}
	return "sent", nil
}
