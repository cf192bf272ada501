package services

import (
	"context"
	"log/slog"
	"time"

	"chat-realtime/internal/cache"

	"golang.org/x/sync/singleflight"
)

// MembershipAuthority is the access-control gate in front of every room
// operation. It defers to the message store for the authoritative answer and
// keeps a short-lived cached copy; concurrent lookups for the same room
// collapse into one store query.
type MembershipAuthority struct {
	store MessageStore
	cache *cache.Cache
	ttl   time.Duration
	group singleflight.Group
	log   *slog.Logger
}

func NewMembershipAuthority(store MessageStore, c *cache.Cache, ttl time.Duration, log *slog.Logger) *MembershipAuthority {
	return &MembershipAuthority{
		store: store,
		cache: c,
		ttl:   ttl,
		log:   log,
	}
}

// IsMember returns nil when the actor belongs to the room, ErrAccessDenied
// when it does not, ErrRoomNotFound for unknown rooms. A store outage is
// never treated as permission.
func (a *MembershipAuthority) IsMember(ctx context.Context, roomID, actorID string) error {
	members, err := a.Members(ctx, roomID)
	if err != nil {
		return err
	}
	for _, m := range members {
		if m == actorID {
			return nil
		}
	}
	return ErrAccessDenied
}

// Members returns the room's allowed actor ids, cache-aside over the store.
func (a *MembershipAuthority) Members(ctx context.Context, roomID string) ([]string, error) {
	key := "members:" + roomID

	var cached []string
	hit, err := a.cache.Get(ctx, key, &cached)
	if err != nil {
		// Cache trouble is not an authorization answer; fall through to
		// the store.
		a.log.Warn("membership cache read failed", "room", roomID, "err", err)
	}
	if hit {
		return cached, nil
	}

	v, err, _ := a.group.Do(roomID, func() (interface{}, error) {
		members, err := a.store.GetRoomMembership(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if err := a.cache.SetWithTTL(ctx, key, members, a.ttl); err != nil {
			a.log.Warn("membership cache write failed", "room", roomID, "err", err)
		}
		return members, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// Invalidate drops the cached membership for a room. Called when the store
// and cache disagree; the store wins.
func (a *MembershipAuthority) Invalidate(ctx context.Context, roomID string) {
	if err := a.cache.Delete(ctx, "members:"+roomID); err != nil {
		a.log.Warn("membership cache invalidate failed", "room", roomID, "err", err)
	}
}
