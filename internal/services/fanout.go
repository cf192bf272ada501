package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// ServiceChannel carries service-level events (online/offline, etc.) that are
// not scoped to one room.
const ServiceChannel = "events"

// RoomChannel names the broadcast channel for a room.
func RoomChannel(roomID string) string { return "room:" + roomID }

// BusEvent is the cross-instance envelope. Payload is the exact outbound
// event each instance re-emits to its locally-attached connections.
type BusEvent struct {
	Origin       string          `json:"origin"`
	Event        string          `json:"event"`
	Room         string          `json:"room,omitempty"`
	ExcludeActor string          `json:"exclude_actor,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

// Handler consumes bus events. Delivery is at-least-once: a reconnecting
// subscriber may see a publish twice, so handlers must be idempotent.
type Handler func(ev BusEvent)

// Fanout propagates events across all running instances over the shared
// broker's pub/sub. Each instance subscribes once at startup; one goroutine
// per subscription consumes messages in order, which preserves publish order
// per channel for each local connection.
type Fanout struct {
	client   *redis.Client
	db       int
	instance string
	log      *slog.Logger

	serviceHandlers []Handler
	roomHandlers    []Handler
	presenceExpired []func(actorID string)
	typingExpired   []func(roomID, actorID string)

	mu      sync.Mutex
	started bool
	subs    []*redis.PubSub
	wg      sync.WaitGroup
}

func NewFanout(client *redis.Client, db int, instanceID string, log *slog.Logger) *Fanout {
	return &Fanout{
		client:   client,
		db:       db,
		instance: instanceID,
		log:      log,
	}
}

// OnServiceEvent registers a handler for the service channel. Must be called
// before Start.
func (f *Fanout) OnServiceEvent(h Handler) {
	f.serviceHandlers = append(f.serviceHandlers, h)
}

// OnRoomEvent registers a handler for all room channels. Must be called
// before Start.
func (f *Fanout) OnRoomEvent(h Handler) {
	f.roomHandlers = append(f.roomHandlers, h)
}

// OnPresenceExpired registers a handler for presence records that hit their
// TTL without a clean disconnect (crashed instance, dropped network). Must be
// called before Start.
func (f *Fanout) OnPresenceExpired(h func(actorID string)) {
	f.presenceExpired = append(f.presenceExpired, h)
}

// OnTypingExpired registers a handler for typing markers that hit their TTL.
// A live instance's timer deletes the marker first, so only markers orphaned
// by a crashed instance arrive here. Must be called before Start.
func (f *Fanout) OnTypingExpired(h func(roomID, actorID string)) {
	f.typingExpired = append(f.typingExpired, h)
}

// Publish sends an event on a logical channel to every instance, including
// this one. A failed publish is an error the caller must surface: the
// operation did not happen for anyone.
func (f *Fanout) Publish(ctx context.Context, channel string, ev BusEvent) error {
	ev.Origin = f.instance
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("fanout marshal: %w", err)
	}
	if err := f.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("fanout publish: %w: %v", ErrDependencyUnavailable, err)
	}
	return nil
}

// Start opens the subscriptions and begins dispatching. The expiry
// subscription needs `notify-keyspace-events Ex` on the Redis server; without
// it presence records still expire but no push notification is produced.
func (f *Fanout) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return nil
	}

	service := f.client.Subscribe(ctx, ServiceChannel)
	if _, err := service.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w: %v", ServiceChannel, ErrDependencyUnavailable, err)
	}

	rooms := f.client.PSubscribe(ctx, "room:*")
	if _, err := rooms.Receive(ctx); err != nil {
		service.Close()
		return fmt.Errorf("subscribe rooms: %w: %v", ErrDependencyUnavailable, err)
	}

	expired := f.client.PSubscribe(ctx, fmt.Sprintf("__keyevent@%d__:expired", f.db))
	if _, err := expired.Receive(ctx); err != nil {
		service.Close()
		rooms.Close()
		return fmt.Errorf("subscribe expiry: %w: %v", ErrDependencyUnavailable, err)
	}

	f.subs = []*redis.PubSub{service, rooms, expired}
	f.started = true

	f.wg.Add(3)
	go f.consume(service, f.serviceHandlers)
	go f.consume(rooms, f.roomHandlers)
	go f.consumeExpired(expired)
	return nil
}

func (f *Fanout) consume(sub *redis.PubSub, handlers []Handler) {
	defer f.wg.Done()
	for msg := range sub.Channel() {
		var ev BusEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			f.log.Warn("fanout bad envelope", "channel", msg.Channel, "err", err)
			continue
		}
		for _, h := range handlers {
			h(ev)
		}
	}
}

func (f *Fanout) consumeExpired(sub *redis.PubSub) {
	defer f.wg.Done()
	for msg := range sub.Channel() {
		// Payload of a keyevent notification is the expired key name.
		if actorID, ok := strings.CutPrefix(msg.Payload, "presence:"); ok {
			for _, h := range f.presenceExpired {
				h(actorID)
			}
			continue
		}
		if rest, ok := strings.CutPrefix(msg.Payload, "typing:"); ok {
			roomID, actorID, ok := strings.Cut(rest, ":")
			if !ok {
				continue
			}
			for _, h := range f.typingExpired {
				h(roomID, actorID)
			}
		}
	}
}

// Close shuts the subscriptions down and waits for dispatch to drain.
func (f *Fanout) Close() error {
	f.mu.Lock()
	subs := f.subs
	f.subs = nil
	f.started = false
	f.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	f.wg.Wait()
	return nil
}
