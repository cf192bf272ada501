package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"chat-realtime/internal/cache"
	"chat-realtime/internal/config"
	"chat-realtime/internal/models"
	"chat-realtime/internal/services"

	"github.com/google/uuid"
)

// EventBus is the publish side of the cross-instance fan-out adapter.
type EventBus interface {
	Publish(ctx context.Context, channel string, ev services.BusEvent) error
}

// Gateway is the single entry and exit point for client connections. Every
// inbound event passes through Dispatch; every outbound event leaves through
// the fan-out bus and comes back via the re-emit handlers, so clients on any
// instance observe the same stream.
type Gateway struct {
	cfg        *config.Config
	registry   *Registry
	store      services.MessageStore
	membership *services.MembershipAuthority
	presence   *services.PresenceStore
	typing     *services.TypingManager
	delivery   *services.DeliveryTracker
	limiter    *services.RateLimiter
	bus        EventBus
	notifier   *services.Notifier
	msgCache   *cache.Cache
	log        *slog.Logger
}

func NewGateway(
	cfg *config.Config,
	registry *Registry,
	store services.MessageStore,
	membership *services.MembershipAuthority,
	presence *services.PresenceStore,
	typing *services.TypingManager,
	delivery *services.DeliveryTracker,
	limiter *services.RateLimiter,
	bus EventBus,
	notifier *services.Notifier,
	msgCache *cache.Cache,
	log *slog.Logger,
) *Gateway {
	g := &Gateway{
		cfg:        cfg,
		registry:   registry,
		store:      store,
		membership: membership,
		presence:   presence,
		typing:     typing,
		delivery:   delivery,
		limiter:    limiter,
		bus:        bus,
		notifier:   notifier,
		msgCache:   msgCache,
		log:        log,
	}
	typing.OnExpire = g.onTypingExpired
	return g
}

// Connect registers an authenticated connection and records presence. The
// online announcement fires only on the actor's offline->online transition.
func (g *Gateway) Connect(conn *Connection) {
	g.registry.Register(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	transitioned, err := g.presence.SetOnline(ctx, conn.Actor.ActorID)
	if err != nil {
		// Presence fails soft: the connection stays usable.
		g.log.Warn("presence set online failed", "actor", conn.Actor.ActorID, "err", err)
	} else if transitioned {
		g.announcePresence(models.EventUserOnline, conn.Actor)
	}

	if err := conn.Send(models.ServerEvent{
		Event:     models.EventConnected,
		ActorID:   conn.Actor.ActorID,
		Username:  conn.Actor.Username,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		g.log.Warn("welcome send failed", "conn", conn.ID, "err", err)
	}
}

// Disconnect tears down everything derived from the connection - room
// subscriptions, typing markers, presence - as a single unit. Idempotent:
// the registry decides whether there is anything left to clean up. Work that
// already committed (a persisted message, a published event) is not undone.
func (g *Gateway) Disconnect(conn *Connection) {
	rooms, existed, _ := g.registry.Unregister(conn.ID)
	if !existed {
		return
	}

	for _, roomID := range rooms {
		if g.typing.ClearRoom(roomID, conn.Actor.ActorID) {
			g.publishStoppedTyping(roomID, conn.Actor)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	transitioned, err := g.presence.SetOffline(ctx, conn.Actor.ActorID)
	if err != nil {
		g.log.Warn("presence set offline failed", "actor", conn.Actor.ActorID, "err", err)
		return
	}
	if transitioned {
		g.announcePresence(models.EventUserOffline, conn.Actor)
	}
}

// Dispatch routes one inbound event to its handler. Each handler receives a
// typed command and the connection's bound identity, never ambient state.
func (g *Gateway) Dispatch(ctx context.Context, conn *Connection, ev models.ClientEvent) {
	switch ev.Event {
	case models.EventJoinRoom:
		g.handleJoinRoom(ctx, conn, models.JoinRoomCommand{Room: ev.Room})
	case models.EventLeaveRoom:
		g.handleLeaveRoom(ctx, conn, models.LeaveRoomCommand{Room: ev.Room})
	case models.EventSendMessage:
		g.handleSendMessage(ctx, conn, models.SendMessageCommand{Room: ev.Room, Text: ev.Text})
	case models.EventTypingStart:
		g.handleTypingStart(ctx, conn, models.TypingCommand{Room: ev.Room})
	case models.EventTypingStop:
		g.handleTypingStop(ctx, conn, models.TypingCommand{Room: ev.Room})
	case models.EventMarkRead:
		g.handleMarkRead(ctx, conn, models.MarkReadCommand{Room: ev.Room, MessageIDs: ev.MessageIDs})
	default:
		g.sendError(conn, ev.Room, errors.New("unknown event: "+ev.Event))
	}
}

// handleJoinRoom gates on the membership authority before any subscription
// state is touched. Joining is silent to other participants.
func (g *Gateway) handleJoinRoom(ctx context.Context, conn *Connection, cmd models.JoinRoomCommand) {
	if cmd.Room == "" {
		g.sendError(conn, "", errors.New("room required"))
		return
	}

	if err := g.membership.IsMember(ctx, cmd.Room, conn.Actor.ActorID); err != nil {
		g.sendError(conn, cmd.Room, err)
		return
	}

	g.registry.Join(cmd.Room, conn.ID)

	if err := conn.Send(models.ServerEvent{
		Event:     models.EventRoomJoined,
		Room:      cmd.Room,
		Timestamp: time.Now().UnixMilli(),
		History:   g.history(ctx, cmd.Room),
	}); err != nil {
		g.log.Warn("room joined send failed", "conn", conn.ID, "err", err)
	}
}

func (g *Gateway) handleLeaveRoom(ctx context.Context, conn *Connection, cmd models.LeaveRoomCommand) {
	if cmd.Room == "" {
		return
	}
	g.registry.Leave(cmd.Room, conn.ID)

	if g.typing.ClearRoom(cmd.Room, conn.Actor.ActorID) {
		g.publishStoppedTyping(cmd.Room, conn.Actor)
	}

	if err := conn.Send(models.ServerEvent{
		Event:     models.EventRoomLeft,
		Room:      cmd.Room,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		g.log.Warn("room left send failed", "conn", conn.ID, "err", err)
	}
}

// handleSendMessage is the critical path: persist, fan out, then ack. The
// sender sees message_sent_ack only after both the store write and the
// publish succeeded; a failed publish surfaces as an explicit error instead
// of a silent success.
func (g *Gateway) handleSendMessage(ctx context.Context, conn *Connection, cmd models.SendMessageCommand) {
	if cmd.Room == "" || !g.registry.Subscribed(conn.ID, cmd.Room) {
		g.sendError(conn, cmd.Room, services.ErrAccessDenied)
		return
	}
	if cmd.Text == "" {
		g.sendError(conn, cmd.Room, errors.New("message text required"))
		return
	}

	decision := g.limiter.Admit(ctx, conn.Actor.ActorID, "send_message", g.cfg.MessageLimit, g.cfg.MessageWindow)
	if !decision.Allowed {
		g.sendRateLimited(conn, cmd.Room, decision)
		return
	}

	msg := &models.Message{
		ID:       uuid.New().String(),
		Room:     cmd.Room,
		ActorID:  conn.Actor.ActorID,
		Username: conn.Actor.Username,
		Content:  cmd.Text,
	}
	if err := g.store.AppendMessage(ctx, msg); err != nil {
		g.sendError(conn, cmd.Room, err)
		return
	}

	// Sending a message in a room is a typing-stop trigger.
	if stopped, err := g.typing.Stop(ctx, cmd.Room, conn.Actor.ActorID); err != nil {
		g.log.Warn("typing stop on send failed", "actor", conn.Actor.ActorID, "err", err)
	} else if stopped {
		g.publishStoppedTyping(cmd.Room, conn.Actor)
	}

	err := g.publishRoom(ctx, cmd.Room, models.ServerEvent{
		Event:     models.EventNewMessage,
		Room:      cmd.Room,
		MessageID: msg.ID,
		Text:      msg.Content,
		ActorID:   msg.ActorID,
		Username:  msg.Username,
		Timestamp: msg.CreatedAt.UnixMilli(),
	}, "")
	if err != nil {
		g.sendError(conn, cmd.Room, err)
		return
	}

	if err := g.msgCache.Delete(ctx, "messages:"+cmd.Room); err != nil {
		g.log.Warn("message cache invalidate failed", "room", cmd.Room, "err", err)
	}

	if err := conn.Send(models.ServerEvent{
		Event:     models.EventMessageSentAck,
		Room:      cmd.Room,
		MessageID: msg.ID,
		Timestamp: msg.CreatedAt.UnixMilli(),
	}); err != nil {
		g.log.Warn("ack send failed", "conn", conn.ID, "err", err)
	}

	go g.notifyOffline(msg)
}

func (g *Gateway) handleTypingStart(ctx context.Context, conn *Connection, cmd models.TypingCommand) {
	if cmd.Room == "" || !g.registry.Subscribed(conn.ID, cmd.Room) {
		return
	}

	decision := g.limiter.Admit(ctx, conn.Actor.ActorID, "typing", g.cfg.TypingLimit, g.cfg.TypingWindow)
	if !decision.Allowed {
		g.sendRateLimited(conn, cmd.Room, decision)
		return
	}

	announced, err := g.typing.Start(ctx, cmd.Room, conn.Actor)
	if err != nil {
		// Typing is a degradable path; skip on cache outage.
		g.log.Warn("typing start failed", "actor", conn.Actor.ActorID, "err", err)
		return
	}
	if !announced {
		return
	}

	err = g.publishRoom(ctx, cmd.Room, models.ServerEvent{
		Event:     models.EventUserTyping,
		Room:      cmd.Room,
		ActorID:   conn.Actor.ActorID,
		Username:  conn.Actor.Username,
		Timestamp: time.Now().UnixMilli(),
	}, conn.Actor.ActorID)
	if err != nil {
		g.log.Warn("typing announce failed", "room", cmd.Room, "err", err)
	}
}

func (g *Gateway) handleTypingStop(ctx context.Context, conn *Connection, cmd models.TypingCommand) {
	if cmd.Room == "" || !g.registry.Subscribed(conn.ID, cmd.Room) {
		return
	}

	announced, err := g.typing.Stop(ctx, cmd.Room, conn.Actor.ActorID)
	if err != nil {
		g.log.Warn("typing stop failed", "actor", conn.Actor.ActorID, "err", err)
		return
	}
	if announced {
		g.publishStoppedTyping(cmd.Room, conn.Actor)
	}
}

// handleMarkRead applies acknowledgements idempotently and announces only
// when something was newly acknowledged.
func (g *Gateway) handleMarkRead(ctx context.Context, conn *Connection, cmd models.MarkReadCommand) {
	if cmd.Room == "" || !g.registry.Subscribed(conn.ID, cmd.Room) {
		g.sendError(conn, cmd.Room, services.ErrAccessDenied)
		return
	}

	decision := g.limiter.Admit(ctx, conn.Actor.ActorID, "mark_read", g.cfg.ReadLimit, g.cfg.ReadWindow)
	if !decision.Allowed {
		g.sendRateLimited(conn, cmd.Room, decision)
		return
	}

	count, ids, err := g.delivery.MarkRead(ctx, conn.Actor.ActorID, cmd.Room, cmd.MessageIDs)
	if err != nil {
		g.sendError(conn, cmd.Room, err)
		return
	}
	if count == 0 {
		return
	}

	err = g.publishRoom(ctx, cmd.Room, models.ServerEvent{
		Event:      models.EventMessagesRead,
		Room:       cmd.Room,
		ActorID:    conn.Actor.ActorID,
		Username:   conn.Actor.Username,
		Count:      count,
		MessageIDs: ids,
		Timestamp:  time.Now().UnixMilli(),
	}, "")
	if err != nil {
		g.sendError(conn, cmd.Room, err)
	}
}

// onTypingExpired is the timeout trigger of the typing state machine; the
// marker is already gone when it fires. The identity was captured at Start,
// so the announcement carries the same fields as an explicit stop.
func (g *Gateway) onTypingExpired(roomID string, actor services.Identity) {
	g.publishStoppedTyping(roomID, actor)
}

func (g *Gateway) publishStoppedTyping(roomID string, actor services.Identity) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := g.publishRoom(ctx, roomID, models.ServerEvent{
		Event:     models.EventUserStoppedTyping,
		Room:      roomID,
		ActorID:   actor.ActorID,
		Username:  actor.Username,
		Timestamp: time.Now().UnixMilli(),
	}, actor.ActorID)
	if err != nil {
		g.log.Warn("stopped typing announce failed", "room", roomID, "err", err)
	}
}

func (g *Gateway) announcePresence(event string, actor services.Identity) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := g.publishService(ctx, models.ServerEvent{
		Event:     event,
		ActorID:   actor.ActorID,
		Username:  actor.Username,
		Timestamp: time.Now().UnixMilli(),
	}, actor.ActorID)
	if err != nil {
		g.log.Warn("presence announce failed", "actor", actor.ActorID, "err", err)
	}
}

func (g *Gateway) publishRoom(ctx context.Context, roomID string, ev models.ServerEvent, excludeActor string) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return g.bus.Publish(ctx, services.RoomChannel(roomID), services.BusEvent{
		Event:        ev.Event,
		Room:         roomID,
		ExcludeActor: excludeActor,
		Payload:      payload,
	})
}

func (g *Gateway) publishService(ctx context.Context, ev models.ServerEvent, excludeActor string) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return g.bus.Publish(ctx, services.ServiceChannel, services.BusEvent{
		Event:        ev.Event,
		ExcludeActor: excludeActor,
		Payload:      payload,
	})
}

// history serves the room's recent messages through the cache-aside layer.
// Best effort: a failure here degrades the join response, never fails it.
func (g *Gateway) history(ctx context.Context, roomID string) []models.Message {
	var msgs []models.Message
	hit, err := g.msgCache.Get(ctx, "messages:"+roomID, &msgs)
	if err != nil {
		g.log.Warn("message cache read failed", "room", roomID, "err", err)
	}
	if hit {
		return msgs
	}

	msgs, err = g.store.GetMessages(ctx, roomID, g.cfg.HistoryLimit)
	if err != nil {
		g.log.Warn("history load failed", "room", roomID, "err", err)
		return nil
	}
	if err := g.msgCache.Set(ctx, "messages:"+roomID, msgs); err != nil {
		g.log.Warn("message cache write failed", "room", roomID, "err", err)
	}
	return msgs
}

// notifyOffline hands the new message to the notification collaborator for
// every participant with no live connection anywhere. Best effort.
func (g *Gateway) notifyOffline(msg *models.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	participants, err := g.membership.Members(ctx, msg.Room)
	if err != nil {
		g.log.Warn("participants lookup failed", "room", msg.Room, "err", err)
		return
	}

	var offline []string
	for _, actorID := range participants {
		if actorID == msg.ActorID {
			continue
		}
		if g.presence.IsOnline(ctx, actorID) {
			continue
		}
		offline = append(offline, actorID)
	}

	g.notifier.NotifyOfflineRecipients(ctx, services.NewMessageNotification{
		Event:      models.EventNewMessage,
		Room:       msg.Room,
		MessageID:  msg.ID,
		SenderID:   msg.ActorID,
		SenderName: msg.Username,
		Text:       msg.Content,
		Timestamp:  msg.CreatedAt.UnixMilli(),
		Recipients: offline,
	})
}

// HandleRoomEvent re-emits a room broadcast arriving over the bus to the
// local half of the room's broadcast group.
func (g *Gateway) HandleRoomEvent(ev services.BusEvent) {
	g.registry.BroadcastRoom(ev.Room, json.RawMessage(ev.Payload), ev.ExcludeActor)
}

// HandleServiceEvent re-emits a service-level event to every local
// connection.
func (g *Gateway) HandleServiceEvent(ev services.BusEvent) {
	g.registry.BroadcastAll(json.RawMessage(ev.Payload), ev.ExcludeActor)
}

// HandlePresenceExpired turns a presence-record TTL expiry into a local
// user_offline emission. The actor crashed or lost its network; no instance
// ran a clean disconnect for it.
func (g *Gateway) HandlePresenceExpired(actorID string) {
	payload, err := json.Marshal(models.ServerEvent{
		Event:     models.EventUserOffline,
		ActorID:   actorID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	g.registry.BroadcastAll(json.RawMessage(payload), actorID)
}

// HandleTypingExpired turns a typing-marker TTL expiry into a local stop
// emission. Only markers orphaned by a crashed instance reach this: a live
// instance's timer deletes the key before the TTL runs out. No username is
// available here, same as an expired presence record.
func (g *Gateway) HandleTypingExpired(roomID, actorID string) {
	payload, err := json.Marshal(models.ServerEvent{
		Event:     models.EventUserStoppedTyping,
		Room:      roomID,
		ActorID:   actorID,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	g.registry.BroadcastRoom(roomID, json.RawMessage(payload), actorID)
}

func (g *Gateway) sendError(conn *Connection, roomID string, err error) {
	kind := services.Classify(err)
	if sendErr := conn.Send(models.ServerEvent{
		Event: models.EventError,
		Room:  roomID,
		Kind:  string(kind),
		Error: err.Error(),
	}); sendErr != nil {
		g.log.Warn("error send failed", "conn", conn.ID, "err", sendErr)
	}
}

func (g *Gateway) sendRateLimited(conn *Connection, roomID string, d services.Decision) {
	if err := conn.Send(models.ServerEvent{
		Event:   models.EventRateLimited,
		Room:    roomID,
		RetryAt: d.ResetAt.UnixMilli(),
	}); err != nil {
		g.log.Warn("rate limit send failed", "conn", conn.ID, "err", err)
	}
}
