package handlers

import (
	"context"
	"sync"
	"time"

	"chat-realtime/internal/models"
	"chat-realtime/internal/services"
	"chat-realtime/internal/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// wsSender serializes writes to one websocket connection. Fiber's websocket
// implementation is not safe for concurrent writes, and both the read loop
// and the fan-out re-emit path write to the same socket.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) Send(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSUpgradeMiddleware rejects plain HTTP requests on the websocket route.
func WSUpgradeMiddleware(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// AuthMiddleware verifies the credential before the upgrade. A missing or
// invalid credential rejects the connection here, before any state exists.
func AuthMiddleware(verifier *services.IdentityVerifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Token from query param `access_token` or Authorization header
		token := c.Query("access_token")
		if token == "" {
			authHeader := c.Get("Authorization")
			if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
				token = authHeader[7:]
			}
		}

		identity, err := verifier.VerifyCredential(token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "Invalid credential")
		}

		c.Locals("actor_id", identity.ActorID)
		c.Locals("username", identity.Username)
		return c.Next()
	}
}

// WebSocketHandler runs the connection lifecycle: one read loop per
// connection, a heartbeat ticker refreshing the presence TTL, and a single
// cleanup path on the way out.
func WebSocketHandler(gw *Gateway) fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		identity := services.Identity{
			ActorID:  c.Locals("actor_id").(string),
			Username: c.Locals("username").(string),
		}

		conn := &Connection{
			ID:    uuid.New().String(),
			Actor: identity,
			send:  &wsSender{conn: c},
		}

		gw.Connect(conn)
		defer gw.Disconnect(conn)

		done := make(chan struct{})
		defer close(done)
		go gw.heartbeat(conn, done)

		for {
			msgType, msg, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					gw.log.Warn("read failed", "conn", conn.ID, "err", err)
				}
				break
			}
			if msgType != websocket.TextMessage {
				continue
			}

			var ev models.ClientEvent
			if err := utils.SafeJSONParse(msg, &ev); err != nil {
				gw.log.Warn("bad client event", "conn", conn.ID, "err", err)
				continue
			}

			gw.Dispatch(context.Background(), conn, ev)
		}
	})
}

// heartbeat refreshes the actor's presence TTL while the connection lives. A
// refresh that finds the record expired counts as a fresh online transition
// and is re-announced.
func (g *Gateway) heartbeat(conn *Connection, done <-chan struct{}) {
	ticker := time.NewTicker(g.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			transitioned, err := g.presence.Refresh(ctx, conn.Actor.ActorID)
			cancel()
			if err != nil {
				// Presence is a degradable path; a cache outage
				// must not drop the connection.
				g.log.Warn("presence refresh failed", "actor", conn.Actor.ActorID, "err", err)
				continue
			}
			if transitioned {
				g.announcePresence(models.EventUserOnline, conn.Actor)
			}
		}
	}
}
