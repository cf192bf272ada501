package models

import "time"

// Message is a persisted chat message as the message store returns it.
type Message struct {
	ID        string    `json:"id"`
	Room      string    `json:"room"`
	ActorID   string    `json:"actor_id"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	Seen      bool      `json:"seen"`
	CreatedAt time.Time `json:"created_at"`
}
