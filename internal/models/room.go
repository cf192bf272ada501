package models

import "time"

// Room is a chat conversation. Membership is authoritative in the message
// store; the engine never decides access without consulting it.
type Room struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}
