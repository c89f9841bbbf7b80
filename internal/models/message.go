package models

import "time"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	// RoleSystem only appears in model input and is never persisted.
	RoleSystem Role = "system"
)

// Valid reports whether the role may be stored in a thread log.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is one append-only entry of a thread log. Seq is monotonic per thread
// and starts at 1.
type Message struct {
	ThreadID  string    `json:"thread_id"`
	Seq       int64     `json:"seq"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage is a message that has not been assigned a sequence position yet.
type NewMessage struct {
	Role    Role
	Content string
}
