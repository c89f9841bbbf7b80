package models

import "time"

// User is a registered identity.
type User struct {
	Identity       string    `json:"identity"`
	CredentialHash string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// Thread is a single persistent conversation owned by one user.
type Thread struct {
	ID        string    `json:"thread_id"`
	Owner     string    `json:"owner"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
