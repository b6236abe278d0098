package models

import "time"

// User is a Telegram account holding credits. Balance is derived from the
// transaction log on every read and is never written directly.
type User struct {
	ID            int64     `json:"id"`
	Username      string    `json:"username"`
	FirstName     string    `json:"first_name"`
	SignupGranted bool      `json:"signup_granted"`
	Balance       int64     `json:"balance"`
	CreatedAt     time.Time `json:"created_at"`
	LastSeenAt    time.Time `json:"last_seen_at"`
}
