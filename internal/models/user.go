package models

import "time"

// User is a registered account. AllowMemoryStorage gates whether the
// context store is consulted and updated for this user's turns.
type User struct {
	ID                 string    `json:"id"`
	Email              string    `json:"email"`
	PasswordHash       string    `json:"-"`
	Role               string    `json:"role"`
	AllowMemoryStorage bool      `json:"allow_memory_storage"`
	CreatedAt          time.Time `json:"created_at"`
}
