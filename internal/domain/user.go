package domain

import "time"

// User is a registered player.
type User struct {
	ID           string
	Email        string
	Username     string
	PasswordHash []byte
	SolvedCount  int
	CreatedAt    time.Time
}
