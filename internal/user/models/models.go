// Package models defines the user types for API authentication.
package models

import "time"

// User is an API consumer allowed to request bots.
type User struct {
	ID                string    `json:"id" db:"id"`
	Email             string    `json:"email" db:"email"`
	Name              string    `json:"name" db:"name"`
	APIToken          string    `json:"-" db:"api_token"`
	MaxConcurrentBots int       `json:"max_concurrent_bots" db:"max_concurrent_bots"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// DefaultMaxConcurrentBots applies when a user row has no explicit limit.
const DefaultMaxConcurrentBots = 1
