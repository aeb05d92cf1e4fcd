package models

import "time"

// Operator is an account allowed to drive provisioning runs. Runs started
// through the API carry the operator's username on their events and
// outcomes.
type Operator struct {
	ID           int       `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
