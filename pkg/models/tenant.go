package models

import (
	"time"
)

// Tenant is an isolated organization. All credentials, conversations and
// server configurations are keyed by tenant id; nothing crosses that
// boundary implicitly.
type Tenant struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
