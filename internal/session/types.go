package session

import "time"

type Status string

const (
	StatusActive    Status = "active"
	StatusLingering Status = "lingering"
	StatusClosed    Status = "closed"
)

// Session is a snapshot of one shared connection.
type Session struct {
	Key            string    `json:"key"`
	Status         Status    `json:"status"`
	Leases         int       `json:"leases"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ReleasedAt     time.Time `json:"released_at,omitempty"`
}

// Lease is one holder's claim on a shared connection.
type Lease struct {
	ID         string
	Key        string
	Conn       Connection
	AcquiredAt time.Time
}
