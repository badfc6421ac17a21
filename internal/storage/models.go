package storage

import (
	"time"

	"trove-guardian/internal/events"
)

// EventRecord is an archived risk event.
type EventRecord struct {
	events.RiskEvent
	CreatedAt time.Time
}

// AlertRecord captures a dispatched notification for auditing.
type AlertRecord struct {
	ID        int64
	EventID   string
	Address   string
	Severity  string
	Channels  []string
	CreatedAt time.Time
}
