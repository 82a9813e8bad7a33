package model

import "time"

// LockStatus is the state of a reporting period. Within this service's
// authority "locked" is terminal; reopen belongs to a signoff workflow that
// does not exist yet.
type LockStatus string

const (
	PeriodOpen   LockStatus = "open"
	PeriodLocked LockStatus = "locked"
)

// PeriodLock is the one record per reporting period key (e.g. "2025Q4").
type PeriodLock struct {
	PeriodKey string     `json:"period_key"`
	Status    LockStatus `json:"status"`
	LockedBy  string     `json:"locked_by,omitempty"`
	LockedAt  *time.Time `json:"locked_at,omitempty"`
}

// AuditEvent is the fire-and-forget record emitted on every successful
// mutation. The sink is best-effort; a degraded sink never fails a write.
type AuditEvent struct {
	ID           string    `json:"id"`
	EventName    string    `json:"event_name"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Actor        string    `json:"actor"`
	Timestamp    time.Time `json:"timestamp"`
}
