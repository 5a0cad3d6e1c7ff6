package models

import (
	"time"

	"gorm.io/gorm"
)

// SequenceContact status values.
const (
	ContactStatusNotSent   = "not_sent"
	ContactStatusPending   = "pending"
	ContactStatusScheduled = "scheduled"
	ContactStatusSent      = "sent"
	ContactStatusReplied   = "replied"
	ContactStatusBounced   = "bounced"
	ContactStatusCompleted = "completed"
	ContactStatusOptedOut  = "opted_out"
	ContactStatusFailed    = "failed"
)

// Contact is a recipient owned by a user. Email is globally unique in the
// store. Creation/import is an external CRUD concern (spec Non-goals); the
// engine only reads Contacts through SequenceContact rows.
type Contact struct {
	gorm.Model
	UserID  uint   `gorm:"not null;index" json:"user_id"`
	Email   string `gorm:"not null;uniqueIndex" json:"email"`
	Company string `json:"company"`

	// MXValid records the outcome of the advisory syntax+MX check
	// (utils.ValidateContactEmail); this engine never runs that check or
	// sets the field itself, since Contact rows are created externally.
	// Never blocks scheduling — the sequence processor only logs a warning
	// when it is false.
	MXValid   *bool      `json:"mx_valid,omitempty"`
	CheckedAt *time.Time `json:"checked_at,omitempty"`
}

// SequenceContact is the per-(sequence, contact) progress row — unique on
// (SequenceID, ContactID). It is the only piece of mutable scheduling state
// in the system; nearly every scheduling and delivery invariant is about
// this row.
type SequenceContact struct {
	gorm.Model
	SequenceID uint `gorm:"not null;uniqueIndex:idx_sequence_contact" json:"sequence_id"`
	ContactID  uint `gorm:"not null;uniqueIndex:idx_sequence_contact" json:"contact_id"`

	Status          string     `gorm:"not null;default:'not_sent'" json:"status"`
	CurrentStep     int        `gorm:"not null;default:0" json:"current_step"`
	NextScheduledAt *time.Time `json:"next_scheduled_at,omitempty"`
	ThreadID        string     `json:"thread_id,omitempty"`

	StartedAt       *time.Time `json:"started_at,omitempty"`
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`

	LastError string `json:"last_error,omitempty"`

	Contact Contact `gorm:"foreignKey:ContactID" json:"contact,omitempty"`
}

// terminalContactStatuses are the statuses a SequenceContact does not leave
// in normal operation: once set, the row is done sending. Only a sequence
// reset moves a row out of them, back to not_sent.
var terminalContactStatuses = map[string]bool{
	ContactStatusCompleted: true,
	ContactStatusOptedOut:  true,
	ContactStatusReplied:   true,
	ContactStatusBounced:   true,
	ContactStatusFailed:    true,
}

// IsActive reports whether the row is still eligible for scheduling.
func (sc *SequenceContact) IsActive() bool {
	return !terminalContactStatuses[sc.Status]
}

// IsDue reports whether the row is ready for the sweeper to act on it.
func (sc *SequenceContact) IsDue(now time.Time) bool {
	return sc.IsActive() &&
		sc.NextScheduledAt != nil &&
		!sc.NextScheduledAt.After(now)
}
