package models

import (
	"time"

	"gorm.io/gorm"
)

// EmailTracking status values.
const (
	TrackingStatusPending = "pending"
	TrackingStatusSent    = "sent"
	TrackingStatusBounced = "bounced"
)

// EmailEvent type values.
const (
	EventTypeSent    = "sent"
	EventTypeOpened  = "opened"
	EventTypeClicked = "clicked"
	EventTypeReplied = "replied"
	EventTypeBounced = "bounced"
	EventTypeFailed  = "failed"
)

// TrackingMetadata is the JSON payload carried on EmailTracking.Metadata,
// correlating a send attempt back to its sequence context.
type TrackingMetadata struct {
	Email      string `json:"email"`
	UserID     uint   `json:"userId"`
	SequenceID uint   `json:"sequenceId"`
	StepID     uint   `json:"stepId"`
	ContactID  uint   `json:"contactId"`
}

// EmailTracking is one row per send attempt, keyed by an opaque Hash used
// in pixel and click URLs. Idempotent bookkeeping for
// at-least-once send attempts is keyed by this Hash.
type EmailTracking struct {
	gorm.Model
	Hash      string `gorm:"not null;uniqueIndex" json:"hash"`
	MessageID string `gorm:"index" json:"message_id,omitempty"`
	ThreadID  string `gorm:"index" json:"thread_id,omitempty"`
	Status    string `gorm:"not null;default:'pending'" json:"status"`

	OpenCount int `gorm:"default:0" json:"open_count"`

	SentAt    *time.Time `json:"sent_at,omitempty"`
	OpenedAt  *time.Time `json:"opened_at,omitempty"`
	ClickedAt *time.Time `json:"clicked_at,omitempty"`

	Metadata TrackingMetadata `gorm:"type:jsonb;serializer:json" json:"metadata"`

	TrackedLinks []TrackedLink `gorm:"foreignKey:EmailTrackingID" json:"tracked_links,omitempty"`
	Events       []EmailEvent  `gorm:"foreignKey:EmailTrackingID" json:"events,omitempty"`
}

// TrackedLink is one rewritten outbound <a href> per send.
type TrackedLink struct {
	gorm.Model
	EmailTrackingID uint   `gorm:"not null;index" json:"email_tracking_id"`
	OriginalURL     string `gorm:"type:text;not null" json:"original_url"`
	ClickCount      int    `gorm:"default:0" json:"click_count"`

	Clicks []LinkClick `gorm:"foreignKey:TrackedLinkID" json:"clicks,omitempty"`
}

// LinkClick is an append-only record of one click on a TrackedLink.
type LinkClick struct {
	gorm.Model
	TrackedLinkID uint      `gorm:"not null;index" json:"tracked_link_id"`
	Timestamp     time.Time `gorm:"not null" json:"timestamp"`
}

// EmailEvent is an append-only log entry per EmailTracking row.
type EmailEvent struct {
	gorm.Model
	EmailTrackingID uint   `gorm:"not null;index" json:"email_tracking_id"`
	Type            string `gorm:"not null;index" json:"type"`
	Metadata        string `gorm:"type:text" json:"metadata,omitempty"`

	// ReplyMessageID disambiguates duplicate reply events for idempotence.
	ReplyMessageID string `gorm:"index" json:"reply_message_id,omitempty"`
}

// EmailThread correlates a Gmail threadId back to the sequence context that
// started it, so later replies/bounces can be matched thread-first before
// falling back to header-based matching.
type EmailThread struct {
	gorm.Model
	UserID         uint   `gorm:"not null;index" json:"user_id"`
	GmailThreadID  string `gorm:"not null;index" json:"gmail_thread_id"`
	SequenceID     uint   `gorm:"not null;index" json:"sequence_id"`
	ContactID      uint   `gorm:"not null;index" json:"contact_id"`
	FirstMessageID string `gorm:"index" json:"first_message_id"`
}
