package models

import (
	"time"

	"gorm.io/gorm"
)

// Sequence status values.
const (
	SequenceStatusDraft  = "draft"
	SequenceStatusActive = "active"
	SequenceStatusPaused = "paused"
)

// Step type and timing enums.
const (
	StepTypeManualEmail    = "manual_email"
	StepTypeAutomatedEmail = "automated_email"
	StepTypeWait           = "wait"

	StepTimingImmediate = "immediate"
	StepTimingDelay     = "delay"

	DelayUnitMinutes = "minutes"
	DelayUnitHours   = "hours"
	DelayUnitDays    = "days"
)

// Sequence is an ordered outreach flow a user runs against contacts.
type Sequence struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Status      string `gorm:"not null;default:'draft'" json:"status"`

	// TestMode, when true, redirects every send in this sequence to
	// TEST_EMAIL. Reset clears it.
	TestMode bool `gorm:"default:false" json:"test_mode"`

	BusinessHoursID *uint          `json:"business_hours_id,omitempty"`
	BusinessHours   *BusinessHours `gorm:"foreignKey:BusinessHoursID" json:"business_hours,omitempty"`

	Steps    []SequenceStep    `gorm:"foreignKey:SequenceID;constraint:OnDelete:CASCADE" json:"steps,omitempty"`
	Contacts []SequenceContact `gorm:"foreignKey:SequenceID;constraint:OnDelete:CASCADE" json:"contacts,omitempty"`
}

// SequenceStep is one stage of a Sequence — strictly ordered by Order,
// 0-based throughout the engine.
type SequenceStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`

	// Order is the step's position in the sequence, 0-based. Mapped to the
	// step_order column because "order" is a reserved word in Postgres.
	Order    int    `gorm:"column:step_order;not null;index" json:"order"`
	StepType string `gorm:"not null" json:"step_type"`
	Timing   string `gorm:"not null;default:'immediate'" json:"timing"`

	DelayAmount *int    `json:"delay_amount,omitempty"`
	DelayUnit   *string `json:"delay_unit,omitempty"`

	Subject     string `json:"subject"`
	HTMLContent string `gorm:"type:text" json:"html_content"`

	ReplyToThread  bool  `gorm:"default:false" json:"reply_to_thread"`
	PreviousStepID *uint `json:"previous_step_id,omitempty"`
}

// BusinessHours gates when a step's computed send time is allowed to land.
// Attached either to a User (default) or a Sequence (override) — the
// scheduler is handed whichever one resolves for a given step.
type BusinessHours struct {
	gorm.Model
	UserID     *uint `gorm:"index" json:"user_id,omitempty"`
	SequenceID *uint `gorm:"index" json:"sequence_id,omitempty"`

	Timezone       string `gorm:"not null;default:'UTC'" json:"timezone"`
	WorkDays       []int  `gorm:"type:jsonb;serializer:json" json:"work_days"` // 0=Sunday..6=Saturday
	WorkHoursStart string `gorm:"not null;default:'09:00'" json:"work_hours_start"`
	WorkHoursEnd   string `gorm:"not null;default:'17:00'" json:"work_hours_end"`

	Holidays []Holiday `gorm:"foreignKey:BusinessHoursID;constraint:OnDelete:CASCADE" json:"holidays,omitempty"`
}

// Holiday is a date-level (not instant-level) exclusion.
type Holiday struct {
	gorm.Model
	BusinessHoursID uint      `gorm:"not null;index" json:"business_hours_id"`
	Date            time.Time `gorm:"type:date;not null" json:"date"`
	Label           string    `json:"label"`
}
