package models

import (
	"gorm.io/gorm"
)

// SequenceHealth status values.
const (
	HealthStatusHealthy = "healthy"
	HealthStatusWarning = "warning"
	HealthStatusError   = "error"
)

// SequenceStats aggregates counters mutated only by event ingestion, never
// recomputed from EmailEvent history.
type SequenceStats struct {
	gorm.Model
	SequenceID uint `gorm:"not null;uniqueIndex" json:"sequence_id"`

	PeopleContacted int `gorm:"default:0" json:"people_contacted"`
	SentEmails      int `gorm:"default:0" json:"sent_emails"`
	OpenedEmails    int `gorm:"default:0" json:"opened_emails"`
	UniqueOpens     int `gorm:"default:0" json:"unique_opens"`
	ClickedEmails   int `gorm:"default:0" json:"clicked_emails"`
	RepliedEmails   int `gorm:"default:0" json:"replied_emails"`
	BouncedEmails   int `gorm:"default:0" json:"bounced_emails"`

	OpenRate  float64 `gorm:"default:0" json:"open_rate"`
	ClickRate float64 `gorm:"default:0" json:"click_rate"`
	ReplyRate float64 `gorm:"default:0" json:"reply_rate"`
}

// SequenceHealth is the operability signal surfaced alongside stats: a send
// failure with no queue retries left escalates into ErrorCount/LastError;
// rate-limit denials do not.
type SequenceHealth struct {
	gorm.Model
	SequenceID uint   `gorm:"not null;uniqueIndex" json:"sequence_id"`
	Status     string `gorm:"not null;default:'healthy'" json:"status"`
	ErrorCount int    `gorm:"default:0" json:"error_count"`
	LastError  string `json:"last_error,omitempty"`
	Metrics    string `gorm:"type:text" json:"metrics,omitempty"`
}

// EnsureSequenceStats creates the sequence_stats row for sequenceID if it
// doesn't already exist, so counter bumps below never land on a
// nonexistent row and silently no-op.
func EnsureSequenceStats(db *gorm.DB, sequenceID uint) error {
	return db.Where("sequence_id = ?", sequenceID).
		FirstOrCreate(&SequenceStats{SequenceID: sequenceID}).Error
}

// EnsureSequenceHealth is EnsureSequenceStats' counterpart for the health
// row.
func EnsureSequenceHealth(db *gorm.DB, sequenceID uint) error {
	return db.Where("sequence_id = ?", sequenceID).
		FirstOrCreate(&SequenceHealth{SequenceID: sequenceID, Status: HealthStatusHealthy}).Error
}

// BumpSequenceStat increments the named counter column on sequence_stats by
// one, creating the row first if needed, and recalculates the derived
// rate columns from the resulting counts.
func BumpSequenceStat(db *gorm.DB, sequenceID uint, column string) error {
	if err := EnsureSequenceStats(db, sequenceID); err != nil {
		return err
	}
	if err := db.Model(&SequenceStats{}).
		Where("sequence_id = ?", sequenceID).
		Update(column, gorm.Expr(column+" + 1")).Error; err != nil {
		return err
	}
	return RecalculateRates(db, sequenceID)
}

// RecalculateRates derives OpenRate/ClickRate/ReplyRate from the current
// counters. Denominator is SentEmails; a sequence with no sends yet keeps
// all three rates at zero rather than dividing by zero.
func RecalculateRates(db *gorm.DB, sequenceID uint) error {
	return db.Exec(`
		UPDATE sequence_stats SET
			open_rate = CASE WHEN sent_emails > 0 THEN opened_emails::float / sent_emails ELSE 0 END,
			click_rate = CASE WHEN sent_emails > 0 THEN clicked_emails::float / sent_emails ELSE 0 END,
			reply_rate = CASE WHEN sent_emails > 0 THEN replied_emails::float / sent_emails ELSE 0 END
		WHERE sequence_id = ?`, sequenceID).Error
}

// RecordSequenceHealthError escalates a delivery failure into the health
// row: increments ErrorCount, records LastError, and flips Status to
// warning (or error once ErrorCount crosses errorStatusThreshold).
func RecordSequenceHealthError(db *gorm.DB, sequenceID uint, cause string) error {
	if err := EnsureSequenceHealth(db, sequenceID); err != nil {
		return err
	}

	var health SequenceHealth
	if err := db.Where("sequence_id = ?", sequenceID).First(&health).Error; err != nil {
		return err
	}

	status := HealthStatusWarning
	if health.ErrorCount+1 >= errorStatusThreshold {
		status = HealthStatusError
	}

	return db.Model(&SequenceHealth{}).
		Where("sequence_id = ?", sequenceID).
		Updates(map[string]interface{}{
			"error_count": gorm.Expr("error_count + 1"),
			"last_error":  cause,
			"status":      status,
		}).Error
}

// errorStatusThreshold is how many recorded failures escalate a sequence's
// health from warning to error.
const errorStatusThreshold = 5
