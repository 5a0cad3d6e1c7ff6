package worker

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/coldpath/sequencer/config"
	"github.com/coldpath/sequencer/models"
	"github.com/coldpath/sequencer/queue"
	"github.com/coldpath/sequencer/ratelimit"
	"github.com/coldpath/sequencer/scheduler"
	"github.com/coldpath/sequencer/utils"
)

// CheckInterval is the sweeper's recommended tick period.
const CheckInterval = 30 * time.Second

// RetryDelay is how far into the future a failed row's next_scheduled_at
// is pushed so the sweeper retries it later.
const RetryDelay = 5 * time.Minute

// Sweeper is the single source of truth for "is this email due".
// Grounded on worker/warmup_worker.go's Start(ctx)+time.Ticker
// shape, generalized from "advance active warmup senders" to "advance due
// SequenceContact rows".
type Sweeper struct {
	DB      *gorm.DB
	Limiter *ratelimit.Limiter
	Queue   *queue.Queue
}

// Start runs Tick every CheckInterval until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick finds every due SequenceContact and advances it one step. Rows
// belonging to a paused sequence are skipped by the join's status filter.
func (s *Sweeper) Tick(ctx context.Context) {
	var due []models.SequenceContact
	err := s.DB.
		Joins("JOIN sequences ON sequences.id = sequence_contacts.sequence_id").
		Where("sequences.status = ?", models.SequenceStatusActive).
		Where("sequence_contacts.status NOT IN ?", []string{
			models.ContactStatusCompleted,
			models.ContactStatusOptedOut,
			models.ContactStatusReplied,
			models.ContactStatusBounced,
			models.ContactStatusFailed,
		}).
		Where("sequence_contacts.next_scheduled_at IS NOT NULL AND sequence_contacts.next_scheduled_at <= ?", time.Now()).
		Preload("Contact").
		Find(&due).Error
	if err != nil {
		utils.LogError("sweeper_scan_failed", err, nil)
		return
	}

	for i := range due {
		if err := s.advance(ctx, &due[i]); err != nil {
			utils.LogError("sweeper_advance_failed", err, map[string]interface{}{
				"sequence_contact_id": due[i].ID,
			})
		}
	}
}

func (s *Sweeper) advance(ctx context.Context, sc *models.SequenceContact) error {
	var sequence models.Sequence
	if err := s.DB.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("sequence_steps.step_order ASC")
	}).Preload("BusinessHours").First(&sequence, sc.SequenceID).Error; err != nil {
		return s.retry(sc, err)
	}

	if sc.CurrentStep >= len(sequence.Steps) {
		return s.finalize(sc)
	}
	step := sequence.Steps[sc.CurrentStep]

	allowed, _, err := s.Limiter.Check(ctx, sequence.UserID, sequence.ID, sc.ContactID)
	if err != nil {
		return s.retry(sc, err)
	}
	if !allowed {
		return nil // step "leave row untouched so the next tick retries"
	}

	sendTime := scheduler.Compute(time.Now().UTC(), &step, sequence.BusinessHours, s.schedulerOptions())
	subject := resolveSubject(&sequence, &step, sc.CurrentStep)

	updates := map[string]interface{}{
		"current_step":      sc.CurrentStep + 1,
		"last_processed_at": time.Now(),
	}
	nextStep := sc.CurrentStep + 1
	if nextStep >= len(sequence.Steps) {
		updates["status"] = models.ContactStatusCompleted
		updates["completed_at"] = time.Now()
		updates["next_scheduled_at"] = nil
	} else {
		nextSendTime := scheduler.Compute(time.Now().UTC(), &sequence.Steps[nextStep], sequence.BusinessHours, s.schedulerOptions())
		updates["next_scheduled_at"] = nextSendTime
		updates["status"] = models.ContactStatusScheduled
	}

	// Conditional update guarded on current_step so a concurrent sweeper
	// racing on the same row loses quietly ("data races" / §8
	// "at most one due scheduling"). Claiming the row before enqueuing means
	// a losing racer never enqueues a job in the first place, instead of
	// enqueuing then discovering it lost the race.
	result := s.DB.Model(&models.SequenceContact{}).
		Where("id = ? AND current_step = ?", sc.ID, sc.CurrentStep).
		Updates(updates)
	if result.Error != nil {
		return s.retry(sc, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil // another sweeper already advanced this row
	}

	jobID, err := s.Queue.EnqueueAt(ctx, queue.EmailJobs, queue.EmailJobPayload{
		SequenceID:    sequence.ID,
		ContactID:     sc.ContactID,
		StepID:        step.ID,
		UserID:        sequence.UserID,
		To:            sc.Contact.Email,
		Subject:       subject,
		ThreadID:      sc.ThreadID,
		ScheduledTime: sendTime,
		TestMode:      sequence.TestMode,
	}, sendTime, 1, queue.DefaultEmailJobRetries)
	if err != nil {
		utils.LogError("sweeper_enqueue_after_claim_failed", err, map[string]interface{}{"sequence_contact_id": sc.ID})
		return s.retry(sc, err)
	}

	if err := s.Limiter.Increment(ctx, sequence.UserID, sequence.ID, sc.ContactID); err != nil {
		utils.LogError("sweeper_ratelimit_increment", err, map[string]interface{}{"job_id": jobID})
	}
	return nil
}

func (s *Sweeper) finalize(sc *models.SequenceContact) error {
	now := time.Now()
	return s.DB.Model(&models.SequenceContact{}).
		Where("id = ? AND current_step = ?", sc.ID, sc.CurrentStep).
		Updates(map[string]interface{}{
			"status":            models.ContactStatusCompleted,
			"completed_at":      now,
			"next_scheduled_at": nil,
		}).Error
}

func (s *Sweeper) retry(sc *models.SequenceContact, cause error) error {
	utils.LogError("sweeper_row_retry_scheduled", cause, map[string]interface{}{"sequence_contact_id": sc.ID})
	return s.DB.Model(&models.SequenceContact{}).
		Where("id = ?", sc.ID).
		Update("next_scheduled_at", time.Now().Add(RetryDelay)).Error
}

func (s *Sweeper) schedulerOptions() scheduler.Options {
	return scheduler.Options{
		Demo:                config.AppConfig.DemoMode,
		BypassBusinessHours: config.AppConfig.BypassBusinessHours,
		RateWindow: func(candidate time.Time) scheduler.RateWindowCounts {
			return rateWindowCountsFor(s.DB, candidate)
		},
	}
}

// rateWindowCountsFor is shared by Sweeper and SequenceProcessor, both of
// which call it from their scheduler.RateWindow closures; it is a free
// function rather than a method because the two otherwise have no common
// base and the query itself is two lines.
func rateWindowCountsFor(db *gorm.DB, candidate time.Time) scheduler.RateWindowCounts {
	minuteStart := candidate.Truncate(time.Minute)
	hourStart := candidate.Truncate(time.Hour)

	var minuteCount, hourCount int64
	db.Model(&models.SequenceContact{}).
		Where("next_scheduled_at >= ? AND next_scheduled_at < ?", minuteStart, minuteStart.Add(time.Minute)).
		Count(&minuteCount)
	db.Model(&models.SequenceContact{}).
		Where("next_scheduled_at >= ? AND next_scheduled_at < ?", hourStart, hourStart.Add(time.Hour)).
		Count(&hourCount)

	return scheduler.RateWindowCounts{MinuteCount: int(minuteCount), HourCount: int(hourCount)}
}
