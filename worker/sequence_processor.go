// Package worker holds the four workers that drive the engine end to end:
// SequenceProcessor (launch/resume fan-out), Sweeper (periodic tick),
// EmailWorker (Gmail send), and InboundPipeline (push notification
// handling). Grounded on worker/warmup_worker.go and worker/unibox_worker.go
// for the ticker-loop-plus-per-item-work shape, and on
// controllers/campaign_execution.go's runCampaignWorker for the
// fan-out-per-recipient logic.
package worker

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/coldpath/sequencer/config"
	"github.com/coldpath/sequencer/models"
	"github.com/coldpath/sequencer/queue"
	"github.com/coldpath/sequencer/ratelimit"
	"github.com/coldpath/sequencer/scheduler"
	"github.com/coldpath/sequencer/utils"
)

// betweenContactsDelay smooths fan-out load (step 4 "sleep 1s
// between contacts").
const betweenContactsDelay = 1 * time.Second

// SequenceProcessor implements the launch/resume fan-out.
// Grounded on controllers/campaign_execution.go's runCampaignWorker, but
// restructured from a persistent per-campaign goroutine into a one-shot
// handler for a single sequence-job, matching this engine's
// queue-triggered scheduling model.
type SequenceProcessor struct {
	DB      *gorm.DB
	Limiter *ratelimit.Limiter
	Queue   *queue.Queue
}

// Process runs one sequence-job to completion. It never returns an error
// for per-contact failures — those are logged and skipped — only for the
// sequence or its contact rows failing to load.
func (p *SequenceProcessor) Process(ctx context.Context, job queue.SequenceJobPayload) error {
	allowed, _, err := p.Limiter.Check(ctx, job.UserID, job.SequenceID, 0)
	if err != nil {
		utils.LogError("sequence_processor_ratelimit_check", err, map[string]interface{}{"sequence_id": job.SequenceID})
		return nil // non-fatal, sequence gets picked up again next tick
	}
	if !allowed {
		return nil
	}

	var sequence models.Sequence
	if err := p.DB.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("sequence_steps.step_order ASC")
	}).Preload("BusinessHours").First(&sequence, job.SequenceID).Error; err != nil {
		return fmt.Errorf("load sequence %d: %w", job.SequenceID, err)
	}

	var contacts []models.SequenceContact
	if err := p.DB.Preload("Contact").
		Where("sequence_id = ? AND status NOT IN ?", sequence.ID, []string{
			models.ContactStatusCompleted,
			models.ContactStatusOptedOut,
			models.ContactStatusReplied,
			models.ContactStatusBounced,
			models.ContactStatusFailed,
		}).
		Order("id ASC").
		Find(&contacts).Error; err != nil {
		return fmt.Errorf("load active contacts for sequence %d: %w", sequence.ID, err)
	}

	for i := range contacts {
		if err := p.processContact(ctx, &sequence, &contacts[i]); err != nil {
			utils.LogError("sequence_processor_contact_failed", err, map[string]interface{}{
				"sequence_id": sequence.ID,
				"contact_id":  contacts[i].ContactID,
			})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(betweenContactsDelay):
		}
	}

	return nil
}

// ProcessContactJob re-evaluates a single (sequence, contact) pair outside
// the normal fan-out. main.go consumes contact-jobs with it; nothing in
// this repository enqueues them.
func (p *SequenceProcessor) ProcessContactJob(ctx context.Context, job queue.ContactJobPayload) error {
	var sequence models.Sequence
	if err := p.DB.Preload("Steps", func(db *gorm.DB) *gorm.DB {
		return db.Order("sequence_steps.step_order ASC")
	}).Preload("BusinessHours").First(&sequence, job.SequenceID).Error; err != nil {
		return fmt.Errorf("load sequence %d: %w", job.SequenceID, err)
	}

	var sc models.SequenceContact
	if err := p.DB.Preload("Contact").
		Where("sequence_id = ? AND contact_id = ?", job.SequenceID, job.ContactID).
		First(&sc).Error; err != nil {
		return fmt.Errorf("load sequence contact %d/%d: %w", job.SequenceID, job.ContactID, err)
	}

	return p.processContact(ctx, &sequence, &sc)
}

func (p *SequenceProcessor) processContact(ctx context.Context, sequence *models.Sequence, sc *models.SequenceContact) error {
	if !sc.IsActive() {
		return nil // reached a terminal status (reply/bounce/failure/opt-out) since being enqueued
	}
	if sc.Contact.MXValid != nil && !*sc.Contact.MXValid {
		utils.LogEvent("sequence_processor_contact_mx_invalid", map[string]interface{}{
			"sequence_id": sequence.ID, "contact_id": sc.ContactID,
		})
	}

	allowed, _, err := p.Limiter.Check(ctx, sequence.UserID, sequence.ID, sc.ContactID)
	if err != nil {
		return fmt.Errorf("ratelimit check: %w", err)
	}
	if !allowed {
		return nil
	}

	if sc.CurrentStep >= len(sequence.Steps) {
		now := time.Now()
		return p.DB.Model(sc).Updates(map[string]interface{}{
			"status":       models.ContactStatusCompleted,
			"completed_at": now,
		}).Error
	}

	step := sequence.Steps[sc.CurrentStep]
	subject := resolveSubject(sequence, &step, sc.CurrentStep)

	sendTime := scheduler.Compute(time.Now().UTC(), &step, sequence.BusinessHours, p.schedulerOptions(sequence))

	jobID, err := p.Queue.EnqueueAt(ctx, queue.EmailJobs, queue.EmailJobPayload{
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
		return fmt.Errorf("enqueue email job: %w", err)
	}

	now := time.Now()
	if err := p.DB.Model(sc).Updates(map[string]interface{}{
		"current_step":      sc.CurrentStep + 1,
		"next_scheduled_at": sendTime,
		"last_processed_at": now,
		"status":            models.ContactStatusScheduled,
	}).Error; err != nil {
		return fmt.Errorf("update sequence contact: %w", err)
	}

	if err := p.Limiter.Increment(ctx, sequence.UserID, sequence.ID, sc.ContactID); err != nil {
		utils.LogError("sequence_processor_ratelimit_increment", err, map[string]interface{}{"job_id": jobID})
	}
	return nil
}

// resolveSubject implements the "Re: " + previous subject rule for
// reply-to-thread steps.
func resolveSubject(sequence *models.Sequence, step *models.SequenceStep, stepIndex int) string {
	if step.ReplyToThread && stepIndex > 0 {
		prev := sequence.Steps[stepIndex-1]
		return "Re: " + prev.Subject
	}
	return step.Subject
}

func (p *SequenceProcessor) schedulerOptions(sequence *models.Sequence) scheduler.Options {
	return scheduler.Options{
		Demo:                config.AppConfig.DemoMode,
		BypassBusinessHours: config.AppConfig.BypassBusinessHours,
		RateWindow: func(candidate time.Time) scheduler.RateWindowCounts {
			return rateWindowCountsFor(p.DB, candidate)
		},
	}
}
