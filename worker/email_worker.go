package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/coldpath/sequencer/config"
	gmailclient "github.com/coldpath/sequencer/gmail"
	"github.com/coldpath/sequencer/models"
	"github.com/coldpath/sequencer/queue"
	"github.com/coldpath/sequencer/ratelimit"
	"github.com/coldpath/sequencer/utils"
)

// EmailWorker consumes email-job payloads and performs the Gmail send,
// tracking injection, and sent-folder rewrite flow. Grounded on
// controllers/campaign_execution.go's sendEmailToLead (tracking injection
// before send, activity row written after) generalized from SMTP-via-
// gomail to Gmail REST.
type EmailWorker struct {
	DB      *gorm.DB
	Limiter *ratelimit.Limiter
	Queue   *queue.Queue
	Gmail   *gmailclient.Factory
}

// Process implements the numbered flow for one email-job. attempt and
// maxTries come from the dequeued queue.Job so recordFailure can tell a
// transient failure (the queue still has retries left) from an exhausted
// one, mirroring queue.Queue.Retry's own exhaustion check.
func (w *EmailWorker) Process(ctx context.Context, job queue.EmailJobPayload, attempt, maxTries int) error {
	final := maxTries > 0 && attempt+1 >= maxTries

	to := job.To
	if job.TestMode && config.AppConfig.TestEmail != "" {
		to = config.AppConfig.TestEmail
	}

	var step models.SequenceStep
	if err := w.DB.First(&step, job.StepID).Error; err != nil {
		return fmt.Errorf("load step %d: %w", job.StepID, err)
	}

	client, err := w.Gmail.Get(ctx, job.UserID)
	if err != nil {
		return fmt.Errorf("get gmail client: %w", err)
	}

	headers, err := gmailclient.ResolveThreadHeaders(ctx, client.Service, job.ThreadID, job.Subject)
	if err != nil {
		return fmt.Errorf("resolve thread headers: %w", err)
	}

	hash := utils.GenerateTrackingHash()
	trackedHTML, trackedLinks := utils.InjectTracking(step.HTMLContent, gmailclient.TrackAPIBase(), hash)

	raw, err := gmailclient.BuildRawMessage(to, headers.Subject, trackedHTML, headers)
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}

	sent, err := gmailclient.Send(ctx, client.Service, raw, job.ThreadID)
	if err != nil {
		if isUnauthorized(err) {
			client, err = w.Gmail.ForceRefresh(ctx, job.UserID)
			if err != nil {
				return w.recordFailure(job, hash, gmailclient.ErrTokenExpired, final)
			}
			sent, err = gmailclient.Send(ctx, client.Service, raw, job.ThreadID)
			if err != nil {
				return w.recordFailure(job, hash, err, final)
			}
		} else {
			return w.recordFailure(job, hash, err, final)
		}
	}

	canonicalID, err := gmailclient.CanonicalMessageID(ctx, client.Service, sent.Id)
	if err != nil || canonicalID == "" {
		canonicalID = headers.MessageID
	}

	now := time.Now()
	tracking := models.EmailTracking{
		Hash:      hash,
		MessageID: canonicalID,
		ThreadID:  sent.ThreadId,
		Status:    models.TrackingStatusSent,
		SentAt:    &now,
		Metadata: models.TrackingMetadata{
			Email:      to,
			UserID:     job.UserID,
			SequenceID: job.SequenceID,
			StepID:     job.StepID,
			ContactID:  job.ContactID,
		},
	}
	if err := w.DB.Create(&tracking).Error; err != nil {
		return fmt.Errorf("persist email tracking: %w", err)
	}
	for _, link := range trackedLinks {
		w.DB.Create(&models.TrackedLink{EmailTrackingID: tracking.ID, OriginalURL: link.OriginalURL})
	}
	w.DB.Create(&models.EmailEvent{EmailTrackingID: tracking.ID, Type: models.EventTypeSent})

	if job.ThreadID == "" {
		w.DB.Create(&models.EmailThread{
			UserID:         job.UserID,
			GmailThreadID:  sent.ThreadId,
			SequenceID:     job.SequenceID,
			ContactID:      job.ContactID,
			FirstMessageID: canonicalID,
		})
		w.DB.Model(&models.SequenceContact{}).
			Where("sequence_id = ? AND contact_id = ?", job.SequenceID, job.ContactID).
			Update("thread_id", sent.ThreadId)
	}

	w.bumpStats(job.SequenceID)

	go w.rewriteSentCopy(context.Background(), client, sent.Id, sent.ThreadId, to, headers, hash, trackedLinks)

	return nil
}

// rewriteSentCopy runs the Sent-folder mirror rewrite out-of-band so the
// send path itself isn't held open for SentFolderRewriteDelay.
func (w *EmailWorker) rewriteSentCopy(ctx context.Context, client *gmailclient.Client, sentMessageID, threadID, to string, headers gmailclient.ThreadHeaders, hash string, links []utils.TrackedLink) {
	time.Sleep(gmailclient.SentFolderRewriteDelay)
	if err := gmailclient.RewriteSentCopy(ctx, client.Service, sentMessageID, threadID, to, headers.Subject, hash, links, headers); err != nil {
		utils.LogError("email_worker_sent_folder_rewrite_failed", err, map[string]interface{}{"message_id": sentMessageID})
	}
}

func (w *EmailWorker) bumpStats(sequenceID uint) {
	if err := models.EnsureSequenceStats(w.DB, sequenceID); err != nil {
		utils.LogError("email_worker_stats_create_failed", err, map[string]interface{}{"sequence_id": sequenceID})
		return
	}
	err := w.DB.Model(&models.SequenceStats{}).
		Where("sequence_id = ?", sequenceID).
		Updates(map[string]interface{}{
			"sent_emails":      gorm.Expr("sent_emails + 1"),
			"people_contacted": gorm.Expr("people_contacted + 1"),
		}).Error
	if err != nil {
		utils.LogError("email_worker_stats_update_failed", err, map[string]interface{}{"sequence_id": sequenceID})
		return
	}
	if err := models.RecalculateRates(w.DB, sequenceID); err != nil {
		utils.LogError("email_worker_stats_rate_recalc_failed", err, map[string]interface{}{"sequence_id": sequenceID})
	}
}

// recordFailure logs a failed send attempt and always sets a send cooldown
// via the limiter. It only applies the terminal-failure side effects — a
// minimal EmailTracking row anchoring an EmailEvent(type=failed),
// SequenceContact flipping to status=failed with next_scheduled_at
// cleared so the sweeper never re-selects the row, and SequenceHealth.
// ErrorCount/LastError escalation — when final is true, i.e. the queue has
// no retries left for this job. A transient failure on an earlier attempt
// leaves the contact row alone so a subsequent successful retry doesn't
// have to un-fail it.
func (w *EmailWorker) recordFailure(job queue.EmailJobPayload, hash string, cause error, final bool) error {
	utils.LogError("email_worker_send_failed", cause, map[string]interface{}{
		"sequence_id": job.SequenceID, "contact_id": job.ContactID, "final": final,
	})

	if err := w.Limiter.MarkSendError(context.Background(), job.SequenceID, job.ContactID); err != nil {
		utils.LogError("email_worker_cooldown_set_failed", err, nil)
	}

	if !final {
		return cause
	}

	w.DB.Model(&models.SequenceContact{}).
		Where("sequence_id = ? AND contact_id = ?", job.SequenceID, job.ContactID).
		Updates(map[string]interface{}{
			"status":            models.ContactStatusFailed,
			"last_error":        cause.Error(),
			"next_scheduled_at": nil,
		})

	var tracking models.EmailTracking
	err := w.DB.Where("hash = ?", hash).First(&tracking).Error
	if err == gorm.ErrRecordNotFound {
		tracking = models.EmailTracking{
			Hash:   hash,
			Status: models.TrackingStatusPending,
			Metadata: models.TrackingMetadata{
				Email:      job.To,
				UserID:     job.UserID,
				SequenceID: job.SequenceID,
				StepID:     job.StepID,
				ContactID:  job.ContactID,
			},
		}
		err = w.DB.Create(&tracking).Error
	}
	if err != nil {
		utils.LogError("email_worker_failure_tracking_row_failed", err, map[string]interface{}{"hash": hash})
	} else {
		w.DB.Create(&models.EmailEvent{
			EmailTrackingID: tracking.ID,
			Type:            models.EventTypeFailed,
			Metadata:        cause.Error(),
		})
	}

	if err := models.RecordSequenceHealthError(w.DB, job.SequenceID, cause.Error()); err != nil {
		utils.LogError("email_worker_health_escalation_failed", err, map[string]interface{}{"sequence_id": job.SequenceID})
	}

	return cause
}

// isUnauthorized reports whether a Gmail API error is an HTTP 401.
func isUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gmailclient.ErrTokenExpired) {
		return true
	}
	type httpStatusError interface{ HTTPStatusCode() int }
	var statusErr httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode() == 401
	}
	return false
}
