package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"google.golang.org/api/gmail/v1"

	gmailclient "github.com/coldpath/sequencer/gmail"
	"github.com/coldpath/sequencer/models"
	"github.com/coldpath/sequencer/utils"
)

// historyMetadataHeaders is the header set fetched per message during
// classification.
var historyMetadataHeaders = []string{
	"Message-ID", "References", "In-Reply-To", "From", "Content-Type", "X-Failed-Recipients",
}

// InboundPipeline turns Gmail push notifications into EmailEvent rows.
// Grounded on controllers/unibox_controller.go's IMAP-based reply/bounce
// classification, generalized from polling an IMAP mailbox to consuming a
// Gmail history.list delta.
type InboundPipeline struct {
	DB    *gorm.DB
	Gmail *gmailclient.Factory
}

// Process handles one push notification's payload: {emailAddress,
// historyId} already extracted and JWT-verified by the caller. It fetches
// every history record since the account's last known historyId and
// classifies each added message.
func (p *InboundPipeline) Process(ctx context.Context, emailAddress string, historyID uint64) error {
	var account models.GmailAccount
	if err := p.DB.Where("email_address = ?", emailAddress).First(&account).Error; err != nil {
		return fmt.Errorf("lookup gmail account for %s: %w", emailAddress, err)
	}

	client, err := p.Gmail.Get(ctx, account.UserID)
	if err != nil {
		return fmt.Errorf("get gmail client: %w", err)
	}

	startID := account.LastHistoryID
	if startID == 0 {
		// First notification seen for this account: nothing to diff against
		// yet, just adopt the incoming historyId as the new baseline.
		return p.advanceHistoryID(&account, historyID)
	}

	call := client.Service.Users.History.List("me").
		StartHistoryId(startID).
		HistoryTypes("messageAdded").
		Context(ctx)

	var messageIDs []string
	err = call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
		for _, h := range page.History {
			for _, added := range h.MessagesAdded {
				if added.Message != nil {
					messageIDs = append(messageIDs, added.Message.Id)
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("list history from %d: %w", startID, err)
	}

	for _, msgID := range messageIDs {
		msg, err := client.Service.Users.Messages.Get("me", msgID).
			Format("metadata").MetadataHeaders(historyMetadataHeaders...).Context(ctx).Do()
		if err != nil {
			utils.LogError("inbound_pipeline_fetch_message_failed", err, map[string]interface{}{"message_id": msgID})
			continue
		}
		if err := p.classify(ctx, &account, msg); err != nil {
			utils.LogError("inbound_pipeline_classify_failed", err, map[string]interface{}{"message_id": msgID})
		}
	}

	return p.advanceHistoryID(&account, historyID)
}

// ProcessThread re-checks a single Gmail thread outside the push-notification
// path, for when a push notification was dropped or delayed and a thread
// needs a manual nudge.
func (p *InboundPipeline) ProcessThread(ctx context.Context, userID uint, gmailThreadID string) error {
	var account models.GmailAccount
	if err := p.DB.Where("user_id = ?", userID).First(&account).Error; err != nil {
		return fmt.Errorf("lookup gmail account for user %d: %w", userID, err)
	}

	client, err := p.Gmail.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("get gmail client: %w", err)
	}

	thread, err := client.Service.Users.Threads.Get("me", gmailThreadID).
		Format("metadata").MetadataHeaders(historyMetadataHeaders...).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("get thread %s: %w", gmailThreadID, err)
	}

	for _, msg := range thread.Messages {
		if err := p.classify(ctx, &account, msg); err != nil {
			utils.LogError("inbound_pipeline_threadwatch_classify_failed", err, map[string]interface{}{
				"message_id": msg.Id, "thread_id": gmailThreadID,
			})
		}
	}
	return nil
}

func (p *InboundPipeline) advanceHistoryID(account *models.GmailAccount, historyID uint64) error {
	if historyID <= account.LastHistoryID {
		return nil
	}
	return p.DB.Model(account).Update("last_history_id", historyID).Error
}

func headerValue(msg *gmail.Message, name string) string {
	for _, h := range msg.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

func hasLabel(msg *gmail.Message, label string) bool {
	for _, l := range msg.LabelIds {
		if l == label {
			return true
		}
	}
	return false
}

// classify implements step 3's three classifications for a single
// fetched message.
func (p *InboundPipeline) classify(ctx context.Context, account *models.GmailAccount, msg *gmail.Message) error {
	if err := p.classifyOpen(msg); err != nil {
		utils.LogError("inbound_pipeline_open_classification_failed", err, nil)
	}

	if isDeliveryFailure(msg) {
		if err := p.classifyBounce(account, msg); err != nil {
			utils.LogError("inbound_pipeline_bounce_classification_failed", err, nil)
		}
		return nil
	}

	if hasLabel(msg, "DRAFT") || hasLabel(msg, "SENT") {
		return nil
	}
	if account.EmailAddress != "" && strings.Contains(strings.ToLower(headerValue(msg, "From")), strings.ToLower(account.EmailAddress)) {
		return nil
	}

	return p.classifyReply(account, msg)
}

// classifyOpen implements the References-header secondary open signal:
// a reply or forward that quotes a tracked Message-ID in its References
// header counts as an open even if the tracking pixel itself never fired.
func (p *InboundPipeline) classifyOpen(msg *gmail.Message) error {
	refs := strings.Fields(headerValue(msg, "References"))
	if len(refs) == 0 {
		return nil
	}
	lastRef := refs[len(refs)-1]

	var tracking models.EmailTracking
	if err := p.DB.Where("message_id = ?", lastRef).First(&tracking).Error; err != nil {
		return nil // not one of ours
	}

	return p.recordEvent(&tracking, models.EventTypeOpened, "", func() {
		p.DB.Model(&tracking).Updates(map[string]interface{}{
			"open_count": gorm.Expr("open_count + 1"),
		})
		p.bumpStat(tracking.Metadata.SequenceID, "opened_emails", 1)
		if tracking.OpenedAt != nil {
			return
		}
		res := p.DB.Model(&models.EmailTracking{}).
			Where("id = ? AND opened_at IS NULL", tracking.ID).
			Update("opened_at", time.Now())
		if res.Error == nil && res.RowsAffected == 1 {
			// First open on this tracking row: resolves
			// uniqueOpens as a per-tracking-row counter, not per-contact.
			p.bumpStat(tracking.Metadata.SequenceID, "unique_opens", 1)
		}
	})
}

// classifyReply implements thread-based-first, reference-based-fallback
// matching: a message landing in a tracked Gmail thread counts as a reply
// even if its In-Reply-To/References headers point elsewhere.
func (p *InboundPipeline) classifyReply(account *models.GmailAccount, msg *gmail.Message) error {
	var thread models.EmailThread
	err := p.DB.Where("user_id = ? AND gmail_thread_id = ?", account.UserID, msg.ThreadId).First(&thread).Error
	if err == nil {
		return p.recordReplyForThread(&thread, "")
	}

	refs := strings.Fields(headerValue(msg, "References"))
	if inReplyTo := headerValue(msg, "In-Reply-To"); inReplyTo != "" {
		refs = append(refs, inReplyTo)
	}
	if len(refs) == 0 {
		return nil
	}

	var candidates []models.EmailTracking
	if err := p.DB.Where("message_id IN ?", refs).Find(&candidates).Error; err != nil {
		return err
	}
	for _, tracking := range candidates {
		if tracking.Metadata.UserID != account.UserID {
			continue
		}
		return p.recordReplyForTracking(&tracking, headerValue(msg, "Message-ID"))
	}
	return nil
}

func (p *InboundPipeline) recordReplyForThread(thread *models.EmailThread, replyMessageID string) error {
	var tracking models.EmailTracking
	err := p.DB.Where("thread_id = ?", thread.GmailThreadID).Order("sent_at DESC").First(&tracking).Error
	if err != nil {
		// No tracking row yet for this thread; still advance contact status
		// using the thread's own denormalized sequence/contact ids.
		return p.markReplied(thread.SequenceID, thread.ContactID)
	}
	return p.recordReplyForTracking(&tracking, replyMessageID)
}

func (p *InboundPipeline) recordReplyForTracking(tracking *models.EmailTracking, replyMessageID string) error {
	return p.recordEvent(tracking, models.EventTypeReplied, replyMessageID, func() {
		p.bumpStat(tracking.Metadata.SequenceID, "replied_emails", 1)
		p.markReplied(tracking.Metadata.SequenceID, tracking.Metadata.ContactID)
	})
}

// markReplied applies the guarded status transition: status NOT IN
// (completed, replied, opted_out). next_scheduled_at is cleared in the same
// update so the sweeper never re-selects this row for a further send.
func (p *InboundPipeline) markReplied(sequenceID, contactID uint) error {
	return p.DB.Model(&models.SequenceContact{}).
		Where("sequence_id = ? AND contact_id = ? AND status NOT IN ?", sequenceID, contactID,
			[]string{models.ContactStatusCompleted, models.ContactStatusReplied, models.ContactStatusOptedOut}).
		Updates(map[string]interface{}{
			"status":            models.ContactStatusReplied,
			"next_scheduled_at": nil,
		}).Error
}

// classifyBounce implements the delivery-failure classification.
func (p *InboundPipeline) classifyBounce(account *models.GmailAccount, msg *gmail.Message) error {
	var thread models.EmailThread
	if err := p.DB.Where("user_id = ? AND gmail_thread_id = ?", account.UserID, msg.ThreadId).First(&thread).Error; err != nil {
		return nil // bounce for a thread we never started, nothing to update
	}

	var tracking models.EmailTracking
	if err := p.DB.Where("thread_id = ?", thread.GmailThreadID).Order("sent_at DESC").First(&tracking).Error; err != nil {
		return p.markBounced(thread.SequenceID, thread.ContactID)
	}

	return p.recordEvent(&tracking, models.EventTypeBounced, "", func() {
		p.DB.Model(&tracking).Update("status", models.TrackingStatusBounced)
		p.bumpStat(tracking.Metadata.SequenceID, "bounced_emails", 1)
		p.markBounced(tracking.Metadata.SequenceID, tracking.Metadata.ContactID)
	})
}

// markBounced clears next_scheduled_at alongside the status flip, for the
// same reason markReplied does.
func (p *InboundPipeline) markBounced(sequenceID, contactID uint) error {
	return p.DB.Model(&models.SequenceContact{}).
		Where("sequence_id = ? AND contact_id = ? AND status NOT IN ?", sequenceID, contactID,
			[]string{models.ContactStatusCompleted, models.ContactStatusOptedOut}).
		Updates(map[string]interface{}{
			"status":            models.ContactStatusBounced,
			"next_scheduled_at": nil,
		}).Error
}

func isDeliveryFailure(msg *gmail.Message) bool {
	if headerValue(msg, "X-Failed-Recipients") != "" {
		return true
	}
	if strings.Contains(strings.ToLower(headerValue(msg, "Content-Type")), "multipart/report") {
		return true
	}
	return strings.Contains(strings.ToLower(headerValue(msg, "From")), "mailer-daemon")
}

// recordEvent is the idempotence gate: events are keyed by (trackingHash,
// type, replyMessageId?), so a duplicate push must not double-count.
// onFirst only runs the first time this key is observed.
func (p *InboundPipeline) recordEvent(tracking *models.EmailTracking, eventType, replyMessageID string, onFirst func()) error {
	query := p.DB.Where("email_tracking_id = ? AND type = ?", tracking.ID, eventType)
	if replyMessageID != "" {
		query = query.Where("reply_message_id = ?", replyMessageID)
	}

	var existing models.EmailEvent
	err := query.First(&existing).Error
	if err == nil {
		return nil // already recorded, at-least-once delivery handled
	}
	if err != gorm.ErrRecordNotFound {
		return err
	}

	event := models.EmailEvent{
		EmailTrackingID: tracking.ID,
		Type:            eventType,
		ReplyMessageID:  replyMessageID,
	}
	if err := p.DB.Create(&event).Error; err != nil {
		return err
	}
	if onFirst != nil {
		onFirst()
	}
	return nil
}

func (p *InboundPipeline) bumpStat(sequenceID uint, column string, delta int) {
	if err := models.EnsureSequenceStats(p.DB, sequenceID); err != nil {
		utils.LogError("inbound_pipeline_stat_create_failed", err, map[string]interface{}{
			"sequence_id": sequenceID, "column": column,
		})
		return
	}
	err := p.DB.Model(&models.SequenceStats{}).
		Where("sequence_id = ?", sequenceID).
		Update(column, gorm.Expr(column+" + ?", delta)).Error
	if err != nil {
		utils.LogError("inbound_pipeline_stat_update_failed", err, map[string]interface{}{
			"sequence_id": sequenceID, "column": column,
		})
		return
	}
	if err := models.RecalculateRates(p.DB, sequenceID); err != nil {
		utils.LogError("inbound_pipeline_stat_rate_recalc_failed", err, map[string]interface{}{"sequence_id": sequenceID})
	}
}
