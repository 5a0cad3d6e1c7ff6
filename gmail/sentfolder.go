package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message"
	"google.golang.org/api/gmail/v1"

	"github.com/coldpath/sequencer/utils"
)

// SentFolderRewriteDelay is the minimum wait before fetching a just-sent
// message back out, giving Gmail time to index it.
const SentFolderRewriteDelay = 1 * time.Second

// sentFolderFetchRetries and sentFolderFetchInterval bound the retry loop
// around messages.get: Gmail's index occasionally still hasn't caught up
// after SentFolderRewriteDelay, so a fetch immediately after can 404.
const (
	sentFolderFetchRetries  = 3
	sentFolderFetchInterval = 1 * time.Second
)

// RewriteSentCopy replaces the sender's own Sent-folder copy of a message
// with an untracked mirror: the recipient's copy (already delivered) keeps
// the tracking pixel and rewritten links, but the account owner's own Sent
// view shows the original human-facing HTML. The mirror is built from the
// actual sent message body (fetched raw and stripped of tracking) rather
// than the pre-send HTML, so it reflects whatever Gmail actually delivered.
//
// Callers are expected to wait at least SentFolderRewriteDelay after Send
// before calling this.
func RewriteSentCopy(ctx context.Context, svc *gmail.Service, sentMessageID, threadID, to, subject, hash string, links []utils.TrackedLink, headers ThreadHeaders) error {
	body, err := fetchSentBody(ctx, svc, sentMessageID)
	if err != nil {
		return err
	}
	untracked := utils.StripTracking(body, TrackAPIBase(), hash, links)

	raw, err := BuildRawMessage(to, subject, untracked, headers)
	if err != nil {
		return fmt.Errorf("build untracked mirror: %w", err)
	}

	inserted, err := svc.Users.Messages.Insert("me", &gmail.Message{
		Raw:      raw,
		ThreadId: threadID,
		LabelIds: []string{"SENT"},
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("insert untracked mirror: %w", err)
	}
	if inserted.Id == sentMessageID {
		// Gmail assigned the same id back (unexpected but harmless); don't
		// delete the copy we just inserted.
		return nil
	}

	if err := svc.Users.Messages.Delete("me", sentMessageID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("delete tracked sent copy: %w", err)
	}
	return nil
}

// fetchSentBody fetches messageID's raw RFC 5322 message and returns its
// decoded body, making up to sentFolderFetchRetries attempts since the
// index Gmail serves messages.get from sometimes lags a beat behind
// messages.send.
func fetchSentBody(ctx context.Context, svc *gmail.Service, messageID string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < sentFolderFetchRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(sentFolderFetchInterval)
		}

		msg, err := svc.Users.Messages.Get("me", messageID).Format("raw").Context(ctx).Do()
		if err != nil {
			lastErr = err
			continue
		}

		decoded, err := base64.URLEncoding.DecodeString(msg.Raw)
		if err != nil {
			return "", fmt.Errorf("decode sent message %s: %w", messageID, err)
		}
		entity, err := message.Read(bytes.NewReader(decoded))
		if err != nil {
			return "", fmt.Errorf("parse sent message %s: %w", messageID, err)
		}
		body, err := io.ReadAll(entity.Body)
		if err != nil {
			return "", fmt.Errorf("read sent message body %s: %w", messageID, err)
		}
		return string(body), nil
	}
	return "", fmt.Errorf("fetch sent message %s after %d attempts: %w", messageID, sentFolderFetchRetries, lastErr)
}

// CanonicalMessageID fetches the RFC 5322 Message-ID header of a sent
// message via messages.get, needed because the id Gmail returns from
// users.messages.send is its own internal id, not the Message-ID header
// threading depends on.
func CanonicalMessageID(ctx context.Context, svc *gmail.Service, messageID string) (string, error) {
	msg, err := svc.Users.Messages.Get("me", messageID).Format("metadata").
		MetadataHeaders("Message-ID").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("fetch message %s: %w", messageID, err)
	}
	for _, h := range msg.Payload.Headers {
		if h.Name == "Message-ID" || h.Name == "Message-Id" {
			return h.Value, nil
		}
	}
	return "", nil
}
