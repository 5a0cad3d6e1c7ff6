package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/google/uuid"
	"google.golang.org/api/gmail/v1"

	"github.com/coldpath/sequencer/config"
)

// ThreadHeaders carries the RFC 5322 threading headers a reply must carry,
// plus the subject to send.
type ThreadHeaders struct {
	MessageID  string
	InReplyTo  string
	References string
	Subject    string
}

// NewMessageID mints a locally generated RFC 5322 Message-ID using this
// engine's own domain suffix, the same convention
// controllers/campaign_execution.go's uuid.New() message-id generation
// follows, just formatted as a proper Message-ID instead of a bare UUID.
func NewMessageID() string {
	return fmt.Sprintf("<%s@sequencer.local>", uuid.New().String())
}

// EncodeSubject RFC 2047-encodes subject as =?UTF-8?B?...?= when it
// contains non-ASCII, and returns it unchanged otherwise (step
// 2). mime.QEncoding/BEncoding already implement this; go-message/mail
// operates one level higher (whole headers), so this is a direct
// stdlib-adjacent use of the mime package the way go-message itself
// implements header encoding internally.
func EncodeSubject(subject string) string {
	for _, r := range subject {
		if r > 127 {
			return mime.BEncoding.Encode("UTF-8", subject)
		}
	}
	return subject
}

// ResolveThreadHeaders fetches a Gmail thread's messages and derives the
// headers a reply into that thread must carry:
// - a fresh Message-ID for the new message
// - In-Reply-To = the most recent message's Message-ID
// - References = every message's Message-ID, in thread order
// - Subject = the first message's subject, RFC 2047-encoded if replying
func ResolveThreadHeaders(ctx context.Context, svc *gmail.Service, threadID, fallbackSubject string) (ThreadHeaders, error) {
	if threadID == "" {
		return ThreadHeaders{
			MessageID: NewMessageID(),
			Subject:   fallbackSubject,
		}, nil
	}

	thread, err := svc.Users.Threads.Get("me", threadID).Format("metadata").
		MetadataHeaders("Message-ID", "Subject").Context(ctx).Do()
	if err != nil {
		return ThreadHeaders{}, fmt.Errorf("fetch thread %s: %w", threadID, err)
	}
	if len(thread.Messages) == 0 {
		return ThreadHeaders{MessageID: NewMessageID(), Subject: fallbackSubject}, nil
	}

	var messageIDs []string
	var firstSubject string
	for i, m := range thread.Messages {
		for _, h := range m.Payload.Headers {
			switch h.Name {
			case "Message-ID", "Message-Id":
				messageIDs = append(messageIDs, h.Value)
			case "Subject":
				if i == 0 {
					firstSubject = h.Value
				}
			}
		}
	}

	headers := ThreadHeaders{
		MessageID:  NewMessageID(),
		References: strings.Join(messageIDs, " "),
	}
	if len(messageIDs) > 0 {
		headers.InReplyTo = messageIDs[len(messageIDs)-1]
	}
	if firstSubject != "" {
		if !strings.HasPrefix(strings.ToLower(firstSubject), "re:") {
			firstSubject = "Re: " + firstSubject
		}
		headers.Subject = EncodeSubject(firstSubject)
	} else {
		headers.Subject = fallbackSubject
	}
	return headers, nil
}

// BuildRawMessage assembles the base64url-encoded RFC 5322 message Gmail's
// users.messages.send expects, using go-message for header/body
// construction.
func BuildRawMessage(to, subject, htmlBody string, headers ThreadHeaders) (string, error) {
	var h message.Header
	h.Set("To", to)
	h.Set("Subject", subject)
	h.Set("Date", time.Now().Format(time.RFC1123Z))
	h.Set("Message-Id", headers.MessageID)
	if headers.InReplyTo != "" {
		h.Set("In-Reply-To", headers.InReplyTo)
	}
	if headers.References != "" {
		h.Set("References", headers.References)
	}
	h.SetContentType("text/html", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h)
	if err != nil {
		return "", fmt.Errorf("create message writer: %w", err)
	}
	if _, err := w.Write([]byte(htmlBody)); err != nil {
		return "", fmt.Errorf("write html body: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
}

// Send delivers a message via users.messages.send, optionally into an
// existing thread. A 401 is surfaced unwrapped so the
// caller can decide whether to force-refresh and retry.
func Send(ctx context.Context, svc *gmail.Service, raw, threadID string) (*gmail.Message, error) {
	msg := &gmail.Message{Raw: raw}
	if threadID != "" {
		msg.ThreadId = threadID
	}
	return svc.Users.Messages.Send("me", msg).Context(ctx).Do()
}

// TrackAPIBase returns the configured base URL for tracking pixel/click
// links, exposed here so callers building a
// message don't need to import config directly.
func TrackAPIBase() string {
	return config.AppConfig.TrackAPIURL
}
