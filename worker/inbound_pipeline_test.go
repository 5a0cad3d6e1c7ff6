package worker

import (
	"testing"

	"google.golang.org/api/gmail/v1"
)

func header(name, value string) *gmail.MessagePartHeader {
	return &gmail.MessagePartHeader{Name: name, Value: value}
}

func TestHeaderValue_CaseInsensitiveLookup(t *testing.T) {
	msg := &gmail.Message{Payload: &gmail.MessagePart{Headers: []*gmail.MessagePartHeader{
		header("Message-ID", "<abc@sequencer.local>"),
	}}}
	if got := headerValue(msg, "message-id"); got != "<abc@sequencer.local>" {
		t.Fatalf("expected case-insensitive header match, got %q", got)
	}
}

func TestHeaderValue_MissingHeaderReturnsEmpty(t *testing.T) {
	msg := &gmail.Message{Payload: &gmail.MessagePart{Headers: nil}}
	if got := headerValue(msg, "References"); got != "" {
		t.Fatalf("expected empty string for missing header, got %q", got)
	}
}

func TestHasLabel_FindsMatchingLabel(t *testing.T) {
	msg := &gmail.Message{LabelIds: []string{"INBOX", "SENT"}}
	if !hasLabel(msg, "SENT") {
		t.Fatalf("expected SENT label to be found")
	}
	if hasLabel(msg, "DRAFT") {
		t.Fatalf("did not expect DRAFT label to be found")
	}
}

func TestIsDeliveryFailure_DetectsFailedRecipientsHeader(t *testing.T) {
	msg := &gmail.Message{Payload: &gmail.MessagePart{Headers: []*gmail.MessagePartHeader{
		header("X-Failed-Recipients", "bob@example.com"),
	}}}
	if !isDeliveryFailure(msg) {
		t.Fatalf("expected X-Failed-Recipients to mark a delivery failure")
	}
}

func TestIsDeliveryFailure_DetectsMultipartReport(t *testing.T) {
	msg := &gmail.Message{Payload: &gmail.MessagePart{Headers: []*gmail.MessagePartHeader{
		header("Content-Type", "multipart/report; report-type=delivery-status"),
	}}}
	if !isDeliveryFailure(msg) {
		t.Fatalf("expected multipart/report content-type to mark a delivery failure")
	}
}

func TestIsDeliveryFailure_DetectsMailerDaemonFrom(t *testing.T) {
	msg := &gmail.Message{Payload: &gmail.MessagePart{Headers: []*gmail.MessagePartHeader{
		header("From", "Mail Delivery Subsystem <MAILER-DAEMON@example.com>"),
	}}}
	if !isDeliveryFailure(msg) {
		t.Fatalf("expected mailer-daemon From to mark a delivery failure")
	}
}

func TestIsDeliveryFailure_FalseForOrdinaryMessage(t *testing.T) {
	msg := &gmail.Message{Payload: &gmail.MessagePart{Headers: []*gmail.MessagePartHeader{
		header("From", "person@example.com"),
		header("Content-Type", "text/html; charset=utf-8"),
	}}}
	if isDeliveryFailure(msg) {
		t.Fatalf("did not expect an ordinary message to be classified as a bounce")
	}
}
