package gmail

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestEncodeSubject_LeavesASCIIUnchanged(t *testing.T) {
	got := EncodeSubject("Hello there")
	if got != "Hello there" {
		t.Fatalf("expected ascii subject unchanged, got %q", got)
	}
}

func TestEncodeSubject_EncodesNonASCII(t *testing.T) {
	got := EncodeSubject("Café meetup")
	if !strings.HasPrefix(got, "=?UTF-8?") {
		t.Fatalf("expected RFC 2047 encoded subject, got %q", got)
	}
}

func TestNewMessageID_LooksLikeAngleAddr(t *testing.T) {
	id := NewMessageID()
	if !strings.HasPrefix(id, "<") || !strings.HasSuffix(id, ">") {
		t.Fatalf("expected angle-bracketed message id, got %q", id)
	}
	if !strings.Contains(id, "@sequencer.local") {
		t.Fatalf("expected local domain suffix, got %q", id)
	}
}

func TestBuildRawMessage_ProducesBase64URLPayload(t *testing.T) {
	raw, err := BuildRawMessage("a@example.com", "Hi", "<p>hello</p>", ThreadHeaders{
		MessageID: NewMessageID(),
	})
	if err != nil {
		t.Fatalf("build raw message: %v", err)
	}
	if raw == "" {
		t.Fatalf("expected non-empty raw message")
	}
	// base64.URLEncoding uses '-' and '_' instead of '+' and '/'.
	if strings.ContainsAny(raw, "+/") {
		t.Fatalf("expected URL-safe base64 alphabet, got %q", raw)
	}
}

func TestBuildRawMessage_ThreadedIncludesReferences(t *testing.T) {
	headers := ThreadHeaders{
		MessageID:  NewMessageID(),
		InReplyTo:  "<prev@sequencer.local>",
		References: "<first@sequencer.local> <prev@sequencer.local>",
	}
	raw, err := BuildRawMessage("a@example.com", "Re: Hi", "<p>hello</p>", headers)
	if err != nil {
		t.Fatalf("build raw message: %v", err)
	}
	if raw == "" {
		t.Fatalf("expected non-empty raw message")
	}
	decoded, err := base64.URLEncoding.DecodeString(raw)
	if err != nil {
		t.Fatalf("decode raw message: %v", err)
	}
	if !strings.Contains(string(decoded), "References: <first@sequencer.local> <prev@sequencer.local>") {
		t.Fatalf("expected References header in message, got %q", decoded)
	}
	if !strings.Contains(string(decoded), "In-Reply-To: <prev@sequencer.local>") {
		t.Fatalf("expected In-Reply-To header in message, got %q", decoded)
	}
}
