package utils

import (
	"strings"
	"testing"
)

func TestInjectTracking_RewritesLinksAndAppendsPixel(t *testing.T) {
	html := `<p>Hi</p><a href="https://example.com/a">click</a><a href="https://example.com/b">click2</a>`

	tracked, links := InjectTracking(html, "https://track.example.com/", "abc123")

	if len(links) != 2 {
		t.Fatalf("expected 2 tracked links, got %d: %+v", len(links), links)
	}
	if links[0].OriginalURL != "https://example.com/a" || links[1].OriginalURL != "https://example.com/b" {
		t.Fatalf("unexpected original urls: %+v", links)
	}
	if !strings.Contains(tracked, "https://track.example.com/api/track/abc123/click?lid=1") {
		t.Fatalf("expected first link rewritten, got %s", tracked)
	}
	if !strings.Contains(tracked, "https://track.example.com/api/track/abc123.png") {
		t.Fatalf("expected pixel appended, got %s", tracked)
	}
}

func TestStripTracking_ReversesInjectTracking(t *testing.T) {
	html := `<p>Hi</p><a href="https://example.com/a">click</a><a href="https://example.com/b">click2</a>`

	tracked, links := InjectTracking(html, "https://track.example.com/", "abc123")
	stripped := StripTracking(tracked, "https://track.example.com/", "abc123", links)

	if strings.Contains(stripped, "track.example.com") {
		t.Fatalf("expected all tracking urls removed, got %s", stripped)
	}
	if !strings.Contains(stripped, `href="https://example.com/a"`) || !strings.Contains(stripped, `href="https://example.com/b"`) {
		t.Fatalf("expected original hrefs restored, got %s", stripped)
	}
	if strings.Contains(stripped, "<img src=") {
		t.Fatalf("expected pixel removed, got %s", stripped)
	}
}

func TestStripTracking_NoLinksJustRemovesPixel(t *testing.T) {
	html := `<p>Hi</p>`
	tracked, links := InjectTracking(html, "https://track.example.com/", "xyz789")

	stripped := StripTracking(tracked, "https://track.example.com/", "xyz789", links)
	if stripped != html {
		t.Fatalf("expected pixel-only strip to restore original html exactly, got %s", stripped)
	}
}

func TestGenerateTrackingHash_ProducesUniqueValues(t *testing.T) {
	a := GenerateTrackingHash()
	b := GenerateTrackingHash()
	if a == b {
		t.Fatalf("expected distinct hashes, got %s twice", a)
	}
	if len(a) == 0 {
		t.Fatalf("expected non-empty hash")
	}
}

func TestTransparentGIF_Is43Bytes(t *testing.T) {
	if len(TransparentGIF) != 43 {
		t.Fatalf("expected 43-byte GIF, got %d bytes", len(TransparentGIF))
	}
}
