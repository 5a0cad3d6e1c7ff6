package controller

import (
	"testing"

	"github.com/gofiber/fiber/v2"
)

func TestLooksLikeGmailPrefetch_DetectsComposeReferer(t *testing.T) {
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		if !looksLikeGmailPrefetch(c) {
			t.Errorf("expected compose referer to be detected as prefetch")
		}
		return c.SendStatus(fiber.StatusOK)
	})

	req := newTestRequest(t, "GET", "/", map[string]string{"Referer": "https://mail.google.com/mail/u/0/#compose"})
	if _, err := app.Test(req); err != nil {
		t.Fatalf("test request failed: %v", err)
	}
}

func TestLooksLikeGmailPrefetch_FalseForOrdinaryBrowser(t *testing.T) {
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		if looksLikeGmailPrefetch(c) {
			t.Errorf("did not expect an ordinary browser request to be flagged")
		}
		return c.SendStatus(fiber.StatusOK)
	})

	req := newTestRequest(t, "GET", "/", map[string]string{"User-Agent": "Mozilla/5.0"})
	if _, err := app.Test(req); err != nil {
		t.Fatalf("test request failed: %v", err)
	}
}
