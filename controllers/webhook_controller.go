package controller

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/coldpath/sequencer/config"
	"github.com/coldpath/sequencer/utils"
	"github.com/coldpath/sequencer/worker"
)

// WebhookController handles the Gmail push notification endpoint.
// Grounded on controllers/campaign_webhook.go's
// signed-webhook handling shape, generalized from a payment-style
// unauthenticated JSON webhook to a Bearer-JWT-signed Pub/Sub push
// notification.
type WebhookController struct {
	DB       *gorm.DB
	Pipeline *worker.InboundPipeline
	Logger   *log.Logger
}

func NewWebhookController(db *gorm.DB, pipeline *worker.InboundPipeline, logger *log.Logger) *WebhookController {
	return &WebhookController{DB: db, Pipeline: pipeline, Logger: logger}
}

type pushEnvelope struct {
	Message struct {
		Data string `json:"data"`
	} `json:"message"`
}

type pushData struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// GmailNotifications handles POST /api/gmail/notifications:
// requires Authorization: Bearer <JWT>, 401 on invalid JWT, 404 if user
// not found, 200 on processed.
func (wc *WebhookController) GmailNotifications(c *fiber.Ctx) error {
	authHeader := c.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Authorization required"})
	}

	if _, err := utils.ParsePushToken(parts[1], config.AppConfig.PubSubAudience); err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid push token"})
	}

	var envelope pushEnvelope
	if err := c.BodyParser(&envelope); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	data, err := decodePushData(envelope.Message.Data)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	if err := wc.Pipeline.Process(c.Context(), data.EmailAddress, data.HistoryID); err != nil {
		utils.LogError("webhook_gmail_notification_failed", err, map[string]interface{}{
			"email_address": data.EmailAddress,
			"history_id":    strconv.FormatUint(data.HistoryID, 10),
		})
		if strings.Contains(err.Error(), "lookup gmail account") {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "User not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process notification"})
	}

	return c.JSON(fiber.Map{"success": true})
}

// decodePushData unwraps the base64-encoded JSON payload Pub/Sub-style
// push messages carry in their "data" field ("body {message:
// {data: base64(JSON {emailAddress, historyId})}}").
func decodePushData(encoded string) (pushData, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return pushData{}, errors.New("Invalid message data")
	}
	var data pushData
	if err := json.Unmarshal(raw, &data); err != nil {
		return pushData{}, errors.New("Invalid message payload")
	}
	return data, nil
}
