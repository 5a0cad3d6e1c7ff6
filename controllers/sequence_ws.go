package controller

import (
	"log"
	"time"

	"github.com/gofiber/websocket/v2"
	"gorm.io/gorm"

	"github.com/coldpath/sequencer/models"
)

// SequenceWS streams periodic health/progress snapshots for one sequence.
// Adapted from controllers/campaign_ws.go's HandleCampaignProgressWS,
// generalized from a one-shot simulated stage list to a real polling loop
// over SequenceStats/SequenceHealth until the client disconnects.
type SequenceWS struct {
	DB *gorm.DB
}

func NewSequenceWS(db *gorm.DB) *SequenceWS {
	return &SequenceWS{DB: db}
}

const tickInterval = 2 * time.Second

type sequenceProgressMessage struct {
	SequenceID   uint    `json:"sequenceId"`
	Status       string  `json:"status"`
	HealthStatus string  `json:"healthStatus"`
	SentEmails   int     `json:"sentEmails"`
	OpenRate     float64 `json:"openRate"`
	ClickRate    float64 `json:"clickRate"`
	ReplyRate    float64 `json:"replyRate"`
}

// Handle streams one sequenceProgressMessage every tickInterval until the
// connection closes, the sequence id in the initial message can't be read,
// a snapshot fails, or a sent snapshot shows the sequence is no longer
// active.
func (sw *SequenceWS) Handle(c *websocket.Conn) {
	defer c.Close()

	var input struct {
		SequenceID uint `json:"sequenceId"`
	}
	if err := c.ReadJSON(&input); err != nil {
		log.Printf("sequence ws: error reading initial message: %v", err)
		return
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for range ticker.C {
		msg, err := sw.snapshot(input.SequenceID)
		if err != nil {
			log.Printf("sequence ws: snapshot failed for sequence %d: %v", input.SequenceID, err)
			return
		}
		if err := c.WriteJSON(msg); err != nil {
			log.Printf("sequence ws: error writing json: %v", err)
			return
		}
		if msg.Status != models.SequenceStatusActive {
			return
		}
	}
}

func (sw *SequenceWS) snapshot(sequenceID uint) (sequenceProgressMessage, error) {
	var sequence models.Sequence
	if err := sw.DB.First(&sequence, sequenceID).Error; err != nil {
		return sequenceProgressMessage{}, err
	}

	var stats models.SequenceStats
	sw.DB.Where("sequence_id = ?", sequenceID).First(&stats)

	var health models.SequenceHealth
	healthStatus := models.HealthStatusHealthy
	if err := sw.DB.Where("sequence_id = ?", sequenceID).First(&health).Error; err == nil {
		healthStatus = health.Status
	}

	return sequenceProgressMessage{
		SequenceID:   sequence.ID,
		Status:       sequence.Status,
		HealthStatus: healthStatus,
		SentEmails:   stats.SentEmails,
		OpenRate:     stats.OpenRate,
		ClickRate:    stats.ClickRate,
		ReplyRate:    stats.ReplyRate,
	}, nil
}
