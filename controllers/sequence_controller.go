// Package controller holds the HTTP handlers for the control API, the
// tracking redirector, the Gmail push webhook, and the health/tick
// websocket.
package controller

import (
	"log"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/coldpath/sequencer/models"
	"github.com/coldpath/sequencer/queue"
	"github.com/coldpath/sequencer/utils"
)

// SequenceController implements the launch/pause/resume/reset control API.
// Grounded on controllers/campaign_execution.go's
// StartCampaign/StopCampaign handler shape (load-owned-record-or-404,
// status guard, fiber.Map response body), generalized to enqueue a
// sequence-job instead of spawning a worker goroutine directly.
type SequenceController struct {
	DB     *gorm.DB
	Queue  *queue.Queue
	Logger *log.Logger
}

func NewSequenceController(db *gorm.DB, q *queue.Queue, logger *log.Logger) *SequenceController {
	return &SequenceController{DB: db, Queue: q, Logger: logger}
}

type sequenceActionInput struct {
	UserID   uint `json:"userId" validate:"required"`
	TestMode bool `json:"testMode"`
}

// Launch handles POST /sequences/{id}/launch.
func (sc *SequenceController) Launch(c *fiber.Ctx) error {
	var input sequenceActionInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	sequence, err := sc.loadOwned(c, input.UserID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", err)
	}

	var stepCount int64
	sc.DB.Model(&models.SequenceStep{}).Where("sequence_id = ?", sequence.ID).Count(&stepCount)
	if stepCount == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Sequence has no steps", nil)
	}

	var contactCount int64
	sc.DB.Model(&models.SequenceContact{}).
		Where("sequence_id = ? AND status NOT IN ?", sequence.ID, []string{
			models.ContactStatusCompleted,
			models.ContactStatusOptedOut,
			models.ContactStatusReplied,
			models.ContactStatusBounced,
			models.ContactStatusFailed,
		}).
		Count(&contactCount)
	if contactCount == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Sequence has no active contacts", nil)
	}

	if err := sc.DB.Model(&sequence).Updates(map[string]interface{}{
		"status":    models.SequenceStatusActive,
		"test_mode": input.TestMode,
	}).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to activate sequence", err)
	}

	if err := models.EnsureSequenceStats(sc.DB, sequence.ID); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to initialize sequence stats", err)
	}
	if err := models.EnsureSequenceHealth(sc.DB, sequence.ID); err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to initialize sequence health", err)
	}

	jobID, err := sc.Queue.Enqueue(c.Context(), queue.SequenceJobs, queue.SequenceJobPayload{
		SequenceID: sequence.ID,
		UserID:     sequence.UserID,
		Reason:     "launch",
	}, queue.DefaultSequenceJobRetries)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to enqueue sequence job", err)
	}

	return c.JSON(fiber.Map{
		"success":      true,
		"jobId":        jobID,
		"contactCount": contactCount,
		"stepCount":    stepCount,
	})
}

// Pause handles POST /sequences/{id}/pause.
func (sc *SequenceController) Pause(c *fiber.Ctx) error {
	var input sequenceActionInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	sequence, err := sc.loadOwned(c, input.UserID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", err)
	}

	if err := sc.DB.Model(&sequence).Update("status", models.SequenceStatusPaused).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to pause sequence", err)
	}

	return c.JSON(fiber.Map{"success": true})
}

// Resume handles POST /sequences/{id}/resume.
func (sc *SequenceController) Resume(c *fiber.Ctx) error {
	var input sequenceActionInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	sequence, err := sc.loadOwned(c, input.UserID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", err)
	}

	if err := sc.DB.Model(&sequence).Update("status", models.SequenceStatusActive).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to resume sequence", err)
	}

	jobID, err := sc.Queue.Enqueue(c.Context(), queue.SequenceJobs, queue.SequenceJobPayload{
		SequenceID: sequence.ID,
		UserID:     sequence.UserID,
		Reason:     "resume",
	}, queue.DefaultSequenceJobRetries)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to enqueue sequence job", err)
	}

	return c.JSON(fiber.Map{"success": true, "jobId": jobID})
}

// Reset handles POST /sequences/{id}/reset: deletes all
// tracking, events, stats, health; resets every SequenceContact row to
// initial state; status→draft; testMode→false.
func (sc *SequenceController) Reset(c *fiber.Ctx) error {
	var input sequenceActionInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	sequence, err := sc.loadOwned(c, input.UserID)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusNotFound, "Sequence not found", err)
	}

	err = sc.DB.Transaction(func(tx *gorm.DB) error {
		var trackingIDs []uint
		tx.Model(&models.EmailTracking{}).
			Where("metadata->>'sequenceId' = ?", strconv.FormatUint(uint64(sequence.ID), 10)).
			Pluck("id", &trackingIDs)
		if len(trackingIDs) > 0 {
			if err := tx.Where("email_tracking_id IN ?", trackingIDs).Delete(&models.EmailEvent{}).Error; err != nil {
				return err
			}
			var linkIDs []uint
			tx.Model(&models.TrackedLink{}).Where("email_tracking_id IN ?", trackingIDs).Pluck("id", &linkIDs)
			if len(linkIDs) > 0 {
				if err := tx.Where("tracked_link_id IN ?", linkIDs).Delete(&models.LinkClick{}).Error; err != nil {
					return err
				}
			}
			if err := tx.Where("email_tracking_id IN ?", trackingIDs).Delete(&models.TrackedLink{}).Error; err != nil {
				return err
			}
			if err := tx.Where("id IN ?", trackingIDs).Delete(&models.EmailTracking{}).Error; err != nil {
				return err
			}
		}

		if err := tx.Where("sequence_id = ?", sequence.ID).Delete(&models.EmailThread{}).Error; err != nil {
			return err
		}
		if err := tx.Where("sequence_id = ?", sequence.ID).Delete(&models.SequenceStats{}).Error; err != nil {
			return err
		}
		if err := tx.Where("sequence_id = ?", sequence.ID).Delete(&models.SequenceHealth{}).Error; err != nil {
			return err
		}

		if err := tx.Model(&models.SequenceContact{}).
			Where("sequence_id = ?", sequence.ID).
			Updates(map[string]interface{}{
				"status":            models.ContactStatusNotSent,
				"current_step":      0,
				"next_scheduled_at": nil,
				"thread_id":         "",
				"started_at":        nil,
				"last_processed_at": nil,
				"completed_at":      nil,
				"last_error":        "",
			}).Error; err != nil {
			return err
		}

		return tx.Model(&sequence).Updates(map[string]interface{}{
			"status":    models.SequenceStatusDraft,
			"test_mode": false,
		}).Error
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to reset sequence", err)
	}

	return c.JSON(fiber.Map{"success": true})
}

func (sc *SequenceController) loadOwned(c *fiber.Ctx, userID uint) (models.Sequence, error) {
	var sequence models.Sequence
	err := sc.DB.Where("id = ? AND user_id = ?", c.Params("id"), userID).First(&sequence).Error
	return sequence, err
}
