package controller

import (
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/coldpath/sequencer/models"
	"github.com/coldpath/sequencer/utils"
)

// TrackingController serves the open pixel and click redirector.
// Grounded on controllers/campaign_webhook.go's
// HandleOpenTracking/HandleClickTracking, reimplemented against
// EmailTracking/TrackedLink (keyed by an opaque hash) instead of the
// teacher's message-id+token scheme.
type TrackingController struct {
	DB     *gorm.DB
	Logger *log.Logger
}

func NewTrackingController(db *gorm.DB, logger *log.Logger) *TrackingController {
	return &TrackingController{DB: db, Logger: logger}
}

// gmailComposeReferers and googleBackendUserAgentSubstrings identify
// prefetch requests Gmail's own compose UI or backend issues against
// tracking pixels, which must not be counted as a genuine open
// ("307 self-redirect when the referer indicates a Gmail compose
// UI or a Google backend UA").
var gmailComposeReferers = []string{"mail.google.com/mail", "compose"}

func looksLikeGmailPrefetch(c *fiber.Ctx) bool {
	referer := strings.ToLower(c.Get("Referer"))
	for _, marker := range gmailComposeReferers {
		if strings.Contains(referer, marker) {
			return true
		}
	}
	ua := strings.ToLower(c.Get("User-Agent"))
	return strings.Contains(ua, "googleimageproxy") || strings.Contains(ua, "google-http-java-client")
}

// Pixel handles GET /api/track/{hash}.png.
func (tc *TrackingController) Pixel(c *fiber.Ctx) error {
	hash := c.Params("hash")

	if looksLikeGmailPrefetch(c) {
		return c.Redirect(c.OriginalURL(), fiber.StatusTemporaryRedirect)
	}

	var tracking models.EmailTracking
	if err := tc.DB.Where("hash = ?", hash).First(&tracking).Error; err == nil {
		tc.recordOpen(&tracking)
	}

	c.Set(fiber.HeaderContentType, "image/gif")
	c.Set(fiber.HeaderCacheControl, "max-age=60, private")
	return c.Send(utils.TransparentGIF)
}

func (tc *TrackingController) recordOpen(tracking *models.EmailTracking) {
	now := time.Now()

	if err := tc.DB.Model(tracking).Update("open_count", gorm.Expr("open_count + 1")).Error; err != nil {
		utils.LogError("tracking_pixel_update_failed", err, map[string]interface{}{"tracking_id": tracking.ID})
		return
	}
	// Only the request whose conditional update moves opened_at off NULL
	// counts as the row's first open.
	isFirstOpen := false
	if tracking.OpenedAt == nil {
		res := tc.DB.Model(&models.EmailTracking{}).
			Where("id = ? AND opened_at IS NULL", tracking.ID).
			Update("opened_at", now)
		isFirstOpen = res.Error == nil && res.RowsAffected == 1
	}

	var existing models.EmailEvent
	err := tc.DB.Where("email_tracking_id = ? AND type = ?", tracking.ID, models.EventTypeOpened).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		tc.DB.Create(&models.EmailEvent{EmailTrackingID: tracking.ID, Type: models.EventTypeOpened})
	}

	if err := models.BumpSequenceStat(tc.DB, tracking.Metadata.SequenceID, "opened_emails"); err != nil {
		utils.LogError("tracking_pixel_stats_update_failed", err, map[string]interface{}{"sequence_id": tracking.Metadata.SequenceID})
	}
	if isFirstOpen {
		// uniqueOpens is per-EmailTracking-row, guarded on the row's own
		// first-open transition rather than aggregated by recipient.
		tc.DB.Model(&models.SequenceStats{}).
			Where("sequence_id = ?", tracking.Metadata.SequenceID).
			Update("unique_opens", gorm.Expr("unique_opens + 1"))
	}
}

// Click handles GET /api/track/{hash}/click?lid={linkId}.
func (tc *TrackingController) Click(c *fiber.Ctx) error {
	hash := c.Params("hash")
	linkIDParam := c.Query("lid")
	if linkIDParam == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Missing link id", nil)
	}
	linkID, err := strconv.ParseUint(linkIDParam, 10, 32)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid link id", err)
	}

	var tracking models.EmailTracking
	if err := tc.DB.Where("hash = ?", hash).First(&tracking).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Unknown tracking hash", nil)
	}

	// lid is the 1-based position a link was rewritten in, assigned by
	// utils.InjectTracking in source order; TrackedLink rows are persisted
	// in that same order, so position (not primary key) is the stable
	// cross-reference between the two.
	var links []models.TrackedLink
	if err := tc.DB.Where("email_tracking_id = ?", tracking.ID).Order("id ASC").Find(&links).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load tracked links", err)
	}
	if linkID == 0 || int(linkID) > len(links) {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Unknown link id", nil)
	}
	link := links[linkID-1]

	tc.recordClick(&tracking, &link)

	return c.Redirect(link.OriginalURL, fiber.StatusFound)
}

func (tc *TrackingController) recordClick(tracking *models.EmailTracking, link *models.TrackedLink) {
	now := time.Now()
	tc.DB.Model(link).Update("click_count", gorm.Expr("click_count + 1"))
	tc.DB.Create(&models.LinkClick{TrackedLinkID: link.ID, Timestamp: now})

	if tracking.ClickedAt == nil {
		tc.DB.Model(tracking).Update("clicked_at", now)
	}

	var existing models.EmailEvent
	err := tc.DB.Where("email_tracking_id = ? AND type = ?", tracking.ID, models.EventTypeClicked).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		tc.DB.Create(&models.EmailEvent{EmailTrackingID: tracking.ID, Type: models.EventTypeClicked})
		if err := models.BumpSequenceStat(tc.DB, tracking.Metadata.SequenceID, "clicked_emails"); err != nil {
			utils.LogError("tracking_click_stats_update_failed", err, map[string]interface{}{"sequence_id": tracking.Metadata.SequenceID})
		}
	}
}
