package controller

import (
	"sequenceflow/models"
	"sequenceflow/utils"

	"github.com/gofiber/fiber/v2"
)

// GetCampaignStats returns the campaign counters with a breakdown of step
// and enrollment states
func (cc *CampaignController) GetCampaignStats(c *fiber.Ctx) error {
	campaignID := utils.ParseUint(c.Params("id"))
	if campaignID == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign ID", nil)
	}
	campaign, found, err := cc.findCampaign(c, campaignID)
	if !found {
		return err
	}
	db := cc.DB.WithContext(c.UserContext())

	var steps []struct {
		Status string
		Count  int64
	}
	if err := db.Model(&models.ScheduledStep{}).
		Select("status, COUNT(*) AS count").
		Where("campaign_id = ?", campaign.ID).
		Group("status").
		Scan(&steps).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch step stats", nil)
	}
	byStatus := fiber.Map{}
	for _, s := range steps {
		byStatus[s.Status] = s.Count
	}

	var enrollments struct {
		Total     int64 `json:"total"`
		Active    int64 `json:"active"`
		Replied   int64 `json:"replied"`
		Completed int64 `json:"completed"`
	}
	if err := db.Raw(`
        SELECT
            COUNT(*) AS total,
            COALESCE(SUM(CASE WHEN replied_at IS NULL AND sequence_completed_at IS NULL THEN 1 ELSE 0 END), 0) AS active,
            COALESCE(SUM(CASE WHEN replied_at IS NOT NULL THEN 1 ELSE 0 END), 0) AS replied,
            COALESCE(SUM(CASE WHEN sequence_completed_at IS NOT NULL THEN 1 ELSE 0 END), 0) AS completed
        FROM enrollments
        WHERE campaign_id = ? AND deleted_at IS NULL
    `, campaign.ID).Scan(&enrollments).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch enrollment stats", nil)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"campaign_id": campaign.ID,
		"status":      campaign.Status,
		"counters": fiber.Map{
			"total_contacts": campaign.TotalContacts,
			"sent":           campaign.SentCount,
			"opens":          campaign.OpenCount,
			"clicks":         campaign.ClickCount,
			"responses":      campaign.ResponseCount,
			"bounces":        campaign.BounceCount,
			"blocked":        campaign.BlockedCount,
			"unsubscribes":   campaign.UnsubscribeCount,
		},
		"steps":       byStatus,
		"enrollments": enrollments,
	}))
}
