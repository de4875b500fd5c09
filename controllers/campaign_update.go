package controller

import (
	"errors"

	"sequenceflow/models"
	"sequenceflow/sequence"
	"sequenceflow/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// UpdateCampaignStatus moves a campaign through its lifecycle
// (draft → active ⇄ paused → completed). Activation requires a sequence that resolves.
func (cc *CampaignController) UpdateCampaignStatus(c *fiber.Ctx) error {
	campaignID := utils.ParseUint(c.Params("id"))
	if campaignID == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign ID", nil)
	}

	var input struct {
		Status models.CampaignStatus `json:"status"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	campaign, found, err := cc.findCampaign(c, campaignID)
	if !found {
		return err
	}

	if !campaign.CanTransitionTo(input.Status) {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"error":   "Invalid status transition",
			"from":    campaign.Status,
			"to":      input.Status,
		})
	}

	db := cc.DB.WithContext(c.UserContext())
	if input.Status == models.CampaignActive {
		if _, err := sequence.ResolveCampaign(db, campaign); err != nil {
			var cfgErr *sequence.ConfigurationError
			if errors.As(err, &cfgErr) {
				return utils.ErrorResponse(c, fiber.StatusUnprocessableEntity, "Campaign sequence is not valid", err)
			}
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load campaign sequence", nil)
		}
	}

	now := cc.Now()
	updates := map[string]interface{}{"status": input.Status}
	switch input.Status {
	case models.CampaignActive:
		if campaign.StartedAt == nil {
			updates["started_at"] = now
		}
		updates["paused_at"] = nil
	case models.CampaignPaused:
		updates["paused_at"] = now
	case models.CampaignCompleted:
		updates["completed_at"] = now
	}

	// Conditional on the old status so concurrent transitions cannot both win
	res := db.Model(&models.Campaign{}).
		Where("id = ? AND status = ?", campaign.ID, campaign.Status).
		Updates(updates)
	if res.Error != nil {
		cc.Logger.WithError(res.Error).Error("Failed to update campaign status")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update campaign", nil)
	}
	if res.RowsAffected == 0 {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Campaign status changed concurrently", nil)
	}

	cc.Logger.WithFields(logrus.Fields{
		"campaign_id": campaign.ID,
		"from":        campaign.Status,
		"to":          input.Status,
	}).Info("Campaign status changed")

	if err := db.First(campaign, campaign.ID).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to reload campaign", nil)
	}
	return c.JSON(utils.SuccessResponse(campaign))
}
