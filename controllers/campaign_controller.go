package controller

import (
	"errors"
	"time"

	"sequenceflow/models"
	"sequenceflow/sequence"
	"sequenceflow/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type CampaignController struct {
	DB     *gorm.DB
	Engine *sequence.EnrollmentEngine
	Logger *logrus.Logger
	Now    func() time.Time
}

func NewCampaignController(db *gorm.DB, engine *sequence.EnrollmentEngine, logger *logrus.Logger) *CampaignController {
	return &CampaignController{
		DB:     db,
		Engine: engine,
		Logger: logger,
		Now:    func() time.Time { return time.Now().UTC() },
	}
}

// EnrollContacts enrolls a batch of contacts into a campaign. Per-contact
// failures are reported in the result and never fail the request.
func (cc *CampaignController) EnrollContacts(c *fiber.Ctx) error {
	campaignID := utils.ParseUint(c.Params("id"))
	if campaignID == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign ID", nil)
	}

	var input struct {
		ContactIDs []uint `json:"contact_ids"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if len(input.ContactIDs) == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "contact_ids is required", nil)
	}

	if _, found, err := cc.findCampaign(c, campaignID); !found {
		return err
	}

	result := cc.Engine.BulkEnroll(c.UserContext(), campaignID, input.ContactIDs)
	cc.Logger.WithFields(logrus.Fields{
		"campaign_id": campaignID,
		"succeeded":   result.Succeeded,
		"skipped":     result.Skipped,
		"failed":      result.Failed,
	}).Info("Bulk enrollment finished")

	return c.JSON(utils.SuccessResponse(result))
}

// GetSequenceStatus returns a contact's progress through a campaign's sequence
func (cc *CampaignController) GetSequenceStatus(c *fiber.Ctx) error {
	campaignID := utils.ParseUint(c.Params("id"))
	contactID := utils.ParseUint(c.Params("contactId"))
	if campaignID == 0 || contactID == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign or contact ID", nil)
	}

	status, err := sequence.GetSequenceStatus(c.UserContext(), cc.DB, contactID, campaignID)
	if err != nil {
		cc.Logger.WithError(err).Error("Failed to load sequence status")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load sequence status", nil)
	}
	return c.JSON(utils.SuccessResponse(status))
}

// RequeueFailed puts failed steps of still-active enrollments back on the schedule
func (cc *CampaignController) RequeueFailed(c *fiber.Ctx) error {
	campaignID := utils.ParseUint(c.Params("id"))
	if campaignID == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid campaign ID", nil)
	}
	if _, found, err := cc.findCampaign(c, campaignID); !found {
		return err
	}

	n, err := sequence.RequeueFailed(cc.DB.WithContext(c.UserContext()), campaignID, cc.Now())
	if err != nil {
		utils.LogError("requeue_failed", err, map[string]interface{}{"campaign_id": campaignID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to requeue steps", nil)
	}

	utils.LogEvent("steps_requeued", map[string]interface{}{
		"campaign_id": campaignID,
		"count":       n,
	})
	return c.JSON(utils.SuccessResponse(fiber.Map{"requeued": n}))
}

// findCampaign loads a campaign. When it is not found the error response has
// already been written and the handler should return the returned error.
func (cc *CampaignController) findCampaign(c *fiber.Ctx, id uint) (*models.Campaign, bool, error) {
	var campaign models.Campaign
	if err := cc.DB.WithContext(c.UserContext()).First(&campaign, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, utils.ErrorResponse(c, fiber.StatusNotFound, "Campaign not found", nil)
		}
		cc.Logger.WithError(err).Error("Failed to load campaign")
		return nil, false, utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load campaign", nil)
	}
	return &campaign, true, nil
}
