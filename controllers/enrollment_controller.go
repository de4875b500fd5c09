package controller

import (
	"errors"

	"sequenceflow/sequence"
	"sequenceflow/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type EnrollmentController struct {
	AutoEnroller *sequence.AutoEnroller
	Logger       *logrus.Logger
}

func NewEnrollmentController(enroller *sequence.AutoEnroller, logger *logrus.Logger) *EnrollmentController {
	return &EnrollmentController{AutoEnroller: enroller, Logger: logger}
}

// RunSweep runs the auto-enrollment sweep immediately
func (ec *EnrollmentController) RunSweep(c *fiber.Ctx) error {
	result, err := ec.AutoEnroller.Sweep(c.UserContext())
	if err != nil {
		utils.LogError("auto_enroll_sweep", err, nil)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Auto-enrollment sweep failed", nil)
	}
	return c.JSON(utils.SuccessResponse(result))
}

// AutoEnrollContact enrolls one contact into every matching auto-enroll campaign
func (ec *EnrollmentController) AutoEnrollContact(c *fiber.Ctx) error {
	contactID := utils.ParseUint(c.Params("id"))
	if contactID == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid contact ID", nil)
	}

	result, err := ec.AutoEnroller.EnrollContact(c.UserContext(), contactID)
	if err != nil {
		if errors.Is(err, sequence.ErrNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Contact not found", nil)
		}
		utils.LogError("auto_enroll_contact", err, map[string]interface{}{"contact_id": contactID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to enroll contact", nil)
	}
	return c.JSON(utils.SuccessResponse(result))
}
