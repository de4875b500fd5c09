package controller

import (
	"errors"

	"sequenceflow/models"
	"sequenceflow/sequence"
	"sequenceflow/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type SequenceController struct {
	DB     *gorm.DB
	Logger *logrus.Logger
}

func NewSequenceController(db *gorm.DB, logger *logrus.Logger) *SequenceController {
	return &SequenceController{DB: db, Logger: logger}
}

type templateInput struct {
	Name     string `json:"name"`
	Subject  string `json:"subject"`
	HTMLBody string `json:"html_body"`
	TextBody string `json:"text_body"`
}

type stepInput struct {
	StepNumber  int            `json:"step_number"`
	DelayAmount int            `json:"delay_amount"`
	DelayUnit   string         `json:"delay_unit"`
	TemplateID  *uint          `json:"template_id"`
	Template    *templateInput `json:"template"`
}

// CreateSequence stores a validated sequence definition. Each step references
// an existing template or carries one inline.
func (sc *SequenceController) CreateSequence(c *fiber.Ctx) error {
	var input struct {
		Name         string      `json:"name"`
		Description  string      `json:"description"`
		StopOnBounce *bool       `json:"stop_on_bounce"`
		Steps        []stepInput `json:"steps"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	seq := models.Sequence{
		Name:         input.Name,
		Description:  input.Description,
		StopOnBounce: input.StopOnBounce == nil || *input.StopOnBounce,
	}
	for _, s := range input.Steps {
		step := models.SequenceStep{
			StepNumber:  s.StepNumber,
			DelayAmount: s.DelayAmount,
			DelayUnit:   models.DelayUnit(s.DelayUnit),
			TemplateID:  s.TemplateID,
		}
		if unit, err := sequence.NormalizeDelayUnit(step.DelayUnit); err == nil {
			step.DelayUnit = unit
		}
		if s.Template != nil {
			name := s.Template.Name
			if name == "" {
				name = input.Name + " step " + utils.Itoa(s.StepNumber)
			}
			step.TemplateID = nil
			step.Template = &models.Template{
				Name:     name,
				Subject:  s.Template.Subject,
				HTMLBody: s.Template.HTMLBody,
				TextBody: s.Template.TextBody,
			}
		}
		seq.Steps = append(seq.Steps, step)
	}

	if err := sequence.ValidateDefinition(&seq); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid sequence definition", err)
	}

	db := sc.DB.WithContext(c.UserContext())
	if err := sc.checkTemplates(db, seq.Steps); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid sequence definition", err)
	}

	if err := db.Create(&seq).Error; err != nil {
		utils.LogError("sequence_create", err, map[string]interface{}{"name": seq.Name})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create sequence", nil)
	}

	sc.Logger.WithFields(logrus.Fields{
		"sequence_id": seq.ID,
		"steps":       len(seq.Steps),
	}).Info("Sequence created")
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(seq))
}

func (sc *SequenceController) checkTemplates(db *gorm.DB, steps []models.SequenceStep) error {
	for _, step := range steps {
		if step.Template != nil || step.TemplateID == nil {
			continue
		}
		var tpl models.Template
		if err := db.Select("id", "subject").First(&tpl, *step.TemplateID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return &sequence.ConfigurationError{Reason: "step " + utils.Itoa(step.StepNumber) + " references a missing template"}
			}
			return err
		}
		if tpl.Subject == "" {
			return &sequence.ConfigurationError{Reason: "step " + utils.Itoa(step.StepNumber) + " template has no subject"}
		}
	}
	return nil
}
