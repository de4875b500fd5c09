package models

import "gorm.io/gorm"

// DelayUnit is the unit of a step delay.
type DelayUnit string

const (
	DelayMinutes DelayUnit = "minutes"
	DelayHours   DelayUnit = "hours"
	DelayDays    DelayUnit = "days"
)

// Sequence is an ordered list of steps shared by one or more campaigns
type Sequence struct {
	gorm.Model
	Name         string `gorm:"not null" json:"name" validate:"required"`
	Description  string `json:"description"`
	StopOnBounce bool   `gorm:"not null" json:"stop_on_bounce"`

	// Relations
	Steps []SequenceStep `gorm:"foreignKey:SequenceID" json:"steps,omitempty" validate:"required,min=1,dive"`
}

// SequenceStep is one step of a sequence. The delay is measured from the
// previous step's actual send time.
type SequenceStep struct {
	gorm.Model
	SequenceID uint  `gorm:"not null;index" json:"sequence_id"`
	TemplateID *uint `gorm:"index" json:"template_id"`

	StepNumber  int       `gorm:"not null" json:"step_number" validate:"min=0"`
	DelayAmount int       `gorm:"not null;default:0" json:"delay_amount" validate:"min=0,max=5256000"`
	DelayUnit   DelayUnit `gorm:"not null;default:'days'" json:"delay_unit" validate:"required,delayunit"`

	// Relations
	Template *Template `json:"template,omitempty"`
}

// Template holds the subject and bodies rendered for a step
type Template struct {
	gorm.Model
	Name     string `gorm:"not null" json:"name"`
	Subject  string `gorm:"not null" json:"subject"`
	HTMLBody string `gorm:"type:text" json:"html_body"`
	TextBody string `gorm:"type:text" json:"text_body"`
}
