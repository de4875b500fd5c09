package sequence

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"sequenceflow/models"
	"sequenceflow/utils"

	"gorm.io/gorm"
)

// ResolvedStep is one step of a sequence with its delay and template loaded.
type ResolvedStep struct {
	StepNumber  int
	DelayAmount int
	DelayUnit   models.DelayUnit
	Delay       time.Duration
	Template    models.Template
}

// ResolvedSequence is the ordered step list for a campaign.
type ResolvedSequence struct {
	SequenceID   uint
	StopOnBounce bool
	Steps        []ResolvedStep
}

// Step returns the step with the given number.
func (rs *ResolvedSequence) Step(n int) (ResolvedStep, bool) {
	if rs == nil || n < 0 || n >= len(rs.Steps) {
		return ResolvedStep{}, false
	}
	return rs.Steps[n], true
}

// Len is the number of steps in the sequence.
func (rs *ResolvedSequence) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.Steps)
}

// ResolveCampaign loads the campaign's sequence and returns its ordered steps.
// Any ambiguity or missing template is a ConfigurationError.
func ResolveCampaign(db *gorm.DB, campaign *models.Campaign) (*ResolvedSequence, error) {
	if campaign.SequenceID == nil {
		return nil, &ConfigurationError{CampaignID: campaign.ID, Reason: "campaign has no sequence"}
	}

	var seq models.Sequence
	err := db.
		Preload("Steps", func(tx *gorm.DB) *gorm.DB { return tx.Order("step_number ASC") }).
		Preload("Steps.Template").
		First(&seq, *campaign.SequenceID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &ConfigurationError{CampaignID: campaign.ID, SequenceID: *campaign.SequenceID, Reason: "sequence not found"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sequence %d: %w", *campaign.SequenceID, err)
	}

	resolved, err := resolveSteps(&seq, true)
	if err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			cfgErr.CampaignID = campaign.ID
		}
		return nil, err
	}
	return resolved, nil
}

// ValidateDefinition checks a sequence before it is stored. Steps only need a
// template reference here; ResolveCampaign checks that the template loads.
func ValidateDefinition(seq *models.Sequence) error {
	if err := utils.ValidateStruct(seq); err != nil {
		return &ConfigurationError{SequenceID: seq.ID, Reason: err.Error()}
	}
	_, err := resolveSteps(seq, false)
	return err
}

func resolveSteps(seq *models.Sequence, requireLoadedTemplate bool) (*ResolvedSequence, error) {
	cfgErr := func(format string, args ...interface{}) error {
		return &ConfigurationError{SequenceID: seq.ID, Reason: fmt.Sprintf(format, args...)}
	}

	if len(seq.Steps) == 0 {
		return nil, cfgErr("sequence has no steps")
	}

	steps := make([]models.SequenceStep, len(seq.Steps))
	copy(steps, seq.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].StepNumber < steps[j].StepNumber })

	resolved := &ResolvedSequence{
		SequenceID:   seq.ID,
		StopOnBounce: seq.StopOnBounce,
		Steps:        make([]ResolvedStep, 0, len(steps)),
	}
	for i, step := range steps {
		if i > 0 && step.StepNumber == steps[i-1].StepNumber {
			return nil, cfgErr("step number %d is defined more than once", step.StepNumber)
		}
		if step.StepNumber != i {
			if i == 0 {
				return nil, cfgErr("sequence has no step 0")
			}
			return nil, cfgErr("step numbers are not contiguous: expected %d, found %d", i, step.StepNumber)
		}

		delay, err := DelayDuration(step.DelayAmount, step.DelayUnit)
		if err != nil {
			return nil, cfgErr("step %d: %v", step.StepNumber, err)
		}
		unit, _ := NormalizeDelayUnit(step.DelayUnit)

		rs := ResolvedStep{
			StepNumber:  step.StepNumber,
			DelayAmount: step.DelayAmount,
			DelayUnit:   unit,
			Delay:       delay,
		}
		switch {
		case step.Template != nil:
			rs.Template = *step.Template
		case step.TemplateID != nil && !requireLoadedTemplate:
		default:
			return nil, cfgErr("step %d has no template", step.StepNumber)
		}
		if (requireLoadedTemplate || step.Template != nil) && rs.Template.Subject == "" {
			return nil, cfgErr("step %d template has no subject", step.StepNumber)
		}
		resolved.Steps = append(resolved.Steps, rs)
	}
	return resolved, nil
}
