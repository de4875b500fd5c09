package sequence

import (
	"errors"
	"testing"

	"sequenceflow/models"
	"sequenceflow/testutil"
	"sequenceflow/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func definition(steps ...models.SequenceStep) *models.Sequence {
	return &models.Sequence{Name: "Outreach", StopOnBounce: true, Steps: steps}
}

func step(n, delay int, subject string) models.SequenceStep {
	return models.SequenceStep{
		StepNumber:  n,
		DelayAmount: delay,
		DelayUnit:   models.DelayDays,
		Template:    &models.Template{Name: "t", Subject: subject},
	}
}

func TestValidateDefinition(t *testing.T) {
	t.Run("valid out-of-order steps", func(t *testing.T) {
		err := ValidateDefinition(definition(step(1, 2, "b"), step(0, 0, "a")))
		assert.NoError(t, err)
	})

	t.Run("template reference only", func(t *testing.T) {
		s := models.SequenceStep{StepNumber: 0, DelayUnit: models.DelayDays, TemplateID: utils.Pointer(uint(7))}
		assert.NoError(t, ValidateDefinition(definition(s)))
	})

	cases := map[string]*models.Sequence{
		"no steps":          definition(),
		"missing step 0":    definition(step(1, 0, "a"), step(2, 1, "b")),
		"duplicate number":  definition(step(0, 0, "a"), step(1, 1, "b"), step(1, 2, "c")),
		"gap in numbering":  definition(step(0, 0, "a"), step(2, 1, "b")),
		"negative delay":    definition(step(0, -1, "a")),
		"delay too long":    definition(step(0, 200000, "a")),
		"inline no subject": definition(step(0, 0, "")),
		"no template":       definition(models.SequenceStep{StepNumber: 0, DelayUnit: models.DelayDays}),
		"unknown unit":      definition(models.SequenceStep{StepNumber: 0, DelayUnit: "weeks", Template: &models.Template{Subject: "a"}}),
	}
	for name, seq := range cases {
		t.Run(name, func(t *testing.T) {
			err := ValidateDefinition(seq)
			require.Error(t, err)
			var cfgErr *ConfigurationError
			assert.True(t, errors.As(err, &cfgErr), "want ConfigurationError, got %T", err)
		})
	}
}

func TestResolveCampaign(t *testing.T) {
	db := testutil.NewTestDB(t)
	seq := testutil.CreateSequence(t, db, []int{0, 1, 3}, true)
	campaign := testutil.CreateCampaign(t, db, seq)

	resolved, err := ResolveCampaign(db, campaign)
	require.NoError(t, err)
	require.Equal(t, 3, resolved.Len())
	assert.Equal(t, seq.ID, resolved.SequenceID)
	assert.True(t, resolved.StopOnBounce)

	s1, ok := resolved.Step(1)
	require.True(t, ok)
	assert.Equal(t, "Step 1 for {first_name}", s1.Template.Subject)
	assert.Equal(t, 24*60*60, int(s1.Delay.Seconds()))

	_, ok = resolved.Step(3)
	assert.False(t, ok)
}

func TestResolveCampaign_ConfigurationErrors(t *testing.T) {
	db := testutil.NewTestDB(t)

	t.Run("no sequence", func(t *testing.T) {
		campaign := testutil.CreateCampaign(t, db, nil)
		_, err := ResolveCampaign(db, campaign)
		var cfgErr *ConfigurationError
		require.True(t, errors.As(err, &cfgErr))
		assert.Equal(t, campaign.ID, cfgErr.CampaignID)
	})

	t.Run("missing sequence row", func(t *testing.T) {
		campaign := testutil.CreateCampaign(t, db, nil, func(c *models.Campaign) {
			c.SequenceID = utils.Pointer(uint(999))
		})
		_, err := ResolveCampaign(db, campaign)
		var cfgErr *ConfigurationError
		assert.True(t, errors.As(err, &cfgErr))
	})

	t.Run("gap in stored steps", func(t *testing.T) {
		seq := testutil.CreateSequence(t, db, []int{0, 1, 2}, true)
		require.NoError(t, db.Model(&models.SequenceStep{}).
			Where("sequence_id = ? AND step_number = ?", seq.ID, 1).
			Update("step_number", 5).Error)
		campaign := testutil.CreateCampaign(t, db, seq)

		_, err := ResolveCampaign(db, campaign)
		var cfgErr *ConfigurationError
		require.True(t, errors.As(err, &cfgErr))
		assert.Contains(t, cfgErr.Reason, "not contiguous")
	})
}
