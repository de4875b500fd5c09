package sequence

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"sequenceflow/models"
	"sequenceflow/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func enrolledStep(t *testing.T, db *gorm.DB) (*models.Campaign, *EnrollmentResult) {
	t.Helper()
	engine := newTestEngine(t, db, testutil.NewClock(testutil.Epoch))
	seq := testutil.CreateSequence(t, db, []int{0, 1}, true)
	campaign := testutil.CreateCampaign(t, db, seq)
	contact := testutil.CreateContact(t, db, "alice@x.com")
	result, err := engine.Enroll(context.Background(), contact.ID, campaign.ID)
	require.NoError(t, err)
	return campaign, result
}

func TestClaimStep_OnlyOnce(t *testing.T) {
	db := testutil.NewTestDB(t)
	_, enrolled := enrolledStep(t, db)
	stepID := enrolled.FirstStep.ID

	ok, err := ClaimStep(db, stepID, testutil.Epoch)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ClaimStep(db, stepID, testutil.Epoch)
	require.NoError(t, err)
	assert.False(t, ok)

	var step models.ScheduledStep
	require.NoError(t, db.First(&step, stepID).Error)
	assert.Equal(t, models.StepProcessing, step.Status)
	assert.Equal(t, 1, step.Attempts)
	require.NotNil(t, step.ClaimedAt)

	skipped, err := SkipStep(db, stepID, models.StepSkippedReplied)
	require.NoError(t, err)
	assert.False(t, skipped, "claimed steps cannot be skipped")
}

func TestFailStep_TruncatesMessage(t *testing.T) {
	db := testutil.NewTestDB(t)
	_, enrolled := enrolledStep(t, db)
	stepID := enrolled.FirstStep.ID

	_, err := ClaimStep(db, stepID, testutil.Epoch)
	require.NoError(t, err)
	require.NoError(t, FailStep(db, stepID, errors.New(strings.Repeat("x", 1500))))

	var step models.ScheduledStep
	require.NoError(t, db.First(&step, stepID).Error)
	assert.Equal(t, models.StepFailed, step.Status)
	assert.Len(t, step.ErrorMessage, 1000)
}

func TestReleaseStaleClaims(t *testing.T) {
	db := testutil.NewTestDB(t)
	_, enrolled := enrolledStep(t, db)
	stepID := enrolled.FirstStep.ID

	_, err := ClaimStep(db, stepID, testutil.Epoch)
	require.NoError(t, err)

	n, err := ReleaseStaleClaims(db, testutil.Epoch)
	require.NoError(t, err)
	assert.Zero(t, n, "claim at the cutoff is not stale yet")

	n, err = ReleaseStaleClaims(db, testutil.Epoch.Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	var step models.ScheduledStep
	require.NoError(t, db.First(&step, stepID).Error)
	assert.Equal(t, models.StepFailed, step.Status)
	assert.NotEmpty(t, step.ErrorMessage)
}

func TestRequeueFailed(t *testing.T) {
	db := testutil.NewTestDB(t)
	campaign, enrolled := enrolledStep(t, db)
	stepID := enrolled.FirstStep.ID

	_, err := ClaimStep(db, stepID, testutil.Epoch)
	require.NoError(t, err)
	require.NoError(t, FailStep(db, stepID, errors.New("smtp timeout")))

	later := testutil.Epoch.Add(time.Hour)
	n, err := RequeueFailed(db, campaign.ID, later)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	var step models.ScheduledStep
	require.NoError(t, db.First(&step, stepID).Error)
	assert.Equal(t, models.StepScheduled, step.Status)
	assert.Empty(t, step.ErrorMessage)
	assert.Nil(t, step.ClaimedAt)
	assert.True(t, later.Equal(step.ScheduledDatetime))

	t.Run("closed enrollments stay failed", func(t *testing.T) {
		_, err := ClaimStep(db, stepID, later)
		require.NoError(t, err)
		require.NoError(t, FailStep(db, stepID, errors.New("again")))
		require.NoError(t, db.Model(&models.Enrollment{}).Where("id = ?", enrolled.Enrollment.ID).
			Update("replied_at", later).Error)

		n, err := RequeueFailed(db, campaign.ID, later)
		require.NoError(t, err)
		assert.Zero(t, n)
	})
}
