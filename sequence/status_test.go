package sequence

import (
	"context"
	"testing"

	"sequenceflow/models"
	"sequenceflow/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSequenceStatus(t *testing.T) {
	db := testutil.NewTestDB(t)
	engine := newTestEngine(t, db, testutil.NewClock(testutil.Epoch))
	seq := testutil.CreateSequence(t, db, []int{0, 1}, true)
	campaign := testutil.CreateCampaign(t, db, seq)
	contact := testutil.CreateContact(t, db, "alice@x.com")

	status, err := GetSequenceStatus(context.Background(), db, contact.ID, campaign.ID)
	require.NoError(t, err)
	assert.False(t, status.Enrolled)
	assert.NotNil(t, status.Steps)
	assert.Empty(t, status.Steps)

	_, err = engine.EnrollContact(context.Background(), contact, campaign)
	require.NoError(t, err)

	status, err = GetSequenceStatus(context.Background(), db, contact.ID, campaign.ID)
	require.NoError(t, err)
	assert.True(t, status.Enrolled)
	assert.Nil(t, status.CurrentStep)
	require.NotNil(t, status.EnrolledAt)
	assert.True(t, testutil.Epoch.Equal(*status.EnrolledAt))
	require.Len(t, status.Steps, 1)
	assert.Equal(t, models.StepScheduled, status.Steps[0].Status)
}
