package sequence

import (
	"context"
	"errors"
	"testing"
	"time"

	"sequenceflow/models"
	"sequenceflow/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnrollContact_SchedulesFirstStep(t *testing.T) {
	db := testutil.NewTestDB(t)
	clock := testutil.NewClock(testutil.Epoch)
	engine := newTestEngine(t, db, clock)
	notifier := &recordingNotifier{}
	engine.Notifier = notifier

	seq := testutil.CreateSequence(t, db, []int{2, 3}, true)
	campaign := testutil.CreateCampaign(t, db, seq)
	contact := testutil.CreateContact(t, db, "alice@x.com")

	result, err := engine.Enroll(context.Background(), contact.ID, campaign.ID)
	require.NoError(t, err)
	require.NotNil(t, result.FirstStep)

	assert.Equal(t, testutil.Epoch, result.Enrollment.EnrolledAt)
	assert.Nil(t, result.Enrollment.CurrentSequenceStep)
	assert.Equal(t, 0, result.FirstStep.SequenceStep)
	assert.True(t, testutil.Epoch.Add(48*time.Hour).Equal(result.FirstStep.ScheduledDatetime))

	steps := testutil.Steps(t, db, campaign.ID, contact.ID)
	require.Len(t, steps, 1)
	assert.Equal(t, models.StepScheduled, steps[0].Status)

	var stored models.Campaign
	require.NoError(t, db.First(&stored, campaign.ID).Error)
	assert.Equal(t, 1, stored.TotalContacts)

	assert.Equal(t, []string{"enrolled"}, notifier.types())
}

func TestEnrollContact_Duplicate(t *testing.T) {
	db := testutil.NewTestDB(t)
	engine := newTestEngine(t, db, testutil.NewClock(testutil.Epoch))

	seq := testutil.CreateSequence(t, db, []int{0, 1}, true)
	campaign := testutil.CreateCampaign(t, db, seq)
	contact := testutil.CreateContact(t, db, "alice@x.com")

	_, err := engine.Enroll(context.Background(), contact.ID, campaign.ID)
	require.NoError(t, err)

	_, err = engine.Enroll(context.Background(), contact.ID, campaign.ID)
	var dup *DuplicateEnrollmentError
	require.True(t, errors.As(err, &dup), "got %v", err)
	assert.True(t, IsExpected(err))

	var count int64
	db.Model(&models.Enrollment{}).Count(&count)
	assert.EqualValues(t, 1, count)
	assert.Len(t, testutil.Steps(t, db, campaign.ID, contact.ID), 1)

	var stored models.Campaign
	require.NoError(t, db.First(&stored, campaign.ID).Error)
	assert.Equal(t, 1, stored.TotalContacts)
}

func TestEnrollContact_Eligibility(t *testing.T) {
	db := testutil.NewTestDB(t)
	engine := newTestEngine(t, db, testutil.NewClock(testutil.Epoch))
	seq := testutil.CreateSequence(t, db, []int{0}, true)
	now := testutil.Epoch

	tests := []struct {
		name     string
		contact  func(*models.Contact)
		campaign func(*models.Campaign)
		reason   string
	}{
		{"inactive", func(c *models.Contact) { c.IsActive = false }, nil, ReasonInactive},
		{"invalid email", func(c *models.Contact) { c.Email = "not-an-address" }, nil, ReasonInvalidEmail},
		{"blocked", func(c *models.Contact) { c.BlockedAt = &now; c.DeliveryHealth = models.HealthBlocked }, nil, ReasonBlocked},
		{"hard bounced", func(c *models.Contact) {
			c.BouncedAt = &now
			c.BounceType = models.BounceHard
			c.DeliveryHealth = models.HealthBounced
		}, nil, ReasonHardBounced},
		{"unsubscribed", func(c *models.Contact) { c.Unsubscribed = true }, nil, ReasonUnsubscribed},
		{"spam", func(c *models.Contact) { c.MarkedAsSpam = true }, nil, ReasonMarkedAsSpam},
		{"completed campaign", nil, func(c *models.Campaign) { c.Status = models.CampaignCompleted }, ReasonCampaignCompleted},
		{"targeting", nil, func(c *models.Campaign) {
			c.Targeting = models.Targeting{Kind: models.TargetIndustry, Values: []string{"dental"}}
		}, ReasonTargeting},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var contactOpts []func(*models.Contact)
			email := "c" + string(rune('a'+i)) + "@x.com"
			contactOpts = append(contactOpts, func(c *models.Contact) { c.Email = email })
			if tt.contact != nil {
				contactOpts = append(contactOpts, tt.contact)
			}
			contact := testutil.CreateContact(t, db, email, contactOpts...)

			var campaignOpts []func(*models.Campaign)
			if tt.campaign != nil {
				campaignOpts = append(campaignOpts, tt.campaign)
			}
			campaign := testutil.CreateCampaign(t, db, seq, campaignOpts...)

			ok, reason, err := engine.IsEligible(context.Background(), contact, campaign)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Equal(t, tt.reason, reason)

			_, err = engine.EnrollContact(context.Background(), contact, campaign)
			var ne *NotEligibleError
			require.True(t, errors.As(err, &ne), "got %v", err)
			assert.Equal(t, tt.reason, ne.Reason)
		})
	}
}

func TestEnrollContact_PausedCampaignAllowed(t *testing.T) {
	db := testutil.NewTestDB(t)
	engine := newTestEngine(t, db, testutil.NewClock(testutil.Epoch))
	seq := testutil.CreateSequence(t, db, []int{0}, true)
	campaign := testutil.CreateCampaign(t, db, seq, func(c *models.Campaign) { c.Status = models.CampaignPaused })
	contact := testutil.CreateContact(t, db, "alice@x.com")

	_, err := engine.EnrollContact(context.Background(), contact, campaign)
	assert.NoError(t, err)
}

func TestEnrollContact_ConfigurationError(t *testing.T) {
	db := testutil.NewTestDB(t)
	engine := newTestEngine(t, db, testutil.NewClock(testutil.Epoch))
	campaign := testutil.CreateCampaign(t, db, nil)
	contact := testutil.CreateContact(t, db, "alice@x.com")

	_, err := engine.EnrollContact(context.Background(), contact, campaign)
	var cfgErr *ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.False(t, IsExpected(err))

	var count int64
	db.Model(&models.Enrollment{}).Count(&count)
	assert.Zero(t, count)
}

func TestEnroll_NotFound(t *testing.T) {
	db := testutil.NewTestDB(t)
	engine := newTestEngine(t, db, testutil.NewClock(testutil.Epoch))

	_, err := engine.Enroll(context.Background(), 42, 1)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestBulkEnroll(t *testing.T) {
	db := testutil.NewTestDB(t)
	engine := newTestEngine(t, db, testutil.NewClock(testutil.Epoch))
	seq := testutil.CreateSequence(t, db, []int{0, 1}, true)
	campaign := testutil.CreateCampaign(t, db, seq)

	a := testutil.CreateContact(t, db, "a@x.com")
	b := testutil.CreateContact(t, db, "b@x.com", func(c *models.Contact) { c.Unsubscribed = true })
	c := testutil.CreateContact(t, db, "c@x.com")

	_, err := engine.Enroll(context.Background(), c.ID, campaign.ID)
	require.NoError(t, err)

	result := engine.BulkEnroll(context.Background(), campaign.ID, []uint{a.ID, b.ID, c.ID, 999})
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 2, result.Skipped)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 3)
	assert.Equal(t, uint(999), result.Errors[2].ContactID)
}
