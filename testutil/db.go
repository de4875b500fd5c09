// Package testutil provides database fixtures shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"sequenceflow/models"
	"sequenceflow/utils"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Epoch is a fixed, second-aligned UTC instant tests build their clocks on.
var Epoch = time.Date(2024, time.March, 4, 9, 0, 0, 0, time.UTC)

// NewTestDB opens a migrated sqlite database in a per-test temp directory.
func NewTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, models.Migrate(db))
	return db
}

// Logger returns a logger that discards output.
func Logger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// CreateContact stores an active contact; opts adjust it before insert.
func CreateContact(t *testing.T, db *gorm.DB, email string, opts ...func(*models.Contact)) *models.Contact {
	t.Helper()
	c := &models.Contact{
		Email:     email,
		FirstName: "Alex",
		Company:   "Acme",
		Industry:  "healthcare",
		IsActive:  true,
	}
	for _, opt := range opts {
		opt(c)
	}
	require.NoError(t, db.Create(c).Error)
	return c
}

// CreateSequence stores a sequence with one step per delay, in days. Step n
// has subject "Step n for {first_name}".
func CreateSequence(t *testing.T, db *gorm.DB, delaysInDays []int, stopOnBounce bool) *models.Sequence {
	t.Helper()
	seq := &models.Sequence{Name: "Outreach", StopOnBounce: stopOnBounce}
	for i, d := range delaysInDays {
		seq.Steps = append(seq.Steps, models.SequenceStep{
			StepNumber:  i,
			DelayAmount: d,
			DelayUnit:   models.DelayDays,
			Template: &models.Template{
				Name:     fmt.Sprintf("step-%d", i),
				Subject:  fmt.Sprintf("Step %d for {first_name}", i),
				HTMLBody: fmt.Sprintf("<p>Hi {first_name} at {company}, step %d</p>", i),
				TextBody: fmt.Sprintf("Hi {first_name}, step %d", i),
			},
		})
	}
	require.NoError(t, db.Create(seq).Error)
	return seq
}

// CreateCampaign stores an active campaign driven by seq.
func CreateCampaign(t *testing.T, db *gorm.DB, seq *models.Sequence, opts ...func(*models.Campaign)) *models.Campaign {
	t.Helper()
	c := &models.Campaign{
		Name:      "Spring outreach",
		Status:    models.CampaignActive,
		FromEmail: "team@sender.test",
		FromName:  "Sender Team",
	}
	if seq != nil {
		c.SequenceID = &seq.ID
	}
	for _, opt := range opts {
		opt(c)
	}
	require.NoError(t, db.Create(c).Error)
	return c
}

// Steps returns all scheduled steps of a contact in a campaign, in step order.
func Steps(t *testing.T, db *gorm.DB, campaignID, contactID uint) []models.ScheduledStep {
	t.Helper()
	var steps []models.ScheduledStep
	require.NoError(t, db.Where("campaign_id = ? AND contact_id = ?", campaignID, contactID).
		Order("sequence_step ASC").Find(&steps).Error)
	return steps
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// FakeSender records outbound messages. Err, when set, fails every send.
type FakeSender struct {
	mu   sync.Mutex
	Sent []utils.OutboundEmail
	Err  error
	// OnSend runs before a send is recorded
	OnSend func(email utils.OutboundEmail)
}

func (s *FakeSender) Name() string { return "fake" }

func (s *FakeSender) Send(ctx context.Context, email utils.OutboundEmail) (*utils.SendResult, error) {
	if s.OnSend != nil {
		s.OnSend(email)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	s.Sent = append(s.Sent, email)
	return &utils.SendResult{
		ProviderMessageID: fmt.Sprintf("<prov-%d@fake.test>", len(s.Sent)),
		ThreadMessageID:   email.CorrelationID,
	}, nil
}

// Count is the number of messages sent so far.
func (s *FakeSender) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Sent)
}
