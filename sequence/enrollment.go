package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sequenceflow/metrics"
	"sequenceflow/models"

	"github.com/badoux/checkmail"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Eligibility failure reasons.
const (
	ReasonInactive          = "contact is inactive"
	ReasonInvalidEmail      = "contact email address is invalid"
	ReasonBlocked           = "contact is blocked"
	ReasonHardBounced       = "contact address hard bounced"
	ReasonUnsubscribed      = "contact unsubscribed"
	ReasonMarkedAsSpam      = "contact marked a previous email as spam"
	ReasonCampaignCompleted = "campaign is completed"
	ReasonAlreadyEnrolled   = "contact is already enrolled"
	ReasonTargeting         = "contact does not match campaign targeting"
)

// EnrollmentResult is returned by a successful enrollment.
type EnrollmentResult struct {
	Enrollment *models.Enrollment    `json:"enrollment"`
	FirstStep  *models.ScheduledStep `json:"first_step"`
}

// EnrollmentFailure is one per-contact failure in a batch.
type EnrollmentFailure struct {
	ContactID uint   `json:"contact_id"`
	Error     string `json:"error"`
}

// BatchResult summarizes a bulk enrollment. Batches never abort on a single failure.
type BatchResult struct {
	Succeeded int                 `json:"succeeded"`
	Skipped   int                 `json:"skipped"`
	Failed    int                 `json:"failed"`
	Errors    []EnrollmentFailure `json:"errors"`
}

// EnrollmentEngine decides eligibility and creates enrollments.
type EnrollmentEngine struct {
	DB        *gorm.DB
	Scheduler *Scheduler
	Notifier  ActivityNotifier
	Metrics   *metrics.Metrics
	Logger    *logrus.Logger
	Now       func() time.Time
}

func NewEnrollmentEngine(db *gorm.DB, scheduler *Scheduler, m *metrics.Metrics, logger *logrus.Logger) *EnrollmentEngine {
	return &EnrollmentEngine{
		DB:        db,
		Scheduler: scheduler,
		Metrics:   m,
		Logger:    logger,
		Now:       utcNow,
	}
}

// IsEligible reports whether contact may be enrolled in campaign, with the
// reason when it may not.
func (e *EnrollmentEngine) IsEligible(ctx context.Context, contact *models.Contact, campaign *models.Campaign) (bool, string, error) {
	if reason := profileIneligibility(contact, campaign); reason != "" {
		return false, reason, nil
	}
	enrolled, err := e.isEnrolled(e.DB.WithContext(ctx), contact.ID, campaign.ID)
	if err != nil {
		return false, "", err
	}
	if enrolled {
		return false, ReasonAlreadyEnrolled, nil
	}
	return true, "", nil
}

// Enroll loads the contact and campaign and enrolls one into the other.
func (e *EnrollmentEngine) Enroll(ctx context.Context, contactID, campaignID uint) (*EnrollmentResult, error) {
	db := e.DB.WithContext(ctx)

	var contact models.Contact
	if err := db.First(&contact, contactID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("contact %d: %w", contactID, ErrNotFound)
		}
		return nil, err
	}
	var campaign models.Campaign
	if err := db.First(&campaign, campaignID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("campaign %d: %w", campaignID, ErrNotFound)
		}
		return nil, err
	}
	return e.EnrollContact(ctx, &contact, &campaign)
}

// EnrollContact creates the enrollment, its step-0 scheduled step, and bumps
// the campaign's contact counter, all in one transaction.
func (e *EnrollmentEngine) EnrollContact(ctx context.Context, contact *models.Contact, campaign *models.Campaign) (*EnrollmentResult, error) {
	result, err := e.enroll(ctx, contact, campaign)
	e.observe(err)
	return result, err
}

func (e *EnrollmentEngine) enroll(ctx context.Context, contact *models.Contact, campaign *models.Campaign) (*EnrollmentResult, error) {
	db := e.DB.WithContext(ctx)

	resolved, err := ResolveCampaign(db, campaign)
	if err != nil {
		return nil, err
	}

	enrolled, err := e.isEnrolled(db, contact.ID, campaign.ID)
	if err != nil {
		return nil, err
	}
	if enrolled {
		return nil, &DuplicateEnrollmentError{ContactID: contact.ID, CampaignID: campaign.ID}
	}

	if reason := profileIneligibility(contact, campaign); reason != "" {
		return nil, &NotEligibleError{ContactID: contact.ID, CampaignID: campaign.ID, Reason: reason}
	}

	now := e.Now()
	result := &EnrollmentResult{}
	err = db.Transaction(func(tx *gorm.DB) error {
		enrollment := &models.Enrollment{
			ContactID:  contact.ID,
			CampaignID: campaign.ID,
			EnrolledAt: now,
		}
		if err := tx.Create(enrollment).Error; err != nil {
			return err
		}

		first, err := e.Scheduler.FirstStep(resolved, enrollment, now)
		if err != nil {
			return err
		}
		if err := tx.Create(first).Error; err != nil {
			return err
		}

		if err := tx.Model(&models.Campaign{}).
			Where("id = ?", campaign.ID).
			Update("total_contacts", gorm.Expr("total_contacts + ?", 1)).Error; err != nil {
			return err
		}

		result.Enrollment = enrollment
		result.FirstStep = first
		return nil
	})
	if err != nil {
		if IsDuplicateKey(err) {
			return nil, &DuplicateEnrollmentError{ContactID: contact.ID, CampaignID: campaign.ID}
		}
		return nil, fmt.Errorf("failed to enroll contact %d in campaign %d: %w", contact.ID, campaign.ID, err)
	}

	e.Logger.WithFields(logrus.Fields{
		"contact_id":    contact.ID,
		"campaign_id":   campaign.ID,
		"first_send_at": result.FirstStep.ScheduledDatetime,
	}).Info("Contact enrolled")

	step := result.FirstStep.SequenceStep
	notifierOrNop(e.Notifier).Publish(ActivityEvent{
		Type:       "enrolled",
		CampaignID: campaign.ID,
		ContactID:  contact.ID,
		Step:       &step,
		Status:     string(models.StepScheduled),
		At:         now,
	})
	return result, nil
}

// BulkEnroll enrolls each contact independently and summarizes the outcomes.
func (e *EnrollmentEngine) BulkEnroll(ctx context.Context, campaignID uint, contactIDs []uint) *BatchResult {
	result := &BatchResult{Errors: []EnrollmentFailure{}}
	for _, id := range contactIDs {
		if ctx.Err() != nil {
			result.Failed++
			result.Errors = append(result.Errors, EnrollmentFailure{ContactID: id, Error: ctx.Err().Error()})
			continue
		}
		_, err := e.Enroll(ctx, id, campaignID)
		switch {
		case err == nil:
			result.Succeeded++
		case IsExpected(err):
			result.Skipped++
			result.Errors = append(result.Errors, EnrollmentFailure{ContactID: id, Error: err.Error()})
			e.Logger.WithError(err).Debug("Enrollment skipped")
		default:
			result.Failed++
			result.Errors = append(result.Errors, EnrollmentFailure{ContactID: id, Error: err.Error()})
			e.Logger.WithError(err).WithField("contact_id", id).Warn("Enrollment failed")
		}
	}
	return result
}

func (e *EnrollmentEngine) isEnrolled(db *gorm.DB, contactID, campaignID uint) (bool, error) {
	var count int64
	err := db.Model(&models.Enrollment{}).
		Where("contact_id = ? AND campaign_id = ?", contactID, campaignID).
		Count(&count).Error
	return count > 0, err
}

func (e *EnrollmentEngine) observe(err error) {
	if e.Metrics == nil {
		return
	}
	outcome := "enrolled"
	var cfgErr *ConfigurationError
	var dupErr *DuplicateEnrollmentError
	var neErr *NotEligibleError
	switch {
	case err == nil:
	case errors.As(err, &cfgErr):
		outcome = "configuration_error"
	case errors.As(err, &dupErr):
		outcome = "duplicate"
	case errors.As(err, &neErr):
		outcome = "not_eligible"
	default:
		outcome = "error"
	}
	e.Metrics.Enrollments.WithLabelValues(outcome).Inc()
}

// profileIneligibility returns why the contact's own state or the campaign
// rules out enrollment, or "" when nothing does.
func profileIneligibility(contact *models.Contact, campaign *models.Campaign) string {
	switch {
	case !contact.IsActive:
		return ReasonInactive
	case checkmail.ValidateFormat(contact.Email) != nil:
		return ReasonInvalidEmail
	case contact.IsBlocked():
		return ReasonBlocked
	case contact.IsHardBounced():
		return ReasonHardBounced
	case contact.Unsubscribed:
		return ReasonUnsubscribed
	case contact.MarkedAsSpam:
		return ReasonMarkedAsSpam
	case campaign.Status == models.CampaignCompleted:
		return ReasonCampaignCompleted
	case !campaign.Targeting.Matches(contact):
		return ReasonTargeting
	}
	return ""
}
