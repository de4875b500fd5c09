package sequence

import (
	"fmt"
	"time"

	"sequenceflow/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Scheduler computes and stores the next step of an enrollment once the
// previous one has been sent.
type Scheduler struct {
	Logger *logrus.Logger
	Now    func() time.Time
}

func NewScheduler(logger *logrus.Logger) *Scheduler {
	return &Scheduler{Logger: logger, Now: utcNow}
}

// FirstStep builds the step-0 row for a new enrollment.
func (s *Scheduler) FirstStep(resolved *ResolvedSequence, enrollment *models.Enrollment, enrolledAt time.Time) (*models.ScheduledStep, error) {
	first, ok := resolved.Step(0)
	if !ok {
		return nil, &ConfigurationError{CampaignID: enrollment.CampaignID, SequenceID: resolved.SequenceID, Reason: "sequence has no step 0"}
	}
	return &models.ScheduledStep{
		CampaignID:        enrollment.CampaignID,
		ContactID:         enrollment.ContactID,
		SequenceStep:      first.StepNumber,
		EnrollmentID:      enrollment.ID,
		ScheduledDatetime: enrolledAt.Add(first.Delay),
		Status:            models.StepScheduled,
	}, nil
}

// ScheduleNext inserts the step after completed, due at sentAt plus that
// step's delay. Re-running it for the same step is a no-op. When completed was
// the last step the enrollment is closed as a natural completion. It returns
// nil when nothing was scheduled.
func (s *Scheduler) ScheduleNext(tx *gorm.DB, resolved *ResolvedSequence, enrollmentID uint, completed *models.ScheduledStep, sentAt time.Time) (*models.ScheduledStep, error) {
	var enrollment models.Enrollment
	if err := tx.First(&enrollment, enrollmentID).Error; err != nil {
		return nil, fmt.Errorf("failed to load enrollment %d: %w", enrollmentID, err)
	}
	if enrollment.IsTerminal() {
		return nil, nil
	}

	next, ok := resolved.Step(completed.SequenceStep + 1)
	if !ok {
		now := s.Now()
		err := tx.Model(&models.Enrollment{}).
			Where("id = ? AND replied_at IS NULL AND sequence_completed_at IS NULL", enrollment.ID).
			Updates(map[string]interface{}{
				"sequence_completed_at": now,
				"completion_reason":     models.CompletionNatural,
			}).Error
		if err != nil {
			return nil, fmt.Errorf("failed to complete enrollment %d: %w", enrollment.ID, err)
		}
		s.Logger.WithFields(logrus.Fields{
			"enrollment_id": enrollment.ID,
			"campaign_id":   enrollment.CampaignID,
			"contact_id":    enrollment.ContactID,
		}).Info("Sequence completed")
		return nil, nil
	}

	step := &models.ScheduledStep{
		CampaignID:        enrollment.CampaignID,
		ContactID:         enrollment.ContactID,
		SequenceStep:      next.StepNumber,
		EnrollmentID:      enrollment.ID,
		ScheduledDatetime: sentAt.Add(next.Delay),
		Status:            models.StepScheduled,
	}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(step)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to schedule step %d: %w", next.StepNumber, res.Error)
	}
	if res.RowsAffected == 0 {
		s.Logger.WithFields(logrus.Fields{
			"enrollment_id": enrollment.ID,
			"step":          next.StepNumber,
		}).Debug("Next step already scheduled")
		return nil, nil
	}

	s.Logger.WithFields(logrus.Fields{
		"enrollment_id": enrollment.ID,
		"step":          next.StepNumber,
		"scheduled_for": step.ScheduledDatetime,
	}).Info("Scheduled next step")
	return step, nil
}
