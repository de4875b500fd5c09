package sequence

import (
	"time"

	"sequenceflow/models"

	"gorm.io/gorm"
)

const maxErrorMessage = 1000

// ClaimStep moves a step from scheduled to processing. It reports false when
// another dispatch pass already claimed or skipped the step.
func ClaimStep(db *gorm.DB, stepID uint, now time.Time) (bool, error) {
	res := db.Model(&models.ScheduledStep{}).
		Where("id = ? AND status = ?", stepID, models.StepScheduled).
		Updates(map[string]interface{}{
			"status":     models.StepProcessing,
			"claimed_at": now,
			"attempts":   gorm.Expr("attempts + ?", 1),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// SkipStep marks a still-scheduled step with a skipped_* status.
func SkipStep(db *gorm.DB, stepID uint, status models.StepStatus) (bool, error) {
	res := db.Model(&models.ScheduledStep{}).
		Where("id = ? AND status = ?", stepID, models.StepScheduled).
		Update("status", status)
	return res.RowsAffected == 1, res.Error
}

// FailStep marks a claimed step as failed. Failed is terminal until an operator requeues it.
func FailStep(db *gorm.DB, stepID uint, cause error) error {
	msg := cause.Error()
	if len(msg) > maxErrorMessage {
		msg = msg[:maxErrorMessage]
	}
	return db.Model(&models.ScheduledStep{}).
		Where("id = ? AND status = ?", stepID, models.StepProcessing).
		Updates(map[string]interface{}{
			"status":        models.StepFailed,
			"error_message": msg,
		}).Error
}

// ReleaseStaleClaims fails steps left in processing since before cutoff, so a
// crashed pass never leaves a step locked forever. They are not retried
// automatically since the send may already have happened.
func ReleaseStaleClaims(db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.Model(&models.ScheduledStep{}).
		Where("status = ? AND claimed_at < ?", models.StepProcessing, cutoff).
		Updates(map[string]interface{}{
			"status":        models.StepFailed,
			"error_message": "claim expired before the send was recorded",
		})
	return res.RowsAffected, res.Error
}

// RequeueFailed moves failed steps of still-active enrollments in a campaign
// back to scheduled, due immediately.
func RequeueFailed(db *gorm.DB, campaignID uint, now time.Time) (int64, error) {
	active := models.ActiveEnrollments(db.Model(&models.Enrollment{}).Select("id").Where("campaign_id = ?", campaignID))
	res := db.Model(&models.ScheduledStep{}).
		Where("campaign_id = ? AND status = ? AND enrollment_id IN (?)", campaignID, models.StepFailed, active).
		Updates(map[string]interface{}{
			"status":             models.StepScheduled,
			"scheduled_datetime": now,
			"claimed_at":         nil,
			"error_message":      "",
		})
	return res.RowsAffected, res.Error
}
