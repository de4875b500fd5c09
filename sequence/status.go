package sequence

import (
	"context"
	"errors"
	"time"

	"sequenceflow/models"

	"gorm.io/gorm"
)

// SequenceStatus is a contact's progress through one campaign.
type SequenceStatus struct {
	ContactID           uint                   `json:"contact_id"`
	CampaignID          uint                   `json:"campaign_id"`
	Enrolled            bool                   `json:"enrolled"`
	CurrentStep         *int                   `json:"current_step"`
	EnrolledAt          *time.Time             `json:"enrolled_at,omitempty"`
	RepliedAt           *time.Time             `json:"replied_at,omitempty"`
	SequenceCompletedAt *time.Time             `json:"sequence_completed_at,omitempty"`
	CompletionReason    string                 `json:"completion_reason,omitempty"`
	Steps               []models.ScheduledStep `json:"steps"`
}

// GetSequenceStatus reports the enrollment and every scheduled step of a
// contact in a campaign. A contact that was never enrolled is not an error.
func GetSequenceStatus(ctx context.Context, db *gorm.DB, contactID, campaignID uint) (*SequenceStatus, error) {
	db = db.WithContext(ctx)
	status := &SequenceStatus{ContactID: contactID, CampaignID: campaignID, Steps: []models.ScheduledStep{}}

	var enrollment models.Enrollment
	err := db.Where("contact_id = ? AND campaign_id = ?", contactID, campaignID).Take(&enrollment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return status, nil
	}
	if err != nil {
		return nil, err
	}

	status.Enrolled = true
	status.CurrentStep = enrollment.CurrentSequenceStep
	status.EnrolledAt = &enrollment.EnrolledAt
	status.RepliedAt = enrollment.RepliedAt
	status.SequenceCompletedAt = enrollment.SequenceCompletedAt
	status.CompletionReason = enrollment.CompletionReason

	if err := db.Where("contact_id = ? AND campaign_id = ?", contactID, campaignID).
		Order("sequence_step ASC").Find(&status.Steps).Error; err != nil {
		return nil, err
	}
	return status, nil
}
