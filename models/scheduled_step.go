package models

import (
	"time"

	"gorm.io/gorm"
)

// StepStatus is the state of a single scheduled send attempt.
type StepStatus string

const (
	StepScheduled           StepStatus = "scheduled"
	StepProcessing          StepStatus = "processing"
	StepSent                StepStatus = "sent"
	StepFailed              StepStatus = "failed"
	StepSkippedReplied      StepStatus = "skipped_replied"
	StepSkippedBounced      StepStatus = "skipped_bounced"
	StepSkippedBlocked      StepStatus = "skipped_blocked"
	StepSkippedUnsubscribed StepStatus = "skipped_unsubscribed"
)

// IsSkipped reports whether the status is one of the skipped_* terminal states.
func (s StepStatus) IsSkipped() bool {
	switch s {
	case StepSkippedReplied, StepSkippedBounced, StepSkippedBlocked, StepSkippedUnsubscribed:
		return true
	}
	return false
}

// ScheduledStep is one future-or-past send attempt for one step of one enrollment.
// At most one row exists per (campaign, contact, step).
type ScheduledStep struct {
	gorm.Model
	CampaignID   uint `gorm:"not null;uniqueIndex:idx_step_campaign_contact_step" json:"campaign_id"`
	ContactID    uint `gorm:"not null;uniqueIndex:idx_step_campaign_contact_step;index" json:"contact_id"`
	SequenceStep int  `gorm:"not null;uniqueIndex:idx_step_campaign_contact_step" json:"sequence_step"`
	EnrollmentID uint `gorm:"not null;index" json:"enrollment_id"`

	ScheduledDatetime time.Time  `gorm:"not null;index" json:"scheduled_datetime"`
	Status            StepStatus `gorm:"not null;default:'scheduled';index" json:"status"`
	ClaimedAt         *time.Time `json:"claimed_at"`
	SentAt            *time.Time `json:"sent_at"`
	EmailID           *uint      `json:"email_id"`
	ErrorMessage      string     `gorm:"type:text" json:"error_message,omitempty"`
	Attempts          int        `gorm:"default:0" json:"attempts"`
}

// SkipStatusForReason maps an enrollment completion reason to the skip
// state its remaining steps end in.
func SkipStatusForReason(reason string) StepStatus {
	switch reason {
	case CompletionReplied:
		return StepSkippedReplied
	case CompletionHardBounce, CompletionSoftBounce:
		return StepSkippedBounced
	case CompletionBlocked:
		return StepSkippedBlocked
	default:
		return StepSkippedUnsubscribed
	}
}
