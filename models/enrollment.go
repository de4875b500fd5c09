package models

import (
	"time"

	"gorm.io/gorm"
)

// Completion reasons recorded on an enrollment when its sequence stops.
const (
	CompletionNatural       = "natural_completion"
	CompletionHardBounce    = "hard_bounce"
	CompletionSoftBounce    = "soft_bounce"
	CompletionBlocked       = "blocked"
	CompletionUnsubscribed  = "unsubscribed"
	CompletionSpamComplaint = "spam_complaint"
	CompletionReplied       = "replied"
	CompletionStopped       = "stopped"
)

// Enrollment tracks one contact's progress through one campaign's sequence
type Enrollment struct {
	gorm.Model
	ContactID  uint `gorm:"not null;uniqueIndex:idx_enrollment_contact_campaign" json:"contact_id"`
	CampaignID uint `gorm:"not null;uniqueIndex:idx_enrollment_contact_campaign;index" json:"campaign_id"`

	// Last completed step; nil until step 0 is sent
	CurrentSequenceStep *int      `json:"current_sequence_step"`
	EnrolledAt          time.Time `gorm:"not null" json:"enrolled_at"`

	RepliedAt           *time.Time `json:"replied_at"`
	SequenceCompletedAt *time.Time `json:"sequence_completed_at"`
	CompletionReason    string     `json:"completion_reason,omitempty"`

	// Relations
	Contact  *Contact  `json:"contact,omitempty"`
	Campaign *Campaign `json:"campaign,omitempty"`
}

// IsTerminal reports whether no further steps may be scheduled or sent.
func (e *Enrollment) IsTerminal() bool {
	return e.RepliedAt != nil || e.SequenceCompletedAt != nil
}

// ActiveEnrollments scopes a query to enrollments that can still progress.
func ActiveEnrollments(db *gorm.DB) *gorm.DB {
	return db.Where("replied_at IS NULL AND sequence_completed_at IS NULL")
}
