package sequence

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// ConfigurationError means a campaign's sequence cannot be resolved.
// It is fatal to the enrollment attempt and surfaced to the caller.
type ConfigurationError struct {
	CampaignID uint
	SequenceID uint
	Reason     string
}

func (e *ConfigurationError) Error() string {
	if e.CampaignID != 0 {
		return fmt.Sprintf("campaign %d: invalid sequence configuration: %s", e.CampaignID, e.Reason)
	}
	return fmt.Sprintf("sequence %d: invalid configuration: %s", e.SequenceID, e.Reason)
}

// DuplicateEnrollmentError means the contact is already enrolled in the campaign.
type DuplicateEnrollmentError struct {
	ContactID  uint
	CampaignID uint
}

func (e *DuplicateEnrollmentError) Error() string {
	return fmt.Sprintf("contact %d is already enrolled in campaign %d", e.ContactID, e.CampaignID)
}

// NotEligibleError means the contact fails the campaign's eligibility rules.
type NotEligibleError struct {
	ContactID  uint
	CampaignID uint
	Reason     string
}

func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("contact %d is not eligible for campaign %d: %s", e.ContactID, e.CampaignID, e.Reason)
}

// ErrNotFound is returned when a referenced contact or campaign does not exist.
var ErrNotFound = errors.New("record not found")

// IsExpected reports whether err is a per-contact outcome rather than a failure.
func IsExpected(err error) bool {
	var dup *DuplicateEnrollmentError
	var ne *NotEligibleError
	return errors.As(err, &dup) || errors.As(err, &ne)
}

// IsDuplicateKey reports a unique-constraint violation from any supported driver.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
