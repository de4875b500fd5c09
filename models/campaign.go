package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:  {CampaignActive},
	CampaignActive: {CampaignPaused, CampaignCompleted},
	CampaignPaused: {CampaignActive, CampaignCompleted},
}

// Campaign represents an outreach effort driven by a sequence definition
type Campaign struct {
	gorm.Model
	Name        string         `gorm:"not null" json:"name"`
	Description string         `json:"description"`
	Status      CampaignStatus `gorm:"default:'draft';index" json:"status"`

	// Sequence and targeting
	SequenceID *uint     `gorm:"index" json:"sequence_id"`
	Targeting  Targeting `gorm:"type:jsonb;serializer:json" json:"targeting"`
	AutoEnroll bool      `gorm:"default:false" json:"auto_enroll"`

	// Sender overrides; empty means the configured default
	FromEmail string `json:"from_email"`
	FromName  string `json:"from_name"`

	StartedAt   *time.Time `json:"started_at"`
	PausedAt    *time.Time `json:"paused_at"`
	CompletedAt *time.Time `json:"completed_at"`

	// Statistics (denormalized, best-effort display values)
	TotalContacts    int `gorm:"default:0" json:"total_contacts"`
	SentCount        int `gorm:"default:0" json:"sent_count"`
	OpenCount        int `gorm:"default:0" json:"open_count"`
	ClickCount       int `gorm:"default:0" json:"click_count"`
	ResponseCount    int `gorm:"default:0" json:"response_count"`
	BounceCount      int `gorm:"default:0" json:"bounce_count"`
	BlockedCount     int `gorm:"default:0" json:"blocked_count"`
	UnsubscribeCount int `gorm:"default:0" json:"unsubscribe_count"`

	// Relations
	Sequence *Sequence `json:"sequence,omitempty"`
}

// CanTransitionTo reports whether the lifecycle allows moving to next.
func (c *Campaign) CanTransitionTo(next CampaignStatus) bool {
	for _, allowed := range campaignTransitions[c.Status] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TargetingKind selects which contact attribute a Targeting filters on.
type TargetingKind string

const (
	TargetAll          TargetingKind = "all"
	TargetIndustry     TargetingKind = "industry"
	TargetBusinessType TargetingKind = "business_type"
	TargetCompanySize  TargetingKind = "company_size"
	TargetRiskLevel    TargetingKind = "risk_level"
)

// Targeting is a declarative contact filter: exactly one attribute and the accepted values.
type Targeting struct {
	Kind   TargetingKind `json:"kind"`
	Values []string      `json:"values,omitempty"`
}

// Matches evaluates the filter against a contact. Comparison is case-insensitive.
func (t Targeting) Matches(c *Contact) bool {
	var attr string
	switch t.Kind {
	case "", TargetAll:
		return true
	case TargetIndustry:
		attr = c.Industry
	case TargetBusinessType:
		attr = c.BusinessType
	case TargetCompanySize:
		attr = c.CompanySize
	case TargetRiskLevel:
		attr = c.RiskLevel
	default:
		return false
	}
	if len(t.Values) == 0 {
		return true
	}
	attr = strings.TrimSpace(attr)
	for _, v := range t.Values {
		if strings.EqualFold(attr, strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}
