package models

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// DeliveryHealth is the delivery state of a contact's address.
type DeliveryHealth string

const (
	HealthUnknown DeliveryHealth = "unknown"
	HealthValid   DeliveryHealth = "valid"
	HealthBounced DeliveryHealth = "bounced"
	HealthBlocked DeliveryHealth = "blocked"
)

// BounceType distinguishes permanent from transient bounces.
type BounceType string

const (
	BounceHard BounceType = "hard"
	BounceSoft BounceType = "soft"
)

// Contact represents a prospect that can be enrolled into campaigns
type Contact struct {
	gorm.Model
	Email string `gorm:"not null;uniqueIndex" json:"email"`

	// Profile
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	Company      string `json:"company"`
	Domain       string `json:"domain"`
	Industry     string `gorm:"index" json:"industry"`
	BusinessType string `json:"business_type"`
	CompanySize  string `json:"company_size"`
	RiskLevel    string `json:"risk_level"` // legacy targeting attribute
	IsActive     bool   `gorm:"not null;index" json:"is_active"`

	// Subscription
	Unsubscribed   bool       `gorm:"default:false" json:"unsubscribed"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at"`
	MarkedAsSpam   bool       `gorm:"default:false" json:"marked_as_spam"`
	SpamReportedAt *time.Time `json:"spam_reported_at"`

	// Delivery health; the timestamps record when each transition happened
	DeliveryHealth DeliveryHealth `gorm:"default:'unknown'" json:"delivery_health"`
	BouncedAt      *time.Time     `json:"bounced_at"`
	BounceType     BounceType     `json:"bounce_type,omitempty"`
	BounceReason   string         `json:"bounce_reason,omitempty"`
	BlockedAt      *time.Time     `gorm:"index" json:"blocked_at"`
	BlockedReason  string         `json:"blocked_reason,omitempty"`

	// Engagement
	OpenCount       int        `gorm:"default:0" json:"open_count"`
	ClickCount      int        `gorm:"default:0" json:"click_count"`
	LastOpenedAt    *time.Time `json:"last_opened_at"`
	LastClickedAt   *time.Time `json:"last_clicked_at"`
	LastContactedAt *time.Time `json:"last_contacted_at"`
	HasResponded    bool       `gorm:"default:false" json:"has_responded"`
	RespondedAt     *time.Time `json:"responded_at"`
}

// BeforeSave keeps emails globally unique regardless of input casing.
func (c *Contact) BeforeSave(tx *gorm.DB) error {
	c.Email = NormalizeEmail(c.Email)
	return nil
}

// NormalizeEmail lower-cases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsBlocked reports whether the contact has been blocked by the provider.
func (c *Contact) IsBlocked() bool {
	return c.BlockedAt != nil || c.DeliveryHealth == HealthBlocked
}

// IsHardBounced reports whether a permanent bounce was recorded.
func (c *Contact) IsHardBounced() bool {
	return c.DeliveryHealth == HealthBounced && c.BounceType == BounceHard
}

// CanReceive reports whether anything may be sent to this contact at all.
func (c *Contact) CanReceive() bool {
	return c.IsActive && !c.Unsubscribed && !c.MarkedAsSpam && !c.IsBlocked() && !c.IsHardBounced()
}

// EmailDomain returns the stored domain or the part after '@'.
func (c *Contact) EmailDomain() string {
	if c.Domain != "" {
		return c.Domain
	}
	if i := strings.LastIndex(c.Email, "@"); i >= 0 {
		return c.Email[i+1:]
	}
	return ""
}
