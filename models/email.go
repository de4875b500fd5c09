package models

import (
	"time"

	"gorm.io/gorm"
)

// EmailStatus is the latest known delivery state of a sent message.
type EmailStatus string

const (
	EmailSent       EmailStatus = "sent"
	EmailDelivered  EmailStatus = "delivered"
	EmailOpened     EmailStatus = "opened"
	EmailClicked    EmailStatus = "clicked"
	EmailReplied    EmailStatus = "replied"
	EmailBounced    EmailStatus = "bounced"
	EmailBlocked    EmailStatus = "blocked"
	EmailComplained EmailStatus = "complained"
)

// Email is the durable record of a message actually handed to the provider.
// Event timestamps are set on first occurrence only.
type Email struct {
	gorm.Model
	ContactID       uint `gorm:"not null;uniqueIndex:idx_email_campaign_contact_step;index" json:"contact_id"`
	CampaignID      uint `gorm:"not null;uniqueIndex:idx_email_campaign_contact_step;index" json:"campaign_id"`
	SequenceStep    int  `gorm:"not null;uniqueIndex:idx_email_campaign_contact_step" json:"sequence_step"`
	ScheduledStepID uint `gorm:"index" json:"scheduled_step_id"`

	// Snapshot of what was sent
	Subject   string `gorm:"not null" json:"subject"`
	HTMLBody  string `gorm:"type:text" json:"html_body"`
	TextBody  string `gorm:"type:text" json:"text_body"`
	FromEmail string `json:"from_email"`
	ToEmail   string `gorm:"index" json:"to_email"`

	MessageID         string      `gorm:"index" json:"message_id"`
	ProviderMessageID string      `gorm:"index" json:"provider_message_id"`
	ThreadMessageID   string      `json:"thread_message_id"`
	Status            EmailStatus `gorm:"default:'sent'" json:"status"`
	SentAt            time.Time   `gorm:"not null;index" json:"sent_at"`

	// Provider events
	DeliveredAt    *time.Time `json:"delivered_at"`
	OpenedAt       *time.Time `json:"opened_at"`
	ClickedAt      *time.Time `json:"clicked_at"`
	RepliedAt      *time.Time `json:"replied_at"`
	BouncedAt      *time.Time `json:"bounced_at"`
	BlockedAt      *time.Time `json:"blocked_at"`
	ComplainedAt   *time.Time `json:"complained_at"`
	UnsubscribedAt *time.Time `json:"unsubscribed_at"`

	OpenCount     int        `gorm:"default:0" json:"open_count"`
	ClickCount    int        `gorm:"default:0" json:"click_count"`
	ClickedURLs   []string   `gorm:"type:jsonb;serializer:json" json:"clicked_urls"`
	BounceType    BounceType `json:"bounce_type,omitempty"`
	BounceReason  string     `json:"bounce_reason,omitempty"`
	BlockedReason string     `json:"blocked_reason,omitempty"`
}
