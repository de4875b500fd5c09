package models

import (
	"time"

	"gorm.io/gorm"
)

// WebhookEvent is the raw audit record of an inbound provider event
type WebhookEvent struct {
	gorm.Model
	Provider          string `gorm:"index" json:"provider"`
	EventType         string `gorm:"index" json:"event_type"`
	NormalizedType    string `json:"normalized_type"`
	ProviderEventID   string `gorm:"index" json:"provider_event_id"`
	ProviderMessageID string `gorm:"index" json:"provider_message_id"`
	Email             string `gorm:"index" json:"email"`

	ContactID     *uint `gorm:"index" json:"contact_id"`
	CampaignID    *uint `gorm:"index" json:"campaign_id"`
	EmailRecordID *uint `json:"email_record_id"`

	EventData      map[string]interface{} `gorm:"type:jsonb;serializer:json" json:"event_data"`
	IP             string                 `json:"ip"`
	UserAgent      string                 `json:"user_agent"`
	ClickedURL     string                 `json:"clicked_url"`
	BounceType     string                 `json:"bounce_type"`
	BounceReason   string                 `json:"bounce_reason"`
	EventTimestamp *time.Time             `json:"event_timestamp"`
	ProcessedAt    *time.Time             `json:"processed_at"`
	Outcome        string                 `json:"outcome"`
}
