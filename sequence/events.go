package sequence

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"sequenceflow/models"
	"sequenceflow/utils"
)

// EventType is a normalized provider event name.
type EventType string

const (
	EventDelivered    EventType = "delivered"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventReplied      EventType = "replied"
	EventBounced      EventType = "bounced"
	EventBlocked      EventType = "blocked"
	EventUnsubscribed EventType = "unsubscribed"
	EventSpam         EventType = "spam"
	EventRequest      EventType = "request"
	EventUnknown      EventType = "unknown"
)

// NormalizeEventType maps provider event names and their aliases onto EventType.
func NormalizeEventType(raw string) EventType {
	name := strings.ToLower(strings.TrimSpace(raw))
	switch name {
	case "delivered", "delivery":
		return EventDelivered
	case "opened", "open", "unique_opened", "uniqueopened":
		return EventOpened
	case "clicked", "click":
		return EventClicked
	case "replied", "reply":
		return EventReplied
	case "blocked", "block":
		return EventBlocked
	case "unsubscribed", "unsubscribe":
		return EventUnsubscribed
	case "spam", "complaint":
		return EventSpam
	case "request", "sent":
		return EventRequest
	}
	if strings.Contains(name, "bounce") {
		return EventBounced
	}
	return EventUnknown
}

// InferBounceType reads the explicit bounce type first, then the event name.
// Anything not recognisably soft is treated as hard.
func InferBounceType(eventName, bounceType string) models.BounceType {
	bt := strings.ToLower(bounceType)
	switch {
	case strings.Contains(bt, "soft"):
		return models.BounceSoft
	case strings.Contains(bt, "hard"):
		return models.BounceHard
	}
	if strings.Contains(strings.ToLower(eventName), "soft") {
		return models.BounceSoft
	}
	return models.BounceHard
}

// ProviderEvent is one inbound webhook event.
type ProviderEvent struct {
	Provider   string
	Event      string
	Email      string
	MessageID  string
	Link       string
	BounceType string
	Reason     string
	// EventID is a provider-assigned unique event id, when the provider sends one.
	EventID   string
	Timestamp *time.Time
	IP        string
	UserAgent string
	Raw       map[string]interface{}
}

// ParseProviderEvent reads a decoded webhook payload. Keys follow the Brevo
// format with common alternatives accepted.
func ParseProviderEvent(provider string, raw map[string]interface{}) ProviderEvent {
	ev := ProviderEvent{
		Provider:   provider,
		Event:      firstString(raw, "event", "event_type", "type"),
		Email:      firstString(raw, "email", "recipient"),
		MessageID:  utils.StripID(firstString(raw, "message-id", "message_id", "messageId", "sg_message_id")),
		Link:       firstString(raw, "link", "url"),
		BounceType: firstString(raw, "bounce_type", "bounceType"),
		Reason:     firstString(raw, "reason", "description"),
		EventID:    firstString(raw, "event_id", "sg_event_id", "uuid"),
		IP:         firstString(raw, "ip", "sending_ip"),
		UserAgent:  firstString(raw, "user_agent", "useragent", "user-agent"),
		Raw:        raw,
	}
	if ts, ok := parseTimestamp(raw); ok {
		ev.Timestamp = &ts
	}
	return ev
}

func firstString(raw map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch val := v.(type) {
		case string:
			s = val
		case float64:
			s = strconv.FormatFloat(val, 'f', -1, 64)
		default:
			s = fmt.Sprint(val)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

func parseTimestamp(raw map[string]interface{}) (time.Time, bool) {
	if v, ok := raw["ts_epoch"].(float64); ok && v > 0 {
		return time.UnixMilli(int64(v)).UTC(), true
	}
	for _, k := range []string{"ts_event", "ts", "timestamp"} {
		if v, ok := raw[k].(float64); ok && v > 0 {
			return time.Unix(int64(v), 0).UTC(), true
		}
	}
	if s, ok := raw["date"].(string); ok {
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}
