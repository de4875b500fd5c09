package sequence

import "time"

// ActivityEvent describes one state change for live observers.
type ActivityEvent struct {
	Type       string    `json:"type"`
	CampaignID uint      `json:"campaign_id,omitempty"`
	ContactID  uint      `json:"contact_id,omitempty"`
	Step       *int      `json:"step,omitempty"`
	Status     string    `json:"status"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}

// ActivityNotifier receives activity events. Publish must not block.
type ActivityNotifier interface {
	Publish(event ActivityEvent)
}

type nopNotifier struct{}

func (nopNotifier) Publish(ActivityEvent) {}

func notifierOrNop(n ActivityNotifier) ActivityNotifier {
	if n == nil {
		return nopNotifier{}
	}
	return n
}

func utcNow() time.Time {
	return time.Now().UTC()
}
