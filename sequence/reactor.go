package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sequenceflow/metrics"
	"sequenceflow/models"
	"sequenceflow/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ReplyFallback decides what happens to a reply that cannot be tied to a campaign.
type ReplyFallback string

const (
	// ReplyFallbackStopAll stops every active enrollment of the contact.
	ReplyFallbackStopAll ReplyFallback = "stop_all"
	// ReplyFallbackReview records the reply and leaves enrollments running.
	ReplyFallbackReview ReplyFallback = "review"
)

// Outcome is how an event was handled.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeError     Outcome = "error"
)

// EventOutcome is the result of applying one provider event.
type EventOutcome struct {
	Outcome    Outcome   `json:"status"`
	EventType  EventType `json:"event_type"`
	ContactID  uint      `json:"contact_id,omitempty"`
	CampaignID uint      `json:"campaign_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Reactor applies provider events to contacts, sent emails, enrollments and
// scheduled steps. Timestamps are only set when empty, so redelivered events
// leave them unchanged; counters may increment again.
type Reactor struct {
	DB            *gorm.DB
	Deduper       utils.EventDeduper
	Notifier      ActivityNotifier
	Metrics       *metrics.Metrics
	Logger        *logrus.Logger
	ReplyFallback ReplyFallback
	Now           func() time.Time
}

func NewReactor(db *gorm.DB, deduper utils.EventDeduper, m *metrics.Metrics, logger *logrus.Logger) *Reactor {
	return &Reactor{
		DB:            db,
		Deduper:       deduper,
		Metrics:       m,
		Logger:        logger,
		ReplyFallback: ReplyFallbackStopAll,
		Now:           utcNow,
	}
}

// eventContext carries the resolved records through one application.
type eventContext struct {
	ev      ProviderEvent
	contact *models.Contact
	message *models.Email
	now     time.Time
	detail  string
	// campaigns whose enrollments were touched, for activity notifications
	stopped []uint

	// the event's message id belonged to a different contact than its address
	mismatched bool
}

// Apply handles one provider event. Unknown contacts and unsupported event
// types are ignored rather than failed.
func (r *Reactor) Apply(ctx context.Context, ev ProviderEvent) (*EventOutcome, error) {
	eventType := NormalizeEventType(ev.Event)
	out := &EventOutcome{EventType: eventType}
	record := r.newRecord(ev, eventType)
	log := r.Logger.WithFields(logrus.Fields{
		"event":      ev.Event,
		"email":      ev.Email,
		"message_id": ev.MessageID,
	})

	if eventType == EventUnknown {
		out.Outcome, out.Detail = OutcomeIgnored, "unsupported event type"
		log.Info("Ignoring unsupported provider event")
		r.finish(ctx, record, out)
		return out, nil
	}

	dedupKey := ""
	if ev.EventID != "" && r.Deduper != nil {
		dedupKey = ev.Provider + ":" + ev.EventID
		first, err := r.Deduper.MarkSeen(ctx, dedupKey)
		switch {
		case err != nil:
			log.WithError(err).Warn("Event deduplication unavailable, applying event")
			dedupKey = ""
		case !first:
			out.Outcome, out.Detail = OutcomeDuplicate, "event already applied"
			r.finish(ctx, record, out)
			return out, nil
		}
	}

	db := r.DB.WithContext(ctx)
	contact, message, mismatched, err := r.resolveContact(db, ev, log)
	if err != nil {
		r.release(ctx, dedupKey)
		return nil, err
	}
	if contact == nil {
		out.Outcome, out.Detail = OutcomeIgnored, "unknown contact"
		log.Info("Ignoring event for unknown contact")
		r.finish(ctx, record, out)
		return out, nil
	}

	ec := &eventContext{ev: ev, contact: contact, message: message, mismatched: mismatched, now: r.Now()}
	out.ContactID = contact.ID
	record.ContactID = &contact.ID
	if message != nil {
		out.CampaignID = message.CampaignID
		record.CampaignID = &message.CampaignID
		record.EmailRecordID = &message.ID
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		switch eventType {
		case EventDelivered:
			return r.applyDelivered(tx, ec)
		case EventOpened:
			return r.applyOpened(tx, ec)
		case EventClicked:
			return r.applyClicked(tx, ec)
		case EventReplied:
			return r.applyReplied(tx, ec)
		case EventBounced:
			return r.applyBounced(tx, ec)
		case EventBlocked:
			return r.applyBlocked(tx, ec)
		case EventUnsubscribed:
			return r.applyUnsubscribed(tx, ec, false)
		case EventSpam:
			return r.applyUnsubscribed(tx, ec, true)
		case EventRequest:
			ec.detail = "logged only"
		}
		return nil
	})
	if err != nil {
		r.release(ctx, dedupKey)
		return nil, fmt.Errorf("failed to apply %s event for contact %d: %w", eventType, contact.ID, err)
	}

	if ec.message != nil && out.CampaignID == 0 {
		out.CampaignID = ec.message.CampaignID
		record.CampaignID = &ec.message.CampaignID
		record.EmailRecordID = &ec.message.ID
	}
	out.Outcome, out.Detail = OutcomeProcessed, ec.detail
	log.WithFields(logrus.Fields{
		"contact_id":  contact.ID,
		"campaign_id": out.CampaignID,
		"type":        eventType,
	}).Info("Provider event applied")

	r.finish(ctx, record, out)
	r.notify(ec, eventType, out)
	return out, nil
}

// resolveContact finds the event's contact by address first, then by the
// provider message id of the sent email. mismatched reports a message id that
// belongs to another contact; its correlation is dropped.
func (r *Reactor) resolveContact(db *gorm.DB, ev ProviderEvent, log *logrus.Entry) (contact *models.Contact, message *models.Email, mismatched bool, err error) {
	if id := utils.StripID(ev.MessageID); id != "" {
		var m models.Email
		err := db.Where("provider_message_id = ? OR message_id = ?", id, id).Order("id DESC").Take(&m).Error
		switch {
		case err == nil:
			message = &m
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return nil, nil, false, fmt.Errorf("failed to look up message %s: %w", id, err)
		}
	}

	if email := models.NormalizeEmail(ev.Email); email != "" {
		var byEmail models.Contact
		err := db.Where("email = ?", email).Take(&byEmail).Error
		switch {
		case err == nil:
			if message != nil && message.ContactID != byEmail.ID {
				log.WithFields(logrus.Fields{
					"contact_id":         byEmail.ID,
					"message_contact_id": message.ContactID,
				}).Warn("Message id belongs to another contact, ignoring message correlation")
				return &byEmail, nil, true, nil
			}
			return &byEmail, message, false, nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return nil, nil, false, fmt.Errorf("failed to look up contact %s: %w", email, err)
		}
	}

	if message == nil {
		return nil, nil, false, nil
	}
	var byMessage models.Contact
	if err := db.Take(&byMessage, message.ContactID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, false, nil
		}
		return nil, nil, false, err
	}
	log.WithFields(logrus.Fields{
		"event_email":   ev.Email,
		"contact_email": byMessage.Email,
		"contact_id":    byMessage.ID,
	}).Warn("Event address does not match any contact, resolved by message id")
	return &byMessage, message, false, nil
}

func (r *Reactor) applyDelivered(tx *gorm.DB, ec *eventContext) error {
	if ec.message != nil {
		if _, err := setOnce(tx, &models.Email{}, ec.message.ID, "delivered_at", ec.now); err != nil {
			return err
		}
		if err := advanceEmailStatus(tx, ec.message.ID, models.EmailDelivered, models.EmailSent); err != nil {
			return err
		}
	}
	if err := tx.Model(&models.Contact{}).Where("id = ?", ec.contact.ID).
		Update("last_contacted_at", ec.now).Error; err != nil {
		return err
	}
	return tx.Model(&models.Contact{}).
		Where("id = ? AND delivery_health = ?", ec.contact.ID, models.HealthUnknown).
		Update("delivery_health", models.HealthValid).Error
}

func (r *Reactor) applyOpened(tx *gorm.DB, ec *eventContext) error {
	if ec.message != nil {
		first, err := setOnce(tx, &models.Email{}, ec.message.ID, "opened_at", ec.now)
		if err != nil {
			return err
		}
		if err := increment(tx, &models.Email{}, ec.message.ID, "open_count"); err != nil {
			return err
		}
		if err := advanceEmailStatus(tx, ec.message.ID, models.EmailOpened, models.EmailSent, models.EmailDelivered); err != nil {
			return err
		}
		if first {
			if err := increment(tx, &models.Campaign{}, ec.message.CampaignID, "open_count"); err != nil {
				return err
			}
		}
	}
	return tx.Model(&models.Contact{}).Where("id = ?", ec.contact.ID).
		Updates(map[string]interface{}{
			"open_count":     gorm.Expr("open_count + ?", 1),
			"last_opened_at": ec.now,
		}).Error
}

func (r *Reactor) applyClicked(tx *gorm.DB, ec *eventContext) error {
	if ec.message != nil {
		first, err := setOnce(tx, &models.Email{}, ec.message.ID, "clicked_at", ec.now)
		if err != nil {
			return err
		}
		if err := increment(tx, &models.Email{}, ec.message.ID, "click_count"); err != nil {
			return err
		}
		if err := advanceEmailStatus(tx, ec.message.ID, models.EmailClicked, models.EmailSent, models.EmailDelivered, models.EmailOpened); err != nil {
			return err
		}
		if ec.ev.Link != "" {
			var current models.Email
			if err := tx.Select("id", "clicked_urls").Take(&current, ec.message.ID).Error; err != nil {
				return err
			}
			if !containsString(current.ClickedURLs, ec.ev.Link) {
				urls := append(current.ClickedURLs, ec.ev.Link)
				if err := tx.Model(&current).Select("clicked_urls").
					Updates(&models.Email{ClickedURLs: urls}).Error; err != nil {
					return err
				}
			}
		}
		if first {
			if err := increment(tx, &models.Campaign{}, ec.message.CampaignID, "click_count"); err != nil {
				return err
			}
		}
	}
	return tx.Model(&models.Contact{}).Where("id = ?", ec.contact.ID).
		Updates(map[string]interface{}{
			"click_count":     gorm.Expr("click_count + ?", 1),
			"last_clicked_at": ec.now,
		}).Error
}

// applyReplied stops only the campaign the reply belongs to, so the contact
// keeps progressing in other campaigns.
func (r *Reactor) applyReplied(tx *gorm.DB, ec *eventContext) error {
	if err := tx.Model(&models.Contact{}).Where("id = ?", ec.contact.ID).
		Update("has_responded", true).Error; err != nil {
		return err
	}
	if _, err := setOnce(tx, &models.Contact{}, ec.contact.ID, "responded_at", ec.now); err != nil {
		return err
	}

	if ec.message != nil {
		if _, err := setOnce(tx, &models.Email{}, ec.message.ID, "replied_at", ec.now); err != nil {
			return err
		}
		if err := advanceEmailStatus(tx, ec.message.ID, models.EmailReplied,
			models.EmailSent, models.EmailDelivered, models.EmailOpened, models.EmailClicked); err != nil {
			return err
		}
		return r.stopForReply(tx, ec, ec.message.CampaignID)
	}

	// a message id pointing at another contact is too ambiguous to stop everything on
	if r.ReplyFallback == ReplyFallbackReview || ec.mismatched {
		ec.detail = "reply not correlated to a campaign, held for review"
		r.Logger.WithField("contact_id", ec.contact.ID).Warn("Uncorrelated reply held for review")
		return nil
	}

	var campaignIDs []uint
	if err := models.ActiveEnrollments(tx.Model(&models.Enrollment{})).
		Where("contact_id = ?", ec.contact.ID).
		Pluck("campaign_id", &campaignIDs).Error; err != nil {
		return err
	}
	r.Logger.WithFields(logrus.Fields{
		"contact_id": ec.contact.ID,
		"campaigns":  campaignIDs,
	}).Warn("Reply not correlated to a campaign, stopping all active enrollments")
	ec.detail = "reply not correlated to a campaign, all enrollments stopped"
	for _, campaignID := range campaignIDs {
		if err := r.stopForReply(tx, ec, campaignID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reactor) stopForReply(tx *gorm.DB, ec *eventContext, campaignID uint) error {
	res := tx.Model(&models.Enrollment{}).
		Where("contact_id = ? AND campaign_id = ? AND replied_at IS NULL", ec.contact.ID, campaignID).
		Update("replied_at", ec.now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		if err := increment(tx, &models.Campaign{}, campaignID, "response_count"); err != nil {
			return err
		}
		ec.stopped = append(ec.stopped, campaignID)
	}
	return skipScheduled(tx, ec.contact.ID, &campaignID, models.StepSkippedReplied)
}

func (r *Reactor) applyBounced(tx *gorm.DB, ec *eventContext) error {
	bounceType := InferBounceType(ec.ev.Event, ec.ev.BounceType)

	contactUpdates := map[string]interface{}{"bounce_reason": ec.ev.Reason}
	if bounceType == models.BounceHard || ec.contact.BounceType != models.BounceHard {
		contactUpdates["bounce_type"] = bounceType
	}
	if err := tx.Model(&models.Contact{}).Where("id = ?", ec.contact.ID).Updates(contactUpdates).Error; err != nil {
		return err
	}
	if err := tx.Model(&models.Contact{}).
		Where("id = ? AND delivery_health <> ?", ec.contact.ID, models.HealthBlocked).
		Update("delivery_health", models.HealthBounced).Error; err != nil {
		return err
	}
	if _, err := setOnce(tx, &models.Contact{}, ec.contact.ID, "bounced_at", ec.now); err != nil {
		return err
	}

	if ec.message != nil {
		first, err := setOnce(tx, &models.Email{}, ec.message.ID, "bounced_at", ec.now)
		if err != nil {
			return err
		}
		if err := tx.Model(&models.Email{}).Where("id = ?", ec.message.ID).
			Updates(map[string]interface{}{
				"status":        models.EmailBounced,
				"bounce_type":   bounceType,
				"bounce_reason": ec.ev.Reason,
			}).Error; err != nil {
			return err
		}
		if first {
			if err := increment(tx, &models.Campaign{}, ec.message.CampaignID, "bounce_count"); err != nil {
				return err
			}
		}
	}

	type activeEnrollment struct {
		ID           uint
		CampaignID   uint
		StopOnBounce bool
	}
	var active []activeEnrollment
	err := tx.Table("enrollments").
		Select("enrollments.id, enrollments.campaign_id, COALESCE(sequences.stop_on_bounce, ?) AS stop_on_bounce", true).
		Joins("JOIN campaigns ON campaigns.id = enrollments.campaign_id").
		Joins("LEFT JOIN sequences ON sequences.id = campaigns.sequence_id").
		Where("enrollments.contact_id = ? AND enrollments.deleted_at IS NULL", ec.contact.ID).
		Where("enrollments.replied_at IS NULL AND enrollments.sequence_completed_at IS NULL").
		Scan(&active).Error
	if err != nil {
		return err
	}

	reason := string(bounceType) + "_bounce"
	for _, e := range active {
		if bounceType != models.BounceHard && !e.StopOnBounce {
			continue
		}
		if err := r.stopEnrollment(tx, ec, e.ID, e.CampaignID, reason, models.StepSkippedBounced); err != nil {
			return err
		}
	}
	return nil
}

// applyBlocked always stops every active enrollment and skips every pending
// step of the contact.
func (r *Reactor) applyBlocked(tx *gorm.DB, ec *eventContext) error {
	if err := tx.Model(&models.Contact{}).Where("id = ?", ec.contact.ID).
		Updates(map[string]interface{}{
			"delivery_health": models.HealthBlocked,
			"blocked_reason":  ec.ev.Reason,
		}).Error; err != nil {
		return err
	}
	if _, err := setOnce(tx, &models.Contact{}, ec.contact.ID, "blocked_at", ec.now); err != nil {
		return err
	}

	if ec.message == nil {
		var latest models.Email
		err := tx.Where("contact_id = ?", ec.contact.ID).Order("sent_at DESC, id DESC").Take(&latest).Error
		switch {
		case err == nil:
			ec.message = &latest
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
	}
	if ec.message != nil {
		first, err := setOnce(tx, &models.Email{}, ec.message.ID, "blocked_at", ec.now)
		if err != nil {
			return err
		}
		if err := tx.Model(&models.Email{}).Where("id = ?", ec.message.ID).
			Updates(map[string]interface{}{
				"status":         models.EmailBlocked,
				"blocked_reason": ec.ev.Reason,
			}).Error; err != nil {
			return err
		}
		if first {
			if err := increment(tx, &models.Campaign{}, ec.message.CampaignID, "blocked_count"); err != nil {
				return err
			}
		}
	}

	return r.stopAll(tx, ec, models.CompletionBlocked, models.StepSkippedBlocked)
}

// applyUnsubscribed handles unsubscribes and spam complaints. Both stop every
// campaign; a complaint also bars future enrollment.
func (r *Reactor) applyUnsubscribed(tx *gorm.DB, ec *eventContext, spam bool) error {
	if err := tx.Model(&models.Contact{}).Where("id = ?", ec.contact.ID).
		Update("unsubscribed", true).Error; err != nil {
		return err
	}
	if _, err := setOnce(tx, &models.Contact{}, ec.contact.ID, "unsubscribed_at", ec.now); err != nil {
		return err
	}
	reason := models.CompletionUnsubscribed
	if spam {
		reason = models.CompletionSpamComplaint
		if err := tx.Model(&models.Contact{}).Where("id = ?", ec.contact.ID).
			Update("marked_as_spam", true).Error; err != nil {
			return err
		}
		if _, err := setOnce(tx, &models.Contact{}, ec.contact.ID, "spam_reported_at", ec.now); err != nil {
			return err
		}
	}

	if ec.message != nil {
		first, err := setOnce(tx, &models.Email{}, ec.message.ID, "unsubscribed_at", ec.now)
		if err != nil {
			return err
		}
		if spam {
			if _, err := setOnce(tx, &models.Email{}, ec.message.ID, "complained_at", ec.now); err != nil {
				return err
			}
			if err := tx.Model(&models.Email{}).Where("id = ?", ec.message.ID).
				Update("status", models.EmailComplained).Error; err != nil {
				return err
			}
		}
		if first {
			if err := increment(tx, &models.Campaign{}, ec.message.CampaignID, "unsubscribe_count"); err != nil {
				return err
			}
		}
	}

	return r.stopAll(tx, ec, reason, models.StepSkippedUnsubscribed)
}

// stopAll closes every open enrollment of the contact and skips all of its
// pending steps, including those of already-closed enrollments.
func (r *Reactor) stopAll(tx *gorm.DB, ec *eventContext, reason string, skip models.StepStatus) error {
	var campaignIDs []uint
	if err := models.ActiveEnrollments(tx.Model(&models.Enrollment{})).
		Where("contact_id = ?", ec.contact.ID).
		Pluck("campaign_id", &campaignIDs).Error; err != nil {
		return err
	}
	if err := models.ActiveEnrollments(tx.Model(&models.Enrollment{})).
		Where("contact_id = ?", ec.contact.ID).
		Updates(map[string]interface{}{
			"sequence_completed_at": ec.now,
			"completion_reason":     reason,
		}).Error; err != nil {
		return err
	}
	ec.stopped = append(ec.stopped, campaignIDs...)
	return skipScheduled(tx, ec.contact.ID, nil, skip)
}

func (r *Reactor) stopEnrollment(tx *gorm.DB, ec *eventContext, enrollmentID, campaignID uint, reason string, skip models.StepStatus) error {
	res := models.ActiveEnrollments(tx.Model(&models.Enrollment{})).
		Where("id = ?", enrollmentID).
		Updates(map[string]interface{}{
			"sequence_completed_at": ec.now,
			"completion_reason":     reason,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		ec.stopped = append(ec.stopped, campaignID)
	}
	return skipScheduled(tx, ec.contact.ID, &campaignID, skip)
}

func (r *Reactor) newRecord(ev ProviderEvent, eventType EventType) *models.WebhookEvent {
	record := &models.WebhookEvent{
		Provider:          ev.Provider,
		EventType:         ev.Event,
		NormalizedType:    string(eventType),
		ProviderEventID:   ev.EventID,
		ProviderMessageID: ev.MessageID,
		Email:             models.NormalizeEmail(ev.Email),
		EventData:         ev.Raw,
		IP:                ev.IP,
		UserAgent:         ev.UserAgent,
		ClickedURL:        ev.Link,
		BounceReason:      ev.Reason,
		EventTimestamp:    ev.Timestamp,
	}
	if eventType == EventBounced {
		record.BounceType = string(InferBounceType(ev.Event, ev.BounceType))
	}
	return record
}

func (r *Reactor) finish(ctx context.Context, record *models.WebhookEvent, out *EventOutcome) {
	now := r.Now()
	record.ProcessedAt = &now
	record.Outcome = string(out.Outcome)
	if err := r.DB.WithContext(ctx).Create(record).Error; err != nil {
		utils.LogError("webhook_event_record", err, map[string]interface{}{
			"event": record.EventType,
			"email": record.Email,
		})
	}
	if r.Metrics != nil {
		r.Metrics.EventsProcessed.WithLabelValues(string(out.EventType), string(out.Outcome)).Inc()
	}
}

func (r *Reactor) release(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := r.Deduper.Release(ctx, key); err != nil {
		r.Logger.WithError(err).WithField("key", key).Warn("Failed to release event dedup key")
	}
}

func (r *Reactor) notify(ec *eventContext, eventType EventType, out *EventOutcome) {
	notifier := notifierOrNop(r.Notifier)
	notifier.Publish(ActivityEvent{
		Type:       "event." + string(eventType),
		CampaignID: out.CampaignID,
		ContactID:  out.ContactID,
		Status:     string(out.Outcome),
		Detail:     out.Detail,
		At:         ec.now,
	})
	for _, campaignID := range ec.stopped {
		notifier.Publish(ActivityEvent{
			Type:       "enrollment.stopped",
			CampaignID: campaignID,
			ContactID:  out.ContactID,
			Status:     string(eventType),
			At:         ec.now,
		})
	}
}

// setOnce sets column to value only while it is NULL and reports whether it did.
func setOnce(tx *gorm.DB, model interface{}, id uint, column string, value interface{}) (bool, error) {
	res := tx.Model(model).Where("id = ? AND "+column+" IS NULL", id).Update(column, value)
	return res.RowsAffected > 0, res.Error
}

func increment(tx *gorm.DB, model interface{}, id uint, column string) error {
	return tx.Model(model).Where("id = ?", id).Update(column, gorm.Expr(column+" + ?", 1)).Error
}

func advanceEmailStatus(tx *gorm.DB, id uint, to models.EmailStatus, from ...models.EmailStatus) error {
	return tx.Model(&models.Email{}).Where("id = ? AND status IN ?", id, from).Update("status", to).Error
}

// skipScheduled moves still-scheduled steps of a contact, optionally limited
// to one campaign, to a skipped state.
func skipScheduled(tx *gorm.DB, contactID uint, campaignID *uint, status models.StepStatus) error {
	q := tx.Model(&models.ScheduledStep{}).Where("contact_id = ? AND status = ?", contactID, models.StepScheduled)
	if campaignID != nil {
		q = q.Where("campaign_id = ?", *campaignID)
	}
	return q.Update("status", status).Error
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
