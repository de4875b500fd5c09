package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sequenceflow/metrics"
	"sequenceflow/models"
	"sequenceflow/sequence"
	"sequenceflow/utils"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Dispatch outcomes, also used as metric labels.
const (
	outcomeSent      = "sent"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
	outcomeDeferred  = "deferred"
	outcomeConflict  = "conflict"
	outcomeRecovered = "duplicate_recovered"
)

// DispatchConfig tunes the dispatch loop.
type DispatchConfig struct {
	Interval        time.Duration
	BatchSize       int
	StaleClaimAfter time.Duration
	MessageIDDomain string
	FromEmail       string
	FromName        string
}

// DispatchSummary counts what one pass did with the due steps.
type DispatchSummary struct {
	Due           int   `json:"due"`
	Sent          int   `json:"sent"`
	Failed        int   `json:"failed"`
	Skipped       int   `json:"skipped"`
	Deferred      int   `json:"deferred"`
	Conflicts     int   `json:"conflicts"`
	Recovered     int   `json:"recovered"`
	StaleReleased int64 `json:"stale_released"`
}

func (s *DispatchSummary) count(outcome string) {
	switch outcome {
	case outcomeSent:
		s.Sent++
	case outcomeFailed:
		s.Failed++
	case outcomeSkipped:
		s.Skipped++
	case outcomeDeferred:
		s.Deferred++
	case outcomeConflict:
		s.Conflicts++
	case outcomeRecovered:
		s.Recovered++
	}
}

// DispatchWorker sends due scheduled steps. Every step is claimed with a
// conditional update before sending, so overlapping passes or processes never
// send the same step twice.
type DispatchWorker struct {
	DB        *gorm.DB
	Sender    utils.Sender
	Scheduler *sequence.Scheduler
	Renderer  sequence.Renderer
	Notifier  sequence.ActivityNotifier
	Metrics   *metrics.Metrics
	Logger    *logrus.Logger
	Config    DispatchConfig
	Now       func() time.Time
}

func NewDispatchWorker(db *gorm.DB, sender utils.Sender, scheduler *sequence.Scheduler, renderer sequence.Renderer, m *metrics.Metrics, logger *logrus.Logger, cfg DispatchConfig) *DispatchWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &DispatchWorker{
		DB:        db,
		Sender:    sender,
		Scheduler: scheduler,
		Renderer:  renderer,
		Metrics:   m,
		Logger:    logger,
		Config:    cfg,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start runs a pass immediately and then on every tick until ctx is done.
func (dw *DispatchWorker) Start(ctx context.Context) {
	dw.Logger.WithField("interval", dw.Config.Interval).Info("Dispatch worker started")

	ticker := time.NewTicker(dw.Config.Interval)
	defer ticker.Stop()

	for {
		if _, err := dw.RunOnce(ctx); err != nil && ctx.Err() == nil {
			utils.LogError("dispatch_pass", err, nil)
		}
		select {
		case <-ctx.Done():
			dw.Logger.Info("Dispatch worker shutting down...")
			return
		case <-ticker.C:
		}
	}
}

// passCache keeps campaigns and resolved sequences for the duration of one pass.
type passCache struct {
	campaigns map[uint]*models.Campaign
	resolved  map[uint]*sequence.ResolvedSequence
	errs      map[uint]error
}

// RunOnce performs one dispatch pass over the steps due now.
func (dw *DispatchWorker) RunOnce(ctx context.Context) (*DispatchSummary, error) {
	start := time.Now()
	defer func() {
		if dw.Metrics != nil {
			dw.Metrics.DispatchPassDuration.Observe(time.Since(start).Seconds())
		}
	}()

	db := dw.DB.WithContext(ctx)
	now := dw.Now()
	summary := &DispatchSummary{}

	if dw.Config.StaleClaimAfter > 0 {
		released, err := sequence.ReleaseStaleClaims(db, now.Add(-dw.Config.StaleClaimAfter))
		if err != nil {
			return nil, fmt.Errorf("failed to release stale claims: %w", err)
		}
		summary.StaleReleased = released
		if released > 0 {
			dw.Logger.WithField("count", released).Warn("Released stale step claims as failed")
			if dw.Metrics != nil {
				dw.Metrics.StaleClaimsReleased.Add(float64(released))
			}
		}
	}

	active := db.Model(&models.Campaign{}).Select("id").Where("status = ?", models.CampaignActive)
	var due []models.ScheduledStep
	if err := db.
		Where("status = ? AND scheduled_datetime <= ?", models.StepScheduled, now).
		Where("campaign_id IN (?)", active).
		Order("scheduled_datetime ASC, id ASC").
		Limit(dw.Config.BatchSize).
		Find(&due).Error; err != nil {
		return nil, fmt.Errorf("failed to load due steps: %w", err)
	}
	summary.Due = len(due)

	cache := &passCache{
		campaigns: map[uint]*models.Campaign{},
		resolved:  map[uint]*sequence.ResolvedSequence{},
		errs:      map[uint]error{},
	}
	for i := range due {
		if ctx.Err() != nil {
			break
		}
		outcome := dw.processStep(ctx, cache, &due[i])
		summary.count(outcome)
		if dw.Metrics != nil {
			dw.Metrics.StepsDispatched.WithLabelValues(outcome).Inc()
		}
	}

	if summary.Due > 0 || summary.StaleReleased > 0 {
		dw.Logger.WithFields(logrus.Fields{
			"due":       summary.Due,
			"sent":      summary.Sent,
			"failed":    summary.Failed,
			"skipped":   summary.Skipped,
			"deferred":  summary.Deferred,
			"conflicts": summary.Conflicts,
			"recovered": summary.Recovered,
		}).Info("Dispatch pass finished")
	}
	return summary, ctx.Err()
}

func (dw *DispatchWorker) processStep(ctx context.Context, cache *passCache, step *models.ScheduledStep) string {
	db := dw.DB.WithContext(ctx)
	log := dw.Logger.WithFields(logrus.Fields{
		"step_id":     step.ID,
		"campaign_id": step.CampaignID,
		"contact_id":  step.ContactID,
		"step":        step.SequenceStep,
	})

	campaign, err := dw.campaign(db, cache, step.CampaignID)
	if err != nil {
		log.WithError(err).Error("Failed to load campaign")
		return outcomeDeferred
	}
	if campaign.Status != models.CampaignActive {
		return outcomeDeferred
	}

	var enrollment models.Enrollment
	if err := db.First(&enrollment, step.EnrollmentID).Error; err != nil {
		return dw.claimAndFail(db, step, log, fmt.Errorf("failed to load enrollment %d: %w", step.EnrollmentID, err))
	}
	var contact models.Contact
	if err := db.First(&contact, step.ContactID).Error; err != nil {
		return dw.claimAndFail(db, step, log, fmt.Errorf("failed to load contact %d: %w", step.ContactID, err))
	}

	resolved, err := dw.resolve(db, cache, campaign)
	if err != nil {
		return dw.claimAndFail(db, step, log, err)
	}

	if sup, ok := sequence.CheckSuppression(&contact, &enrollment, resolved.StopOnBounce); ok {
		return dw.skip(db, step, &enrollment, sup, log)
	}

	now := dw.Now()
	claimed, err := sequence.ClaimStep(db, step.ID, now)
	if err != nil {
		log.WithError(err).Error("Failed to claim step")
		return outcomeConflict
	}
	if !claimed {
		log.Debug("Step already claimed by another pass")
		return outcomeConflict
	}
	step.Status = models.StepProcessing

	current, ok := resolved.Step(step.SequenceStep)
	if !ok {
		return dw.fail(db, step, log, fmt.Errorf("step %d is not part of sequence %d", step.SequenceStep, resolved.SequenceID))
	}

	msg := dw.Renderer.Render(current.Template, &contact, campaign)
	out := utils.OutboundEmail{
		To:            contact.Email,
		ToName:        fullName(&contact),
		Subject:       msg.Subject,
		HTMLBody:      msg.HTMLBody,
		TextBody:      msg.TextBody,
		FromEmail:     firstNonEmpty(campaign.FromEmail, dw.Config.FromEmail),
		FromName:      firstNonEmpty(campaign.FromName, dw.Config.FromName),
		CorrelationID: utils.NewMessageID(dw.Config.MessageIDDomain),
	}
	if step.SequenceStep > 0 {
		if err := dw.thread(db, step, &out); err != nil {
			log.WithError(err).Warn("Failed to load thread history, sending without threading headers")
		}
	}

	sendStart := time.Now()
	res, err := dw.Sender.Send(ctx, out)
	if dw.Metrics != nil {
		dw.Metrics.SendLatency.WithLabelValues(dw.Sender.Name()).Observe(time.Since(sendStart).Seconds())
	}
	if err != nil {
		return dw.fail(db, step, log, fmt.Errorf("send via %s failed: %w", dw.Sender.Name(), err))
	}
	if res == nil {
		res = &utils.SendResult{}
	}

	sentAt := dw.Now()
	email := &models.Email{
		ContactID:         contact.ID,
		CampaignID:        campaign.ID,
		SequenceStep:      step.SequenceStep,
		ScheduledStepID:   step.ID,
		Subject:           out.Subject,
		HTMLBody:          out.HTMLBody,
		TextBody:          out.TextBody,
		FromEmail:         out.FromEmail,
		ToEmail:           out.To,
		MessageID:         out.CorrelationID,
		ProviderMessageID: utils.StripID(res.ProviderMessageID),
		ThreadMessageID:   firstNonEmpty(res.ThreadMessageID, out.InReplyTo, out.CorrelationID),
		Status:            models.EmailSent,
		SentAt:            sentAt,
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		return dw.finalize(tx, resolved, step, &enrollment, email, sentAt)
	})
	switch {
	case err == nil:
		log.WithField("message_id", email.MessageID).Info("Step sent")
		dw.publish(step, outcomeSent, "")
		return outcomeSent
	case sequence.IsDuplicateKey(err):
		return dw.recoverDuplicate(db, resolved, step, &enrollment, log)
	default:
		// The provider accepted the message, so the step must not be sent again.
		utils.LogError("dispatch_finalize", err, map[string]interface{}{
			"step_id":     step.ID,
			"campaign_id": step.CampaignID,
			"contact_id":  step.ContactID,
		})
		dw.markSentWithError(db, resolved, step, &enrollment, sentAt, err, log)
		dw.publish(step, outcomeSent, "sent but not fully recorded")
		return outcomeSent
	}
}

// finalize records a successful send and schedules the next step.
func (dw *DispatchWorker) finalize(tx *gorm.DB, resolved *sequence.ResolvedSequence, step *models.ScheduledStep, enrollment *models.Enrollment, email *models.Email, sentAt time.Time) error {
	if err := tx.Create(email).Error; err != nil {
		return err
	}
	res := tx.Model(&models.ScheduledStep{}).
		Where("id = ? AND status = ?", step.ID, models.StepProcessing).
		Updates(map[string]interface{}{
			"status":   models.StepSent,
			"sent_at":  sentAt,
			"email_id": email.ID,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("step %d is no longer processing", step.ID)
	}
	if err := tx.Model(&models.Enrollment{}).Where("id = ?", enrollment.ID).
		Update("current_sequence_step", step.SequenceStep).Error; err != nil {
		return err
	}
	if err := tx.Model(&models.Campaign{}).Where("id = ?", step.CampaignID).
		Update("sent_count", gorm.Expr("sent_count + ?", 1)).Error; err != nil {
		return err
	}
	if err := tx.Model(&models.Contact{}).Where("id = ?", step.ContactID).
		Update("last_contacted_at", sentAt).Error; err != nil {
		return err
	}
	_, err := dw.Scheduler.ScheduleNext(tx, resolved, enrollment.ID, step, sentAt)
	return err
}

// recoverDuplicate links the step to the Email already recorded for it.
func (dw *DispatchWorker) recoverDuplicate(db *gorm.DB, resolved *sequence.ResolvedSequence, step *models.ScheduledStep, enrollment *models.Enrollment, log *logrus.Entry) string {
	var existing models.Email
	err := db.Where("campaign_id = ? AND contact_id = ? AND sequence_step = ?", step.CampaignID, step.ContactID, step.SequenceStep).
		Take(&existing).Error
	if err != nil {
		return dw.fail(db, step, log, fmt.Errorf("duplicate email for step but existing record not found: %w", err))
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.ScheduledStep{}).Where("id = ?", step.ID).
			Updates(map[string]interface{}{
				"status":   models.StepSent,
				"sent_at":  existing.SentAt,
				"email_id": existing.ID,
			}).Error; err != nil {
			return err
		}
		_, err := dw.Scheduler.ScheduleNext(tx, resolved, enrollment.ID, step, existing.SentAt)
		return err
	})
	if err != nil {
		utils.LogError("dispatch_duplicate_recovery", err, map[string]interface{}{"step_id": step.ID})
		return outcomeFailed
	}

	log.WithField("email_id", existing.ID).Warn("Email already recorded for step, linked existing record (duplicate_recovered)")
	dw.publish(step, outcomeRecovered, "")
	return outcomeRecovered
}

func (dw *DispatchWorker) markSentWithError(db *gorm.DB, resolved *sequence.ResolvedSequence, step *models.ScheduledStep, enrollment *models.Enrollment, sentAt time.Time, cause error, log *logrus.Entry) {
	if err := db.Model(&models.ScheduledStep{}).Where("id = ?", step.ID).
		Updates(map[string]interface{}{
			"status":        models.StepSent,
			"sent_at":       sentAt,
			"error_message": "sent but not recorded: " + cause.Error(),
		}).Error; err != nil {
		log.WithError(err).Error("Failed to mark step sent after finalize error")
		return
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := dw.Scheduler.ScheduleNext(tx, resolved, enrollment.ID, step, sentAt)
		return err
	})
	if err != nil {
		log.WithError(err).Error("Failed to schedule next step after finalize error")
	}
}

func (dw *DispatchWorker) skip(db *gorm.DB, step *models.ScheduledStep, enrollment *models.Enrollment, sup sequence.Suppression, log *logrus.Entry) string {
	var skipped bool
	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		skipped, err = sequence.SkipStep(tx, step.ID, sup.Status)
		if err != nil || !skipped || sup.CompletionReason == "" {
			return err
		}
		return models.ActiveEnrollments(tx.Model(&models.Enrollment{})).
			Where("id = ?", enrollment.ID).
			Updates(map[string]interface{}{
				"sequence_completed_at": dw.Now(),
				"completion_reason":     sup.CompletionReason,
			}).Error
	})
	if err != nil {
		log.WithError(err).Error("Failed to skip suppressed step")
		return outcomeConflict
	}
	if !skipped {
		return outcomeConflict
	}
	log.WithField("status", sup.Status).Info("Step suppressed")
	dw.publish(step, outcomeSkipped, string(sup.Status))
	return outcomeSkipped
}

// claimAndFail moves a step that can never be sent to failed, as long as no
// other pass holds it.
func (dw *DispatchWorker) claimAndFail(db *gorm.DB, step *models.ScheduledStep, log *logrus.Entry, cause error) string {
	claimed, err := sequence.ClaimStep(db, step.ID, dw.Now())
	if err != nil || !claimed {
		return outcomeConflict
	}
	return dw.fail(db, step, log, cause)
}

func (dw *DispatchWorker) fail(db *gorm.DB, step *models.ScheduledStep, log *logrus.Entry, cause error) string {
	log.WithError(cause).Error("Step failed")
	if err := sequence.FailStep(db, step.ID, cause); err != nil {
		log.WithError(err).Error("Failed to record step failure")
	}
	dw.publish(step, outcomeFailed, cause.Error())
	return outcomeFailed
}

// thread fills In-Reply-To and References from earlier messages of the same enrollment.
func (dw *DispatchWorker) thread(db *gorm.DB, step *models.ScheduledStep, out *utils.OutboundEmail) error {
	var previous []models.Email
	if err := db.Select("message_id", "sequence_step").
		Where("campaign_id = ? AND contact_id = ? AND sequence_step < ?", step.CampaignID, step.ContactID, step.SequenceStep).
		Order("sequence_step ASC").
		Find(&previous).Error; err != nil {
		return err
	}
	for _, p := range previous {
		if p.MessageID != "" {
			out.References = append(out.References, p.MessageID)
		}
	}
	if n := len(out.References); n > 0 {
		out.InReplyTo = out.References[n-1]
	}
	return nil
}

func (dw *DispatchWorker) campaign(db *gorm.DB, cache *passCache, id uint) (*models.Campaign, error) {
	if c, ok := cache.campaigns[id]; ok {
		return c, nil
	}
	var c models.Campaign
	if err := db.First(&c, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("campaign %d: %w", id, sequence.ErrNotFound)
		}
		return nil, err
	}
	cache.campaigns[id] = &c
	return &c, nil
}

func (dw *DispatchWorker) resolve(db *gorm.DB, cache *passCache, campaign *models.Campaign) (*sequence.ResolvedSequence, error) {
	if err, ok := cache.errs[campaign.ID]; ok {
		return nil, err
	}
	if rs, ok := cache.resolved[campaign.ID]; ok {
		return rs, nil
	}
	rs, err := sequence.ResolveCampaign(db, campaign)
	if err != nil {
		cache.errs[campaign.ID] = err
		return nil, err
	}
	cache.resolved[campaign.ID] = rs
	return rs, nil
}

func (dw *DispatchWorker) publish(step *models.ScheduledStep, outcome, detail string) {
	if dw.Notifier == nil {
		return
	}
	n := step.SequenceStep
	dw.Notifier.Publish(sequence.ActivityEvent{
		Type:       "step." + outcome,
		CampaignID: step.CampaignID,
		ContactID:  step.ContactID,
		Step:       &n,
		Status:     outcome,
		Detail:     detail,
		At:         dw.Now(),
	})
}

func fullName(c *models.Contact) string {
	switch {
	case c.FirstName != "" && c.LastName != "":
		return c.FirstName + " " + c.LastName
	case c.FirstName != "":
		return c.FirstName
	}
	return c.LastName
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
