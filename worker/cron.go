package worker

import (
	"context"
	"time"

	"sequenceflow/models"
	"sequenceflow/sequence"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CronManager runs the periodic enrollment jobs
type CronManager struct {
	cron       *cron.Cron
	enroller   *sequence.AutoEnroller
	db         *gorm.DB
	logger     *logrus.Logger
	schedule   string
	runTimeout time.Duration
}

// NewCronManager creates a cron manager running the auto-enrollment sweep on schedule
func NewCronManager(db *gorm.DB, enroller *sequence.AutoEnroller, schedule string, logger *logrus.Logger) *CronManager {
	if schedule == "" {
		schedule = "@hourly"
	}
	return &CronManager{
		cron:       cron.New(),
		enroller:   enroller,
		db:         db,
		logger:     logger,
		schedule:   schedule,
		runTimeout: 30 * time.Minute,
	}
}

// SetupJobs registers all scheduled jobs
func (cm *CronManager) SetupJobs() error {
	if _, err := cm.cron.AddFunc(cm.schedule, cm.runSweep); err != nil {
		return err
	}

	// Every 15 minutes: log the dispatch backlog
	if _, err := cm.cron.AddFunc("*/15 * * * *", cm.logBacklog); err != nil {
		return err
	}

	cm.logger.WithField("sweep_schedule", cm.schedule).Info("Cron jobs configured")
	return nil
}

func (cm *CronManager) runSweep() {
	cm.logger.Info("Running auto-enrollment sweep")

	ctx, cancel := context.WithTimeout(context.Background(), cm.runTimeout)
	defer cancel()

	if _, err := cm.enroller.Sweep(ctx); err != nil {
		cm.logger.WithError(err).Error("Auto-enrollment sweep failed")
	}
}

func (cm *CronManager) logBacklog() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	type row struct {
		Status string
		Count  int64
	}
	var rows []row
	if err := cm.db.WithContext(ctx).Model(&models.ScheduledStep{}).
		Select("status, COUNT(*) AS count").
		Where("status IN ?", []models.StepStatus{models.StepScheduled, models.StepProcessing, models.StepFailed}).
		Group("status").
		Scan(&rows).Error; err != nil {
		cm.logger.WithError(err).Warn("Failed to read dispatch backlog")
		return
	}
	fields := logrus.Fields{}
	for _, r := range rows {
		fields[r.Status] = r.Count
	}
	cm.logger.WithFields(fields).Info("Dispatch backlog")
}

// Start starts the cron scheduler
func (cm *CronManager) Start() {
	cm.logger.Info("Starting cron scheduler")
	cm.cron.Start()
}

// Stop stops the scheduler and waits for running jobs to finish
func (cm *CronManager) Stop() {
	cm.logger.Info("Stopping cron scheduler")
	<-cm.cron.Stop().Done()
}
