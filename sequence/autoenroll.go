package sequence

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sequenceflow/metrics"
	"sequenceflow/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultSweepBatchSize = 500

// SweepResult summarizes one auto-enrollment sweep.
type SweepResult struct {
	Processed int                 `json:"processed"`
	Enrolled  int                 `json:"enrolled"`
	Skipped   int                 `json:"skipped"`
	Errors    int                 `json:"errors"`
	Failures  []EnrollmentFailure `json:"failures,omitempty"`
}

func (r *SweepResult) add(contactID uint, err error) {
	r.Processed++
	switch {
	case err == nil:
		r.Enrolled++
	case IsExpected(err):
		r.Skipped++
	default:
		r.Errors++
		r.Failures = append(r.Failures, EnrollmentFailure{ContactID: contactID, Error: err.Error()})
	}
}

// AutoEnroller enrolls matching contacts into campaigns that opted in to
// automatic enrollment.
type AutoEnroller struct {
	DB        *gorm.DB
	Engine    *EnrollmentEngine
	Metrics   *metrics.Metrics
	Logger    *logrus.Logger
	BatchSize int
}

func NewAutoEnroller(db *gorm.DB, engine *EnrollmentEngine, m *metrics.Metrics, logger *logrus.Logger, batchSize int) *AutoEnroller {
	if batchSize <= 0 {
		batchSize = defaultSweepBatchSize
	}
	return &AutoEnroller{DB: db, Engine: engine, Metrics: m, Logger: logger, BatchSize: batchSize}
}

// Sweep enrolls not-yet-enrolled eligible contacts into every active
// auto-enroll campaign. A failing contact or campaign is counted and the sweep
// moves on.
func (a *AutoEnroller) Sweep(ctx context.Context) (*SweepResult, error) {
	db := a.DB.WithContext(ctx)
	result := &SweepResult{}

	var campaigns []models.Campaign
	if err := db.Where("status = ? AND auto_enroll = ?", models.CampaignActive, true).
		Order("id ASC").Find(&campaigns).Error; err != nil {
		a.observe("error")
		return nil, fmt.Errorf("failed to load auto-enroll campaigns: %w", err)
	}

	for i := range campaigns {
		if err := ctx.Err(); err != nil {
			a.observe("cancelled")
			return result, err
		}
		campaign := &campaigns[i]
		log := a.Logger.WithField("campaign_id", campaign.ID)

		var candidates, enrolled int
		var lastID uint
	pages:
		for {
			if err := ctx.Err(); err != nil {
				a.observe("cancelled")
				return result, err
			}
			page, err := a.candidatePage(db, campaign, lastID)
			if err != nil {
				result.Errors++
				log.WithError(err).Error("Failed to load auto-enroll candidates")
				break
			}
			if len(page) == 0 {
				break
			}
			lastID = page[len(page)-1].ID

			for j := range page {
				if !campaign.Targeting.Matches(&page[j]) {
					continue
				}
				candidates++
				_, err := a.Engine.EnrollContact(ctx, &page[j], campaign)
				result.add(page[j].ID, err)
				if err == nil {
					enrolled++
				}
				var cfgErr *ConfigurationError
				if errors.As(err, &cfgErr) {
					log.WithError(err).Error("Campaign sequence is misconfigured, skipping campaign")
					break pages
				}
			}
			if len(page) < a.BatchSize {
				break
			}
		}
		log.WithFields(logrus.Fields{
			"candidates": candidates,
			"enrolled":   enrolled,
		}).Info("Auto-enrollment pass finished for campaign")
	}

	a.observe("ok")
	a.Logger.WithFields(logrus.Fields{
		"processed": result.Processed,
		"enrolled":  result.Enrolled,
		"skipped":   result.Skipped,
		"errors":    result.Errors,
	}).Info("Auto-enrollment sweep finished")
	return result, nil
}

// EnrollContact enrolls a single contact into every active auto-enroll
// campaign it matches. Used right after a contact is created or imported.
func (a *AutoEnroller) EnrollContact(ctx context.Context, contactID uint) (*SweepResult, error) {
	db := a.DB.WithContext(ctx)

	var contact models.Contact
	if err := db.First(&contact, contactID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("contact %d: %w", contactID, ErrNotFound)
		}
		return nil, err
	}

	var campaigns []models.Campaign
	if err := db.Where("status = ? AND auto_enroll = ?", models.CampaignActive, true).
		Order("id ASC").Find(&campaigns).Error; err != nil {
		return nil, fmt.Errorf("failed to load auto-enroll campaigns: %w", err)
	}

	result := &SweepResult{}
	for i := range campaigns {
		if !campaigns[i].Targeting.Matches(&contact) {
			continue
		}
		_, err := a.Engine.EnrollContact(ctx, &contact, &campaigns[i])
		result.add(contact.ID, err)
	}
	return result, nil
}

// candidatePage returns the next BatchSize contacts after afterID that could
// be enrolled in campaign. Eligibility the database can express is filtered in
// the query so rejected contacts do not fill every page; the caller still
// re-checks targeting and the engine re-checks the rest.
func (a *AutoEnroller) candidatePage(db *gorm.DB, campaign *models.Campaign, afterID uint) ([]models.Contact, error) {
	enrolled := db.Model(&models.Enrollment{}).Select("contact_id").Where("campaign_id = ?", campaign.ID)
	q := db.Model(&models.Contact{}).
		Where("id > ?", afterID).
		Where("is_active = ? AND unsubscribed = ? AND marked_as_spam = ?", true, false, false).
		Where("blocked_at IS NULL AND delivery_health <> ?", models.HealthBlocked).
		Where("NOT (delivery_health = ? AND bounce_type = ?)", models.HealthBounced, models.BounceHard).
		Where("id NOT IN (?)", enrolled)

	if column := targetingColumn(campaign.Targeting.Kind); column != "" && len(campaign.Targeting.Values) > 0 {
		values := make([]string, 0, len(campaign.Targeting.Values))
		for _, v := range campaign.Targeting.Values {
			values = append(values, strings.ToLower(strings.TrimSpace(v)))
		}
		q = q.Where("LOWER(TRIM("+column+")) IN ?", values)
	}

	var contacts []models.Contact
	if err := q.Order("id ASC").Limit(a.BatchSize).Find(&contacts).Error; err != nil {
		return nil, err
	}
	return contacts, nil
}

func targetingColumn(kind models.TargetingKind) string {
	switch kind {
	case models.TargetIndustry:
		return "industry"
	case models.TargetBusinessType:
		return "business_type"
	case models.TargetCompanySize:
		return "company_size"
	case models.TargetRiskLevel:
		return "risk_level"
	}
	return ""
}

func (a *AutoEnroller) observe(result string) {
	if a.Metrics != nil {
		a.Metrics.SweepRuns.WithLabelValues(result).Inc()
	}
}
