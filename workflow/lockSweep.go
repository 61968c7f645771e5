package workflow

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/barops_backend/config"
	"bitbucket.org/mmdatafocus/barops_backend/models"
	"bitbucket.org/mmdatafocus/barops_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SweepResult reports one sweep pass.
type SweepResult struct {
	Candidates int `json:"candidates"`
	Locked     int `json:"locked"`
	Skipped    int `json:"skipped"`
}

type lockCandidate struct {
	TenantId   string
	OccurredOn time.Time
}

// SweepLocks creates HistoricalLocks for every (tenant, date) older than the
// retention window with at least one completed run covering the date and zero
// open anomalies. Locks are never auto-removed. A redis lock serializes the
// sweep across instances; per-candidate the posting gate serializes against
// concurrent processor writes.
func SweepLocks(ctx context.Context, db *gorm.DB, retentionDays int, actor string) (SweepResult, error) {
	logger := config.GetLogger()
	result := SweepResult{}

	sweepLock, err := utils.TenantLock(ctx, "global", "lock-sweep", 10*time.Minute)
	if err != nil {
		// Another instance is sweeping; that pass covers this one.
		logger.WithFields(logrus.Fields{"field": "LockSweep"}).Info("sweep already in progress elsewhere, skipping")
		return result, nil
	}
	defer func() { _ = sweepLock.Release(ctx) }()

	if retentionDays <= 0 {
		retentionDays = utils.IntFromEnv("LOCK_RETENTION_DAYS", 7)
	}
	cutoff := time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -retentionDays)

	ctx = utils.SetSkipTenantScopeInContext(ctx, true)
	var candidates []lockCandidate
	err = db.WithContext(ctx).Model(&models.CanonicalRecord{}).
		Select("DISTINCT tenant_id, occurred_on").
		Where("occurred_on <= ?", cutoff.Format("2006-01-02")).
		Where("NOT EXISTS (SELECT 1 FROM historical_locks hl WHERE hl.tenant_id = canonical_records.tenant_id AND hl.locked_date = canonical_records.occurred_on)").
		Scan(&candidates).Error
	if err != nil {
		return result, err
	}
	result.Candidates = len(candidates)

	for _, c := range candidates {
		locked, err := sweepOne(ctx, db, c, actor)
		if err != nil {
			config.LogError(logger, "LockSweep", "SweepLocks", "lock candidate", c, err)
			result.Skipped++
			continue
		}
		if locked {
			result.Locked++
		} else {
			result.Skipped++
		}
	}

	logger.WithFields(logrus.Fields{
		"field":      "LockSweep",
		"candidates": result.Candidates,
		"locked":     result.Locked,
		"skipped":    result.Skipped,
		"cutoff":     cutoff.Format("2006-01-02"),
	}).Info("historical lock sweep completed")
	return result, nil
}

func sweepOne(ctx context.Context, db *gorm.DB, c lockCandidate, actor string) (bool, error) {
	locked := false
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquireDatePostingGate(tx, c.TenantId, c.OccurredOn); err != nil {
			return err
		}
		defer ReleaseDatePostingGate(tx, c.TenantId, c.OccurredOn)

		openAnomalies, err := models.HasOpenAnomalies(tx, c.TenantId, c.OccurredOn)
		if err != nil {
			return err
		}
		if openAnomalies {
			return nil
		}

		// Partial runs have known record failures and never qualify a date
		// for locking.
		// Strict bound: a run whose window starts exactly at the next
		// midnight covers none of this date.
		var completedRuns int64
		err = tx.Model(&models.SyncRun{}).
			Where("tenant_id = ? AND status = ? AND window_start < ? AND window_end > ?",
				c.TenantId, models.SyncRunStatusCompleted,
				c.OccurredOn.Add(24*time.Hour), c.OccurredOn).
			Count(&completedRuns).Error
		if err != nil {
			return err
		}
		if completedRuns == 0 {
			return nil
		}

		created, err := models.CreateLockIfAbsent(tx, &models.HistoricalLock{
			TenantId:   c.TenantId,
			LockedDate: c.OccurredOn,
			LockedBy:   actor,
			Reason:     "retention window elapsed with no open anomalies",
		})
		if err != nil {
			return err
		}
		locked = created
		return nil
	})
	return locked, err
}
