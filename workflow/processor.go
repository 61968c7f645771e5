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

const maxReportedFailures = 20

// BatchResult reports per-record outcomes for one processed batch. Locked
// writes are not errors and never count against retry budgets.
type BatchResult struct {
	Succeeded    int             `json:"succeeded"`
	Failed       int             `json:"failed"`
	StaleSkipped int             `json:"stale_skipped"`
	Locked       int             `json:"locked"`
	Failures     []RecordFailure `json:"failures"`
}

func (r *BatchResult) addFailure(f RecordFailure) {
	r.Failed++
	if len(r.Failures) < maxReportedFailures {
		r.Failures = append(r.Failures, f)
	}
}

func processorBatchTimeout() time.Duration {
	return time.Duration(utils.IntFromEnv("PROCESSOR_BATCH_TIMEOUT_SECONDS", 120)) * time.Second
}

// ProcessBatch normalizes one raw batch and upserts every candidate by
// natural key. One transaction per record: each record lands fully or not at
// all, and a failing record never blocks its neighbours. A batch runs to
// completion once started; cancellation applies between batches.
func ProcessBatch(ctx context.Context, db *gorm.DB, batch *models.RawBatch, forceOverride bool, actor string, runId uint) (BatchResult, error) {
	logger := config.GetLogger()
	result := BatchResult{}

	ctx, cancel := context.WithTimeout(ctx, processorBatchTimeout())
	defer cancel()

	records, parseFailures := ParseBatch(batch)
	for _, f := range parseFailures {
		result.addFailure(f)
	}

	for i := range records {
		outcome, err := applyRecord(ctx, db, &records[i], forceOverride, actor, runId)
		if err != nil {
			result.addFailure(RecordFailure{ExternalId: records[i].ExternalId, Reason: err.Error()})
			continue
		}
		switch outcome {
		case recordApplied:
			result.Succeeded++
		case recordStale:
			result.StaleSkipped++
		case recordLocked:
			result.Locked++
		}
	}

	now := time.Now().UTC()
	if err := db.WithContext(ctx).Model(&models.RawBatch{}).
		Where("id = ?", batch.ID).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error; err != nil {
		return result, err
	}

	logger.WithFields(logrus.Fields{
		"field":     "Processor",
		"tenant_id": batch.TenantId,
		"batch_id":  batch.ID,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"stale":     result.StaleSkipped,
		"locked":    result.Locked,
	}).Info("raw batch processed")
	return result, nil
}

type recordOutcome int

const (
	recordApplied recordOutcome = iota
	recordStale
	recordLocked
)

// lockedWritePermitted decides whether a run may write through a historical
// lock. STRICT_HISTORICAL_LOCKS disables the force-override path entirely,
// for tenants whose locked periods are contractually immutable.
func lockedWritePermitted(forceOverride bool) bool {
	return forceOverride && !config.StrictHistoricalLocks()
}

// applyRecord writes one candidate inside one transaction, holding the
// tenant-date posting gate so the historical-lock check and the upsert are
// atomic against a concurrent lock sweep.
func applyRecord(ctx context.Context, db *gorm.DB, rec *models.CanonicalRecord, forceOverride bool, actor string, runId uint) (recordOutcome, error) {
	outcome := recordApplied
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := AcquireDatePostingGate(tx, rec.TenantId, rec.OccurredOn); err != nil {
			return err
		}
		defer ReleaseDatePostingGate(tx, rec.TenantId, rec.OccurredOn)

		locked, err := models.IsDateLocked(tx, rec.TenantId, rec.OccurredOn)
		if err != nil {
			return err
		}
		if locked {
			if !lockedWritePermitted(forceOverride) {
				outcome = recordLocked
				return nil
			}
			override := models.LockOverride{
				TenantId:   rec.TenantId,
				LockedDate: rec.OccurredOn,
				SyncRunId:  &runId,
				Actor:      actor,
				Reason:     "forced sync write through historical lock",
			}
			if err := models.RecordLockOverride(tx, &override); err != nil {
				return err
			}
		}

		upsert, err := models.ApplyCanonicalUpsert(tx, rec)
		if err != nil {
			return err
		}
		if upsert == models.UpsertStale {
			outcome = recordStale
		}
		return nil
	})
	return outcome, err
}
