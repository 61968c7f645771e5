package workflow

import (
	"context"
	"encoding/json"
	"time"

	"bitbucket.org/mmdatafocus/barops_backend/adapters"
	"bitbucket.org/mmdatafocus/barops_backend/config"
	"bitbucket.org/mmdatafocus/barops_backend/models"
	"bitbucket.org/mmdatafocus/barops_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// CollectResult summarizes one collection pass. PagesFetched counts pages
// committed in this pass; pages retained from an earlier attempt are reused
// without refetching when the provider returns identical content.
type CollectResult struct {
	PagesFetched int
	PagesReused  int
}

func collectorMaxPages() int {
	return utils.IntFromEnv("COLLECTOR_MAX_PAGES", 50)
}

func collectorPageTimeout() time.Duration {
	return time.Duration(utils.IntFromEnv("COLLECTOR_PAGE_TIMEOUT_SECONDS", 60)) * time.Second
}

// Collect pages through the source adapter and persists each page as one
// immutable RawBatch. Collection is incremental and idempotent per page:
// batches committed before a failure stay valid and a retried run reuses
// them when the refetched page carries the same checksum. A page whose
// content changed supersedes the earlier batch, never deletes it.
func Collect(ctx context.Context, db *gorm.DB, run *models.SyncRun) (CollectResult, error) {
	logger := config.GetLogger()
	result := CollectResult{}

	adapter, err := adapters.Get(run.SourceSystem)
	if err != nil {
		return result, adapters.Permanent("%v", err)
	}

	cursor := ""
	maxPages := collectorMaxPages()
	for pageNo := 1; pageNo <= maxPages; pageNo++ {
		// Cancellation is honored between pages, never mid-fetch.
		select {
		case <-ctx.Done():
			return result, adapters.Retryable("collection cancelled: %v", ctx.Err())
		default:
		}

		fetchCtx, cancel := context.WithTimeout(ctx, collectorPageTimeout())
		page, err := adapter.Fetch(fetchCtx, adapters.FetchRequest{
			TenantId:    run.TenantId,
			DataType:    run.DataType,
			WindowStart: run.WindowStart,
			WindowEnd:   run.WindowEnd,
			PageNo:      pageNo,
			Cursor:      cursor,
		})
		cancel()
		if err != nil {
			return result, err
		}

		payload, marshalErr := json.Marshal(page.Records)
		if marshalErr != nil {
			return result, adapters.Permanent("encode page %d: %v", pageNo, marshalErr)
		}
		checksum := utils.Sha256Hex(payload)

		reused, commitErr := commitBatch(ctx, db, run, pageNo, page.NextCursor, checksum, payload, len(page.Records))
		if commitErr != nil {
			return result, adapters.Retryable("persist page %d: %v", pageNo, commitErr)
		}
		if reused {
			result.PagesReused++
		} else {
			result.PagesFetched++
			if utils.RawArchiveEnabled() {
				if archiveErr := utils.ArchiveRawBatch(ctx, run.TenantId, string(run.SourceSystem), run.ID, pageNo, payload); archiveErr != nil {
					logger.WithFields(logrus.Fields{
						"field":   "Collector",
						"run_id":  run.ID,
						"page_no": pageNo,
					}).Warn("raw archive upload failed: " + archiveErr.Error())
				}
			}
		}

		if !page.HasMore {
			return result, nil
		}
		cursor = page.NextCursor
	}

	// A provider that never stops paging is an adapter bug, not a transient
	// condition.
	return result, adapters.Permanent("page cap %d reached for run %d", maxPages, run.ID)
}

// commitBatch stores one page. An existing batch for (run, page) with the
// same checksum is reused as-is; a differing refetch inserts a new batch and
// marks the old one superseded.
func commitBatch(ctx context.Context, db *gorm.DB, run *models.SyncRun, pageNo int, cursor, checksum string, payload []byte, recordCount int) (reused bool, err error) {
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.RawBatch
		findErr := tx.Where("sync_run_id = ? AND page_no = ? AND superseded_by_batch_id IS NULL", run.ID, pageNo).
			Take(&existing).Error
		if findErr != nil && findErr != gorm.ErrRecordNotFound {
			return findErr
		}
		if findErr == nil {
			if existing.Checksum == checksum {
				reused = true
				return nil
			}
			// A refetch can flip back to content this run already stored and
			// superseded. Re-inserting would collide with the unique
			// (run, page, checksum) index, so resurrect the old batch instead.
			var prior models.RawBatch
			priorErr := tx.Where("sync_run_id = ? AND page_no = ? AND checksum = ? AND superseded_by_batch_id IS NOT NULL",
				run.ID, pageNo, checksum).Take(&prior).Error
			if priorErr != nil && priorErr != gorm.ErrRecordNotFound {
				return priorErr
			}
			if priorErr == nil {
				if err := tx.Model(&models.RawBatch{}).Where("id = ?", prior.ID).
					Updates(map[string]interface{}{
						"superseded_by_batch_id": nil,
						"processed":              false,
						"processed_at":           nil,
						"fetched_at":             time.Now().UTC(),
					}).Error; err != nil {
					return err
				}
				if err := tx.Model(&models.RawBatch{}).Where("id = ?", existing.ID).
					Update("superseded_by_batch_id", prior.ID).Error; err != nil {
					return err
				}
				reused = true
				return nil
			}
			batch := models.RawBatch{
				SyncRunId:       run.ID,
				TenantId:        run.TenantId,
				SourceSystem:    run.SourceSystem,
				DataType:        run.DataType,
				PageNo:          pageNo,
				Cursor:          cursor,
				Checksum:        checksum,
				RecordCountHint: recordCount,
				PayloadJSON:     payload,
				FetchedAt:       time.Now().UTC(),
			}
			if err := tx.Create(&batch).Error; err != nil {
				return err
			}
			return tx.Model(&models.RawBatch{}).Where("id = ?", existing.ID).
				Update("superseded_by_batch_id", batch.ID).Error
		}

		batch := models.RawBatch{
			SyncRunId:       run.ID,
			TenantId:        run.TenantId,
			SourceSystem:    run.SourceSystem,
			DataType:        run.DataType,
			PageNo:          pageNo,
			Cursor:          cursor,
			Checksum:        checksum,
			RecordCountHint: recordCount,
			PayloadJSON:     payload,
			FetchedAt:       time.Now().UTC(),
		}
		return tx.Create(&batch).Error
	})
	return reused, err
}
