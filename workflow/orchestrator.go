package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/barops_backend/adapters"
	"bitbucket.org/mmdatafocus/barops_backend/config"
	"bitbucket.org/mmdatafocus/barops_backend/models"
	"bitbucket.org/mmdatafocus/barops_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrInvalidTrigger = errors.New("invalid trigger input")

	// errClaimLost means another worker took over the run (the dispatcher
	// reclaimed a stale claim); the losing worker must stand down without
	// touching run state.
	errClaimLost = errors.New("sync run claim lost")
)

var inFlightRunStatuses = []string{
	models.SyncRunStatusCollecting,
	models.SyncRunStatusCollected,
	models.SyncRunStatusProcessing,
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

// TriggerInput is the sole external entry point's payload.
type TriggerInput struct {
	TenantId      string
	SourceSystem  models.SourceSystem
	DataType      models.DataType
	WindowStart   time.Time
	WindowEnd     time.Time
	Force         bool
	ForceOverride bool
	TriggeredBy   string
	ParentRunId   *uint
}

// TriggerRun reserves and enqueues one sync run. Single-flight rides on the
// running_key unique index: the insert either takes the reservation or fails
// with a duplicate key, in which case the active run is returned as a no-op
// (noop=true). force=true uniquifies the key to bypass single-flight.
func TriggerRun(ctx context.Context, db *gorm.DB, input TriggerInput) (*models.SyncRun, bool, error) {
	logger := config.GetLogger()

	if input.TenantId == "" ||
		!models.IsValidSourceSystem(string(input.SourceSystem)) ||
		!models.IsValidDataType(string(input.DataType)) ||
		!input.WindowEnd.After(input.WindowStart) {
		return nil, false, ErrInvalidTrigger
	}
	bar, err := models.GetBarById(ctx, input.TenantId)
	if err != nil {
		return nil, false, fmt.Errorf("unknown tenant %s: %w", input.TenantId, err)
	}
	if !bar.Active {
		return nil, false, fmt.Errorf("tenant %s is inactive", input.TenantId)
	}
	if !config.SourceSyncEnabled(string(input.SourceSystem)) {
		return nil, false, fmt.Errorf("sync disabled for source %s", input.SourceSystem)
	}

	correlationId, ok := utils.GetCorrelationIdFromContext(ctx)
	if !ok || correlationId == "" {
		correlationId = uuid.NewString()
	}
	triggeredBy := input.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = models.SyncTriggeredManual
	}

	key := models.SyncRunKey(input.TenantId, input.SourceSystem, input.DataType, input.WindowStart, input.WindowEnd)
	runningKey := key
	if input.Force {
		runningKey = key + "#force:" + uuid.NewString()
	}

	run := models.SyncRun{
		TenantId:      input.TenantId,
		SourceSystem:  input.SourceSystem,
		DataType:      input.DataType,
		WindowStart:   input.WindowStart.UTC(),
		WindowEnd:     input.WindowEnd.UTC(),
		Status:        models.SyncRunStatusPending,
		RunningKey:    &runningKey,
		TriggeredBy:   triggeredBy,
		Force:         input.Force,
		ForceOverride: input.ForceOverride,
		MaxAttempts:   utils.IntFromEnv("SYNC_MAX_ATTEMPTS", 5),
		ParentRunId:   input.ParentRunId,
		CorrelationId: correlationId,
	}
	for attempt := 0; ; attempt++ {
		err := db.WithContext(ctx).Create(&run).Error
		if err == nil {
			break
		}
		if !isDuplicateKeyErr(err) {
			return nil, false, err
		}
		var existing models.SyncRun
		lookupErr := db.WithContext(ctx).Where("running_key = ?", key).Take(&existing).Error
		if lookupErr == nil {
			logger.WithFields(logrus.Fields{
				"field":          "Orchestrator",
				"tenant_id":      input.TenantId,
				"existing_run":   existing.ID,
				"correlation_id": correlationId,
			}).Info("sync already in flight, trigger is a no-op")
			return &existing, true, nil
		}
		if !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return nil, false, lookupErr
		}
		// The holder settled between our insert and the lookup, freeing the
		// key; retry the reservation instead of surfacing a spurious error.
		if attempt >= 2 {
			return nil, false, fmt.Errorf("reserve sync run %s: %w", key, err)
		}
		run.ID = 0
	}

	if err := publishRun(ctx, &run); err != nil {
		// The run stays pending; the dispatcher republishes it.
		config.LogError(logger, "Orchestrator", "TriggerRun", "publish sync run", run.ID, err)
	}
	return &run, false, nil
}

func publishRun(ctx context.Context, run *models.SyncRun) error {
	_, err := config.PublishJSON(ctx, config.SyncRunTopic(), SyncRunMessage{
		RunId:         run.ID,
		TenantId:      run.TenantId,
		CorrelationId: run.CorrelationId,
	})
	return err
}

// Per-source semaphores bound concurrent runs against one provider so its
// rate limits hold across tenants.
var (
	sourceSlotMu sync.Mutex
	sourceSlots  = map[models.SourceSystem]chan struct{}{}
)

func acquireSourceSlot(ctx context.Context, source models.SourceSystem) (func(), error) {
	sourceSlotMu.Lock()
	slots, ok := sourceSlots[source]
	if !ok {
		slots = make(chan struct{}, config.SourceMaxConcurrency(string(source)))
		sourceSlots[source] = slots
	}
	sourceSlotMu.Unlock()

	select {
	case slots <- struct{}{}:
		return func() { <-slots }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ExecuteRun drives one sync run through its state machine:
// pending → collecting → collected → processing → completed|partial, with
// failure edges back to pending (retryable, bounded attempts) or to failed.
// Terminal runs are left untouched, so redelivered messages are no-ops.
func ExecuteRun(ctx context.Context, runId uint) error {
	logger := config.GetLogger()
	db := config.GetDB()

	var run models.SyncRun
	if err := db.WithContext(utils.SetSkipTenantScopeInContext(ctx, true)).
		Where("id = ?", runId).Take(&run).Error; err != nil {
		return err
	}
	if models.IsTerminalRunStatus(run.Status) {
		return nil
	}

	ctx = utils.SetTenantIdInContext(ctx, run.TenantId)
	ctx = utils.SetCorrelationIdInContext(ctx, run.CorrelationId)
	db = db.WithContext(ctx)

	tracer := otel.Tracer("barops/workflow")
	ctx, span := tracer.Start(ctx, "sync_run", trace.WithAttributes(
		attribute.Int("run.id", int(run.ID)),
		attribute.String("run.tenant_id", run.TenantId),
		attribute.String("run.source", string(run.SourceSystem)),
		attribute.String("run.data_type", string(run.DataType)),
	))
	defer span.End()

	release, err := acquireSourceSlot(ctx, run.SourceSystem)
	if err != nil {
		return err
	}
	defer release()

	workerId := uuid.NewString()
	claimed, err := claimRun(db, &run, workerId, time.Now().UTC())
	if err != nil {
		return err
	}
	if !claimed {
		logger.WithFields(logrus.Fields{
			"field":          "Orchestrator",
			"run_id":         run.ID,
			"tenant_id":      run.TenantId,
			"correlation_id": run.CorrelationId,
		}).Info("sync run not claimable, skipping redelivery")
		return nil
	}

	collectRes, collectErr := Collect(ctx, db, &run)
	if err := advanceRun(db, &run, workerId, map[string]interface{}{
		"pages_fetched": gorm.Expr("pages_fetched + ?", collectRes.PagesFetched),
	}); err != nil {
		return standDownOrErr(logger, &run, err)
	}
	if collectErr != nil {
		return standDownOrErr(logger, &run, settleFailure(ctx, db, &run, workerId, "collect", collectErr))
	}
	if err := advanceRun(db, &run, workerId, map[string]interface{}{
		"status": models.SyncRunStatusCollected,
	}); err != nil {
		return standDownOrErr(logger, &run, err)
	}

	if err := advanceRun(db, &run, workerId, map[string]interface{}{
		"status": models.SyncRunStatusProcessing,
	}); err != nil {
		return standDownOrErr(logger, &run, err)
	}

	var batches []models.RawBatch
	if err := db.
		Where("sync_run_id = ? AND superseded_by_batch_id IS NULL AND processed = ?", run.ID, false).
		Order("page_no ASC").
		Find(&batches).Error; err != nil {
		return standDownOrErr(logger, &run, settleFailure(ctx, db, &run, workerId, "process", adapters.Retryable("load batches: %v", err)))
	}

	total := BatchResult{}
	actor := run.TriggeredBy
	for i := range batches {
		// Batches run to completion; cancellation applies between them.
		select {
		case <-ctx.Done():
			return standDownOrErr(logger, &run, settleFailure(ctx, db, &run, workerId, "process", adapters.Retryable("processing cancelled: %v", ctx.Err())))
		default:
		}
		res, err := ProcessBatch(ctx, db, &batches[i], run.ForceOverride, actor, run.ID)
		total.Succeeded += res.Succeeded
		total.Failed += res.Failed
		total.StaleSkipped += res.StaleSkipped
		total.Locked += res.Locked
		if err != nil {
			_ = updateRunCounts(db, &run, workerId, total)
			return standDownOrErr(logger, &run, settleFailure(ctx, db, &run, workerId, "process", adapters.Retryable("process batch %d: %v", batches[i].ID, err)))
		}
	}
	if err := updateRunCounts(db, &run, workerId, total); err != nil {
		return standDownOrErr(logger, &run, err)
	}

	status := models.SyncRunStatusCompleted
	if total.Failed > 0 && total.Succeeded == 0 {
		status = models.SyncRunStatusFailed
	} else if total.Failed > 0 {
		status = models.SyncRunStatusPartial
	}
	if err := settleTerminal(db, &run, workerId, status, nil); err != nil {
		return standDownOrErr(logger, &run, err)
	}

	logger.WithFields(logrus.Fields{
		"field":          "Orchestrator",
		"run_id":         run.ID,
		"tenant_id":      run.TenantId,
		"status":         status,
		"succeeded":      total.Succeeded,
		"failed":         total.Failed,
		"stale":          total.StaleSkipped,
		"locked":         total.Locked,
		"correlation_id": run.CorrelationId,
	}).Info("sync run settled")

	if status == models.SyncRunStatusCompleted || status == models.SyncRunStatusPartial {
		publishValidationTriggers(ctx, &run)
	}
	return nil
}

// claimRun takes exclusive ownership of a pending run. The atomic
// pending→collecting transition is the mutual exclusion point: redelivered
// messages and racing workers lose the conditional update and back off.
func claimRun(db *gorm.DB, run *models.SyncRun, workerId string, now time.Time) (bool, error) {
	startedAt := run.StartedAt
	if startedAt == nil {
		startedAt = &now
	}
	res := db.Model(&models.SyncRun{}).
		Where("id = ? AND status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)",
			run.ID, models.SyncRunStatusPending, now).
		Updates(map[string]interface{}{
			"status":     models.SyncRunStatusCollecting,
			"started_at": startedAt,
			"claimed_at": &now,
			"claimed_by": &workerId,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	run.Status = models.SyncRunStatusCollecting
	run.StartedAt = startedAt
	run.ClaimedAt = &now
	run.ClaimedBy = &workerId
	return true, nil
}

// advanceRun applies updates only while workerId still owns an in-flight
// run; a zero row count means the claim was lost and surfaces errClaimLost.
// Terminal rows never match the status filter, so a late worker can neither
// rewrite a settled run nor revive one whose key a fresh trigger reused.
func advanceRun(db *gorm.DB, run *models.SyncRun, workerId string, updates map[string]interface{}) error {
	res := db.Model(&models.SyncRun{}).
		Where("id = ? AND status IN ? AND claimed_by = ?", run.ID, inFlightRunStatuses, workerId).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errClaimLost
	}
	return nil
}

// standDownOrErr absorbs errClaimLost: losing a claim is not a failure of
// this worker, just a signal to stop without touching the run again.
func standDownOrErr(logger *logrus.Logger, run *models.SyncRun, err error) error {
	if errors.Is(err, errClaimLost) {
		logger.WithFields(logrus.Fields{
			"field":          "Orchestrator",
			"run_id":         run.ID,
			"tenant_id":      run.TenantId,
			"correlation_id": run.CorrelationId,
		}).Warn("sync run claim lost mid-flight, standing down")
		return nil
	}
	return err
}

func updateRunCounts(db *gorm.DB, run *models.SyncRun, workerId string, total BatchResult) error {
	return advanceRun(db, run, workerId, map[string]interface{}{
		"records_succeeded": total.Succeeded,
		"records_failed":    total.Failed,
		"records_stale":     total.StaleSkipped,
		"records_locked":    total.Locked,
	})
}

// settleFailure decides retry versus terminal failure. Only retryable
// outcomes consume the attempt budget; permanent errors fail immediately.
func settleFailure(ctx context.Context, db *gorm.DB, run *models.SyncRun, workerId string, stage string, cause error) error {
	logger := config.GetLogger()
	msg := fmt.Sprintf("%s: %v", stage, cause)

	if !adapters.IsRetryable(cause) {
		config.LogError(logger, "Orchestrator", "settleFailure", "permanent failure", run.ID, cause)
		return settleTerminal(db, run, workerId, models.SyncRunStatusFailed, &msg)
	}

	attempt := run.AttemptCount + 1
	if attempt >= run.MaxAttempts {
		exhausted := fmt.Sprintf("%s (attempts exhausted after %d)", msg, attempt)
		config.LogError(logger, "Orchestrator", "settleFailure", "retry budget exhausted", run.ID, cause)
		return settleTerminal(db, run, workerId, models.SyncRunStatusFailed, &exhausted)
	}

	next := time.Now().UTC().Add(RetryBackoff(attempt, defaultInitialBackoff))
	logger.WithFields(logrus.Fields{
		"field":           "Orchestrator",
		"run_id":          run.ID,
		"tenant_id":       run.TenantId,
		"stage":           stage,
		"attempt":         attempt,
		"next_attempt_at": next.Format(time.RFC3339),
	}).Warn("retryable failure, run rescheduled: " + cause.Error())
	return advanceRun(db, run, workerId, map[string]interface{}{
		"status":          models.SyncRunStatusPending,
		"attempt_count":   attempt,
		"next_attempt_at": &next,
		"last_error":      &msg,
		"claimed_at":      nil,
		"claimed_by":      nil,
	})
}

// settleTerminal writes the immutable terminal state and releases the
// single-flight reservation by clearing running_key. The ownership guard in
// advanceRun keeps a superseded worker from overwriting terminal state.
func settleTerminal(db *gorm.DB, run *models.SyncRun, workerId string, status string, lastError *string) error {
	finishedAt := time.Now().UTC()
	var durationMs int64
	if run.StartedAt != nil {
		durationMs = finishedAt.Sub(*run.StartedAt).Milliseconds()
	}
	updates := map[string]interface{}{
		"status":          status,
		"running_key":     nil,
		"finished_at":     &finishedAt,
		"duration_ms":     durationMs,
		"next_attempt_at": nil,
		"claimed_at":      nil,
		"claimed_by":      nil,
	}
	if lastError != nil {
		updates["last_error"] = lastError
	}
	return advanceRun(db, run, workerId, updates)
}

// publishValidationTriggers signals the validator once per covered date.
// Validation must never run against a non-terminal run, so this happens only
// after settleTerminal.
func publishValidationTriggers(ctx context.Context, run *models.SyncRun) {
	logger := config.GetLogger()
	start := run.WindowStart.UTC().Truncate(24 * time.Hour)
	end := run.WindowEnd.UTC()
	for date := start; date.Before(end); date = date.Add(24 * time.Hour) {
		msg := ValidateMessage{
			TenantId:      run.TenantId,
			Date:          date.Format("2006-01-02"),
			SyncRunId:     run.ID,
			CorrelationId: run.CorrelationId,
		}
		if _, err := config.PublishJSON(ctx, config.ValidationTopic(), msg); err != nil {
			config.LogError(logger, "Orchestrator", "publishValidationTriggers", "publish validate", msg, err)
		}
	}
}

// RunDispatcher republishes due work: pending runs whose backoff elapsed and
// runs whose claim went stale (worker crashed mid-run). Collection is
// idempotent per page, so re-executing a crashed run is safe.
type RunDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	DispatcherID string

	BatchSize    int
	PollInterval time.Duration
	ClaimTimeout time.Duration
}

func NewRunDispatcher(db *gorm.DB, logger *logrus.Logger) *RunDispatcher {
	return &RunDispatcher{
		DB:           db,
		Logger:       logger,
		DispatcherID: uuid.NewString(),
		BatchSize:    20,
		PollInterval: 2 * time.Second,
		ClaimTimeout: time.Duration(utils.IntFromEnv("SYNC_CLAIM_TIMEOUT_SECONDS", 600)) * time.Second,
	}
}

func (d *RunDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.dispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

func (d *RunDispatcher) dispatchOnce(ctx context.Context) {
	if d.DB == nil {
		return
	}
	now := time.Now().UTC()
	staleBefore := now.Add(-d.ClaimTimeout)
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)

	var claimed []models.SyncRun
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible:
		// - pending and due (never claimed, or claim stale)
		// - non-terminal with a stale claim (crashed worker)
		q := tx.
			Where(`
				(
					status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
					AND (claimed_at IS NULL OR claimed_at <= ?)
				)
				OR
				(
					status IN ? AND claimed_at IS NOT NULL AND claimed_at <= ?
				)
			`, models.SyncRunStatusPending, now, staleBefore,
				inFlightRunStatuses, staleBefore).
			Order("id ASC").
			Limit(d.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			updates := map[string]interface{}{
				"claimed_at": &now,
				"claimed_by": &d.DispatcherID,
			}
			// A stale claim on an in-flight status means the worker died;
			// hand the run back to pending so execution restarts cleanly.
			if claimed[i].Status != models.SyncRunStatusPending {
				updates["status"] = models.SyncRunStatusPending
			}
			if err := tx.Model(&models.SyncRun{}).Where("id = ?", claimed[i].ID).
				Updates(updates).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil || len(claimed) == 0 {
		return
	}

	for i := range claimed {
		if err := publishRun(ctx, &claimed[i]); err != nil {
			if d.Logger != nil {
				config.LogError(d.Logger, "RunDispatcher", "dispatchOnce", "republish run", claimed[i].ID, err)
			}
			// Claim stays set; the run becomes eligible again after the
			// claim goes stale.
			continue
		}
		if d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field":     "RunDispatcher",
				"run_id":    claimed[i].ID,
				"tenant_id": claimed[i].TenantId,
				"attempt":   claimed[i].AttemptCount,
			}).Info("sync run redispatched")
		}
	}
}
