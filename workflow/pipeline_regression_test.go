package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/barops_backend/config"
	"bitbucket.org/mmdatafocus/barops_backend/models"
	"bitbucket.org/mmdatafocus/barops_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// End-to-end regressions against real MySQL + Redis. These drive the
// production code paths (conditional upsert SQL, advisory locks, claim
// guards) that in-memory fakes cannot exercise.
//
// Run (requires Docker): INTEGRATION_TESTS=1 go test ./workflow -run PipelineRegressions -v
func TestPipelineRegressions(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	// Wire env for config.Connect* helpers.
	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "barops_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	db := config.GetDB()

	seedBar := func(t *testing.T, id string) {
		t.Helper()
		if err := db.Create(&models.Bar{ID: id, Name: "Bar " + id, Active: true}).Error; err != nil {
			t.Fatalf("seed bar %s: %v", id, err)
		}
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	yesterday := today.AddDate(0, 0, -1)

	t.Run("canonical upsert keeps the latest source write", func(t *testing.T) {
		tenant := "bar-upsert"
		seedBar(t, tenant)
		t1 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
		t2 := t1.Add(time.Hour)

		mk := func(amount int64, srcUpdated time.Time) *models.CanonicalRecord {
			return &models.CanonicalRecord{
				TenantId:        tenant,
				SourceSystem:    models.SourcePosPro,
				ExternalId:      "sale-1",
				RecordType:      models.RecordTypePaymentLine,
				OccurredOn:      yesterday,
				Amount:          decimal.NewFromInt(amount),
				Currency:        "USD",
				Quantity:        decimal.NewFromInt(1),
				SourceUpdatedAt: srcUpdated,
			}
		}
		reload := func(t *testing.T) models.CanonicalRecord {
			t.Helper()
			var got models.CanonicalRecord
			if err := db.Where("tenant_id = ? AND external_id = ?", tenant, "sale-1").Take(&got).Error; err != nil {
				t.Fatalf("reload canonical record: %v", err)
			}
			return got
		}

		if out, err := models.ApplyCanonicalUpsert(db, mk(100, t1)); err != nil || out != models.UpsertApplied {
			t.Fatalf("initial insert: outcome=%v err=%v", out, err)
		}
		before := reload(t)

		// A second-resolution timestamp column needs a beat between writes.
		time.Sleep(1100 * time.Millisecond)
		if out, err := models.ApplyCanonicalUpsert(db, mk(250, t2)); err != nil || out != models.UpsertApplied {
			t.Fatalf("newer write: outcome=%v err=%v", out, err)
		}
		after := reload(t)
		if !after.Amount.Equal(decimal.NewFromInt(250)) {
			t.Fatalf("newer write lost: amount=%s", after.Amount)
		}
		if !after.SourceUpdatedAt.Equal(t2) {
			t.Fatalf("source_updated_at not advanced: %s", after.SourceUpdatedAt)
		}
		if !after.UpdatedAt.After(before.UpdatedAt) {
			t.Fatalf("updated_at stuck at %s after a winning update", after.UpdatedAt)
		}

		if out, err := models.ApplyCanonicalUpsert(db, mk(999, t1)); err != nil || out != models.UpsertStale {
			t.Fatalf("stale write: outcome=%v err=%v", out, err)
		}
		final := reload(t)
		if !final.Amount.Equal(decimal.NewFromInt(250)) || !final.SourceUpdatedAt.Equal(t2) {
			t.Fatalf("stale write mutated the row: amount=%s src=%s", final.Amount, final.SourceUpdatedAt)
		}
		if !final.UpdatedAt.Equal(after.UpdatedAt) {
			t.Fatalf("stale write refreshed updated_at: %s -> %s", after.UpdatedAt, final.UpdatedAt)
		}
	})

	t.Run("run claim is exclusive and settles are owner-guarded", func(t *testing.T) {
		tenant := "bar-claim"
		seedBar(t, tenant)
		key := models.SyncRunKey(tenant, models.SourcePosPro, models.DataTypeSales, yesterday, today)
		run := models.SyncRun{
			TenantId:     tenant,
			SourceSystem: models.SourcePosPro,
			DataType:     models.DataTypeSales,
			WindowStart:  yesterday,
			WindowEnd:    today,
			Status:       models.SyncRunStatusPending,
			RunningKey:   &key,
			TriggeredBy:  models.SyncTriggeredManual,
			MaxAttempts:  5,
		}
		if err := db.Create(&run).Error; err != nil {
			t.Fatalf("seed run: %v", err)
		}

		w1, w2 := uuid.NewString(), uuid.NewString()
		now := time.Now().UTC()
		if ok, err := claimRun(db, &run, w1, now); err != nil || !ok {
			t.Fatalf("first claim: ok=%v err=%v", ok, err)
		}
		loser := run
		if ok, err := claimRun(db, &loser, w2, now); err != nil || ok {
			t.Fatalf("second claim must lose: ok=%v err=%v", ok, err)
		}

		if err := settleTerminal(db, &run, w2, models.SyncRunStatusFailed, nil); !errors.Is(err, errClaimLost) {
			t.Fatalf("foreign settle must lose the guard, got %v", err)
		}
		var mid models.SyncRun
		if err := db.Where("id = ?", run.ID).Take(&mid).Error; err != nil {
			t.Fatalf("reload run: %v", err)
		}
		if mid.Status != models.SyncRunStatusCollecting {
			t.Fatalf("foreign settle mutated status to %s", mid.Status)
		}

		if err := settleTerminal(db, &run, w1, models.SyncRunStatusCompleted, nil); err != nil {
			t.Fatalf("owner settle: %v", err)
		}
		var done models.SyncRun
		if err := db.Where("id = ?", run.ID).Take(&done).Error; err != nil {
			t.Fatalf("reload run: %v", err)
		}
		if done.Status != models.SyncRunStatusCompleted || done.RunningKey != nil {
			t.Fatalf("terminal state wrong: status=%s key=%v", done.Status, done.RunningKey)
		}

		// A late worker must neither rewrite terminal state nor revive the
		// run after its key has been released.
		if err := settleFailure(ctx, db, &run, w1, "process", errors.New("late failure")); !errors.Is(err, errClaimLost) {
			t.Fatalf("late settle must lose the guard, got %v", err)
		}
		var still models.SyncRun
		if err := db.Where("id = ?", run.ID).Take(&still).Error; err != nil {
			t.Fatalf("reload run: %v", err)
		}
		if still.Status != models.SyncRunStatusCompleted || still.RunningKey != nil {
			t.Fatalf("late settle revived the run: status=%s key=%v", still.Status, still.RunningKey)
		}
	})

	t.Run("stale claim is reclaimed and the old worker stands down", func(t *testing.T) {
		tenant := "bar-stale"
		seedBar(t, tenant)
		key := models.SyncRunKey(tenant, models.SourcePosPro, models.DataTypeSales, yesterday, today)
		w1 := uuid.NewString()
		staleAt := time.Now().UTC().Add(-2 * time.Minute)
		run := models.SyncRun{
			TenantId:     tenant,
			SourceSystem: models.SourcePosPro,
			DataType:     models.DataTypeSales,
			WindowStart:  yesterday,
			WindowEnd:    today,
			Status:       models.SyncRunStatusCollecting,
			RunningKey:   &key,
			TriggeredBy:  models.SyncTriggeredManual,
			MaxAttempts:  5,
			ClaimedAt:    &staleAt,
			ClaimedBy:    &w1,
		}
		if err := db.Create(&run).Error; err != nil {
			t.Fatalf("seed run: %v", err)
		}

		d := &RunDispatcher{
			DB:           db,
			Logger:       config.GetLogger(),
			DispatcherID: uuid.NewString(),
			BatchSize:    10,
			ClaimTimeout: time.Minute,
		}
		d.dispatchOnce(ctx)

		var reclaimed models.SyncRun
		if err := db.Where("id = ?", run.ID).Take(&reclaimed).Error; err != nil {
			t.Fatalf("reload run: %v", err)
		}
		if reclaimed.Status != models.SyncRunStatusPending {
			t.Fatalf("stale run not handed back to pending: %s", reclaimed.Status)
		}

		if err := advanceRun(db, &run, w1, map[string]interface{}{
			"status": models.SyncRunStatusCollected,
		}); !errors.Is(err, errClaimLost) {
			t.Fatalf("superseded worker must lose its claim, got %v", err)
		}

		if ok, err := claimRun(db, &reclaimed, uuid.NewString(), time.Now().UTC()); err != nil || !ok {
			t.Fatalf("reclaimed run must be claimable: ok=%v err=%v", ok, err)
		}
	})

	t.Run("refetched page may flip back to earlier content", func(t *testing.T) {
		tenant := "bar-flipflop"
		seedBar(t, tenant)
		run := models.SyncRun{
			TenantId:     tenant,
			SourceSystem: models.SourcePosPro,
			DataType:     models.DataTypeSales,
			WindowStart:  yesterday,
			WindowEnd:    today,
			Status:       models.SyncRunStatusCollecting,
			TriggeredBy:  models.SyncTriggeredManual,
			MaxAttempts:  5,
		}
		if err := db.Create(&run).Error; err != nil {
			t.Fatalf("seed run: %v", err)
		}

		payloadA := []byte(`[{"id":"s1","net_amount":"10"}]`)
		payloadB := []byte(`[{"id":"s1","net_amount":"20"}]`)
		sumA := utils.Sha256Hex(payloadA)
		sumB := utils.Sha256Hex(payloadB)

		if reused, err := commitBatch(ctx, db, &run, 1, "", sumA, payloadA, 1); err != nil || reused {
			t.Fatalf("first commit: reused=%v err=%v", reused, err)
		}
		if reused, err := commitBatch(ctx, db, &run, 1, "", sumB, payloadB, 1); err != nil || reused {
			t.Fatalf("changed commit: reused=%v err=%v", reused, err)
		}
		reused, err := commitBatch(ctx, db, &run, 1, "", sumA, payloadA, 1)
		if err != nil {
			t.Fatalf("flip back to earlier content must not collide: %v", err)
		}
		if !reused {
			t.Fatal("resurrected batch should count as reused")
		}

		var count int64
		if err := db.Model(&models.RawBatch{}).
			Where("sync_run_id = ? AND page_no = ?", run.ID, 1).Count(&count).Error; err != nil {
			t.Fatalf("count batches: %v", err)
		}
		if count != 2 {
			t.Fatalf("expected 2 stored batches, got %d", count)
		}
		var live models.RawBatch
		if err := db.Where("sync_run_id = ? AND page_no = ? AND superseded_by_batch_id IS NULL", run.ID, 1).
			Take(&live).Error; err != nil {
			t.Fatalf("load live batch: %v", err)
		}
		if live.Checksum != sumA {
			t.Fatalf("live batch is %s, want the resurrected checksum", live.Checksum)
		}
		if live.Processed {
			t.Fatal("resurrected batch must be reprocessed")
		}
	})

	t.Run("historical lock blocks writes unless override permitted", func(t *testing.T) {
		tenant := "bar-locked"
		seedBar(t, tenant)
		if created, err := models.CreateLockIfAbsent(db, &models.HistoricalLock{
			TenantId:   tenant,
			LockedDate: yesterday,
			LockedBy:   "auditor",
			Reason:     "period closed",
		}); err != nil || !created {
			t.Fatalf("seed lock: created=%v err=%v", created, err)
		}

		rec := func(id string) *models.CanonicalRecord {
			return &models.CanonicalRecord{
				TenantId:        tenant,
				SourceSystem:    models.SourcePosPro,
				ExternalId:      id,
				RecordType:      models.RecordTypePaymentLine,
				OccurredOn:      yesterday,
				Amount:          decimal.NewFromInt(40),
				Currency:        "USD",
				Quantity:        decimal.NewFromInt(1),
				SourceUpdatedAt: time.Now().UTC(),
			}
		}

		if out, err := applyRecord(ctx, db, rec("p1"), false, "tester", 0); err != nil || out != recordLocked {
			t.Fatalf("locked write without override: outcome=%v err=%v", out, err)
		}
		if out, err := applyRecord(ctx, db, rec("p1"), true, "tester", 0); err != nil || out != recordApplied {
			t.Fatalf("override write: outcome=%v err=%v", out, err)
		}
		var overrides int64
		if err := db.Model(&models.LockOverride{}).Where("tenant_id = ?", tenant).Count(&overrides).Error; err != nil {
			t.Fatalf("count overrides: %v", err)
		}
		if overrides != 1 {
			t.Fatalf("expected 1 recorded override, got %d", overrides)
		}

		t.Setenv("STRICT_HISTORICAL_LOCKS", "true")
		if out, err := applyRecord(ctx, db, rec("p2"), true, "tester", 0); err != nil || out != recordLocked {
			t.Fatalf("strict mode must reject the override: outcome=%v err=%v", out, err)
		}
	})

	t.Run("validation opens and resolves anomalies", func(t *testing.T) {
		tenant := "bar-validate"
		seedBar(t, tenant)
		t.Setenv("VALIDATION_CHECKS_JSON", `[{
			"name": "pos_vs_ledger_revenue",
			"expected_source": "pospro", "expected_record_type": "payment_line",
			"actual_source": "ledgerly", "actual_record_type": "schedule_entry",
			"metric": "amount", "warn_pct": "0.5", "fail_pct": "2.0"
		}]`)

		seed := func(source models.SourceSystem, recordType, id string, amount int64) {
			t.Helper()
			if err := db.Create(&models.CanonicalRecord{
				TenantId:        tenant,
				SourceSystem:    source,
				ExternalId:      id,
				RecordType:      recordType,
				OccurredOn:      yesterday,
				Amount:          decimal.NewFromInt(amount),
				Currency:        "USD",
				Quantity:        decimal.NewFromInt(1),
				SourceUpdatedAt: time.Now().UTC(),
			}).Error; err != nil {
				t.Fatalf("seed canonical %s: %v", id, err)
			}
		}
		seed(models.SourcePosPro, models.RecordTypePaymentLine, "v-pos-1", 100)
		seed(models.SourceLedgerly, models.RecordTypeScheduleEntry, "v-led-1", 50)

		if err := Validate(ctx, db, tenant, yesterday, 0, "corr-validate"); err != nil {
			t.Fatalf("validate: %v", err)
		}
		open, err := models.FindOpenAnomaly(db, tenant, "pos_vs_ledger_revenue", yesterday)
		if err != nil {
			t.Fatalf("find anomaly: %v", err)
		}
		if open == nil || open.Severity != models.AnomalySeverityFail {
			t.Fatalf("expected open fail anomaly, got %+v", open)
		}
		var opened int64
		if err := db.Model(&models.AlertOutbox{}).
			Where("tenant_id = ? AND event_type = ?", tenant, models.AlertEventAnomalyOpened).
			Count(&opened).Error; err != nil {
			t.Fatalf("count alerts: %v", err)
		}
		if opened != 1 {
			t.Fatalf("expected 1 opened alert, got %d", opened)
		}

		// Correct the ledger side and re-validate; the anomaly must resolve.
		if err := db.Model(&models.CanonicalRecord{}).
			Where("tenant_id = ? AND external_id = ?", tenant, "v-led-1").
			Update("amount", decimal.NewFromInt(100)).Error; err != nil {
			t.Fatalf("fix ledger record: %v", err)
		}
		if err := Validate(ctx, db, tenant, yesterday, 0, "corr-validate"); err != nil {
			t.Fatalf("revalidate: %v", err)
		}
		stillOpen, err := models.FindOpenAnomaly(db, tenant, "pos_vs_ledger_revenue", yesterday)
		if err != nil {
			t.Fatalf("find anomaly: %v", err)
		}
		if stillOpen != nil {
			t.Fatalf("anomaly should have resolved, still open: %+v", stillOpen)
		}
		var resolved models.Anomaly
		if err := db.Where("tenant_id = ?", tenant).Take(&resolved).Error; err != nil {
			t.Fatalf("load anomaly: %v", err)
		}
		if resolved.Status != models.AnomalyStatusResolved || resolved.ResolvedBy != models.AnomalyResolvedByCheck {
			t.Fatalf("anomaly not resolved by check: status=%s by=%s", resolved.Status, resolved.ResolvedBy)
		}
		var resolvedAlerts int64
		if err := db.Model(&models.AlertOutbox{}).
			Where("tenant_id = ? AND event_type = ?", tenant, models.AlertEventAnomalyResolved).
			Count(&resolvedAlerts).Error; err != nil {
			t.Fatalf("count alerts: %v", err)
		}
		if resolvedAlerts != 1 {
			t.Fatalf("expected 1 resolved alert, got %d", resolvedAlerts)
		}
	})

	t.Run("lock sweep ignores runs starting at the next midnight", func(t *testing.T) {
		tenant := "bar-sweep"
		seedBar(t, tenant)
		oldDate := today.AddDate(0, 0, -10)

		if err := db.Create(&models.CanonicalRecord{
			TenantId:        tenant,
			SourceSystem:    models.SourcePosPro,
			ExternalId:      "sw-1",
			RecordType:      models.RecordTypePaymentLine,
			OccurredOn:      oldDate,
			Amount:          decimal.NewFromInt(10),
			Currency:        "USD",
			Quantity:        decimal.NewFromInt(1),
			SourceUpdatedAt: time.Now().UTC(),
		}).Error; err != nil {
			t.Fatalf("seed canonical: %v", err)
		}

		mkRun := func(start, end time.Time) {
			t.Helper()
			if err := db.Create(&models.SyncRun{
				TenantId:     tenant,
				SourceSystem: models.SourcePosPro,
				DataType:     models.DataTypeSales,
				WindowStart:  start,
				WindowEnd:    end,
				Status:       models.SyncRunStatusCompleted,
				TriggeredBy:  models.SyncTriggeredScheduler,
				MaxAttempts:  5,
			}).Error; err != nil {
				t.Fatalf("seed run: %v", err)
			}
		}
		lockExists := func(t *testing.T) bool {
			t.Helper()
			locked, err := models.IsDateLocked(db, tenant, oldDate)
			if err != nil {
				t.Fatalf("check lock: %v", err)
			}
			return locked
		}

		// This run starts exactly at the next midnight and covers none of
		// oldDate, so it must not qualify the date for locking.
		mkRun(oldDate.Add(24*time.Hour), oldDate.Add(48*time.Hour))
		if _, err := SweepLocks(ctx, db, 7, "sweeper"); err != nil {
			t.Fatalf("sweep: %v", err)
		}
		if lockExists(t) {
			t.Fatal("boundary run wrongly qualified the date for locking")
		}

		mkRun(oldDate, oldDate.Add(24*time.Hour))
		if _, err := SweepLocks(ctx, db, 7, "sweeper"); err != nil {
			t.Fatalf("sweep: %v", err)
		}
		if !lockExists(t) {
			t.Fatal("covered date was not locked")
		}
	})

	t.Run("trigger reservation is single-flight and reusable after settle", func(t *testing.T) {
		tenant := "bar-trigger"
		seedBar(t, tenant)
		input := TriggerInput{
			TenantId:     tenant,
			SourceSystem: models.SourcePosPro,
			DataType:     models.DataTypeSales,
			WindowStart:  yesterday,
			WindowEnd:    today,
			TriggeredBy:  models.SyncTriggeredManual,
		}

		first, noop, err := TriggerRun(ctx, db, input)
		if err != nil || noop {
			t.Fatalf("first trigger: noop=%v err=%v", noop, err)
		}
		dup, noop, err := TriggerRun(ctx, db, input)
		if err != nil || !noop || dup.ID != first.ID {
			t.Fatalf("duplicate trigger: id=%d noop=%v err=%v", dup.ID, noop, err)
		}

		w := uuid.NewString()
		if ok, err := claimRun(db, first, w, time.Now().UTC()); err != nil || !ok {
			t.Fatalf("claim: ok=%v err=%v", ok, err)
		}
		if err := settleTerminal(db, first, w, models.SyncRunStatusCompleted, nil); err != nil {
			t.Fatalf("settle: %v", err)
		}

		fresh, noop, err := TriggerRun(ctx, db, input)
		if err != nil || noop {
			t.Fatalf("post-settle trigger: noop=%v err=%v", noop, err)
		}
		if fresh.ID == first.ID {
			t.Fatal("settled run must not be returned for a fresh trigger")
		}
	})
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("barops-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("barops-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=barops_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
