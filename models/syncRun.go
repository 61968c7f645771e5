package models

import (
	"fmt"
	"time"
)

// SyncRun is one attempt to synchronize (tenant, source, data type, window).
//
// Single-flight is enforced by running_key: the column holds the logical run
// key while the run is non-terminal and is cleared (NULL) on every terminal
// transition. The unique index ignores NULLs, so inserting a second run for
// the same key fails with a duplicate-key error while one is still active.
type SyncRun struct {
	ID           uint         `gorm:"primary_key" json:"id"`
	TenantId     string       `gorm:"index:idx_sync_runs_tenant;size:64;not null" json:"tenant_id"`
	SourceSystem SourceSystem `gorm:"size:32;index;not null" json:"source_system"`
	DataType     DataType     `gorm:"size:32;not null" json:"data_type"`
	WindowStart  time.Time    `gorm:"not null" json:"window_start"`
	WindowEnd    time.Time    `gorm:"not null" json:"window_end"`

	Status      string  `gorm:"size:20;index;not null" json:"status"`
	RunningKey  *string `gorm:"size:255;uniqueIndex" json:"-"`
	TriggeredBy string  `gorm:"size:20" json:"triggered_by"`

	// Force bypasses single-flight (manual re-syncs). ForceOverride lets the
	// processor write through historical locks; the two are independent.
	Force         bool `gorm:"default:false" json:"force"`
	ForceOverride bool `gorm:"default:false" json:"force_override"`

	AttemptCount  int        `gorm:"default:0" json:"attempt_count"`
	MaxAttempts   int        `gorm:"default:5" json:"max_attempts"`
	NextAttemptAt *time.Time `gorm:"index" json:"next_attempt_at"`
	LastError     *string    `gorm:"type:text" json:"last_error"`

	// Claim bookkeeping for crash recovery (stale claims are reclaimed).
	ClaimedAt *time.Time `json:"claimed_at"`
	ClaimedBy *string    `gorm:"size:64" json:"claimed_by"`

	// Per-stage counts surfaced by the status API.
	PagesFetched     int `gorm:"default:0" json:"pages_fetched"`
	RecordsSucceeded int `gorm:"default:0" json:"records_succeeded"`
	RecordsFailed    int `gorm:"default:0" json:"records_failed"`
	RecordsStale     int `gorm:"default:0" json:"records_stale"`
	RecordsLocked    int `gorm:"default:0" json:"records_locked"`

	ParentRunId   *uint      `gorm:"index" json:"parent_run_id"`
	CorrelationId string     `gorm:"size:64;index" json:"correlation_id"`
	StartedAt     *time.Time `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at"`
	DurationMs    int64      `json:"duration_ms"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// SyncRunKey is the logical single-flight key for a run.
func SyncRunKey(tenantId string, source SourceSystem, dataType DataType, windowStart, windowEnd time.Time) string {
	return fmt.Sprintf("%s|%s|%s|%s|%s",
		tenantId, source, dataType,
		windowStart.UTC().Format(time.RFC3339),
		windowEnd.UTC().Format(time.RFC3339))
}

func (r *SyncRun) Key() string {
	return SyncRunKey(r.TenantId, r.SourceSystem, r.DataType, r.WindowStart, r.WindowEnd)
}
