package syncapi

import (
	"time"

	"bitbucket.org/mmdatafocus/barops_backend/models"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

type TriggerSyncRequest struct {
	TenantId      string `json:"tenantId" validate:"required"`
	SourceSystem  string `json:"sourceSystem" validate:"required"`
	DataType      string `json:"dataType" validate:"required"`
	WindowStart   string `json:"windowStart" validate:"required"`
	WindowEnd     string `json:"windowEnd" validate:"required"`
	Force         bool   `json:"force"`
	ForceOverride bool   `json:"forceOverride"`
}

type TriggerSyncResponse struct {
	SyncRunId uint   `json:"syncRunId"`
	Status    string `json:"status"`
	Noop      bool   `json:"noop"`
}

type SyncRunResponse struct {
	ID            uint    `json:"id"`
	TenantId      string  `json:"tenantId"`
	SourceSystem  string  `json:"sourceSystem"`
	DataType      string  `json:"dataType"`
	WindowStart   string  `json:"windowStart"`
	WindowEnd     string  `json:"windowEnd"`
	Status        string  `json:"status"`
	TriggeredBy   string  `json:"triggeredBy"`
	AttemptCount  int     `json:"attemptCount"`
	MaxAttempts   int     `json:"maxAttempts"`
	LastError     *string `json:"lastError"`
	StartedAt     *string `json:"startedAt"`
	FinishedAt    *string `json:"finishedAt"`
	DurationMs    int64   `json:"durationMs"`
	ParentRunId   *uint   `json:"parentRunId"`
	CorrelationId string  `json:"correlationId"`

	PagesFetched     int `json:"pagesFetched"`
	RecordsSucceeded int `json:"recordsSucceeded"`
	RecordsFailed    int `json:"recordsFailed"`
	RecordsStale     int `json:"recordsStale"`
	RecordsLocked    int `json:"recordsLocked"`
}

type SyncHistoryResponse struct {
	Items []SyncRunResponse `json:"items"`
}

type LockOverrideRequest struct {
	Reason string `json:"reason" validate:"required,min=4,max=255"`
}

type SweepLocksRequest struct {
	RetentionDays int `json:"retentionDays" validate:"omitempty,min=1,max=365"`
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapRunToResponse(run models.SyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:            run.ID,
		TenantId:      run.TenantId,
		SourceSystem:  string(run.SourceSystem),
		DataType:      string(run.DataType),
		WindowStart:   run.WindowStart.UTC().Format(time.RFC3339),
		WindowEnd:     run.WindowEnd.UTC().Format(time.RFC3339),
		Status:        run.Status,
		TriggeredBy:   run.TriggeredBy,
		AttemptCount:  run.AttemptCount,
		MaxAttempts:   run.MaxAttempts,
		LastError:     run.LastError,
		StartedAt:     formatTime(run.StartedAt),
		FinishedAt:    formatTime(run.FinishedAt),
		DurationMs:    run.DurationMs,
		ParentRunId:   run.ParentRunId,
		CorrelationId: run.CorrelationId,

		PagesFetched:     run.PagesFetched,
		RecordsSucceeded: run.RecordsSucceeded,
		RecordsFailed:    run.RecordsFailed,
		RecordsStale:     run.RecordsStale,
		RecordsLocked:    run.RecordsLocked,
	}
}
