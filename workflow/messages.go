package workflow

// SyncRunMessage is the pubsub payload that hands one run to a worker.
type SyncRunMessage struct {
	RunId         uint   `json:"run_id"`
	TenantId      string `json:"tenant_id"`
	CorrelationId string `json:"correlation_id"`
}

// ValidateMessage asks the validator to re-evaluate one tenant-date.
type ValidateMessage struct {
	TenantId      string `json:"tenant_id"`
	Date          string `json:"date"` // 2006-01-02
	SyncRunId     uint   `json:"sync_run_id"`
	CorrelationId string `json:"correlation_id"`
}
