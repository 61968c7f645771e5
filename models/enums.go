package models

// SourceSystem identifies one external provider. Immutable reference data.
type SourceSystem string

const (
	SourcePosPro    SourceSystem = "pospro"    // POS platform
	SourceLedgerly  SourceSystem = "ledgerly"  // accounting API
	SourceTicketHub SourceSystem = "tickethub" // ticketing API
	SourceResBook   SourceSystem = "resbook"   // reservation API
)

func AllSourceSystems() []SourceSystem {
	return []SourceSystem{SourcePosPro, SourceLedgerly, SourceTicketHub, SourceResBook}
}

func IsValidSourceSystem(s string) bool {
	switch SourceSystem(s) {
	case SourcePosPro, SourceLedgerly, SourceTicketHub, SourceResBook:
		return true
	}
	return false
}

type DataType string

const (
	DataTypeSales        DataType = "sales"
	DataTypePayments     DataType = "payments"
	DataTypeSchedules    DataType = "schedules"
	DataTypeReservations DataType = "reservations"
)

func IsValidDataType(s string) bool {
	switch DataType(s) {
	case DataTypeSales, DataTypePayments, DataTypeSchedules, DataTypeReservations:
		return true
	}
	return false
}

// SyncRun state machine. Terminal states are immutable.
const (
	SyncRunStatusPending    = "pending"
	SyncRunStatusCollecting = "collecting"
	SyncRunStatusCollected  = "collected"
	SyncRunStatusProcessing = "processing"
	SyncRunStatusCompleted  = "completed"
	SyncRunStatusPartial    = "partial"
	SyncRunStatusFailed     = "failed"
)

func IsTerminalRunStatus(status string) bool {
	switch status {
	case SyncRunStatusCompleted, SyncRunStatusPartial, SyncRunStatusFailed:
		return true
	}
	return false
}

const (
	SyncTriggeredManual    = "manual"
	SyncTriggeredScheduler = "scheduler"
	SyncTriggeredRetry     = "retry"
)

// Canonical record types produced by the processor.
const (
	RecordTypePaymentLine   = "payment_line"
	RecordTypeScheduleEntry = "schedule_entry"
	RecordTypeTicketSale    = "ticket_sale"
	RecordTypeReservation   = "reservation"
)

// Validation statuses.
const (
	ValidationStatusOk   = "ok"
	ValidationStatusWarn = "warn"
	ValidationStatusFail = "fail"
)

// Anomaly lifecycle.
const (
	AnomalyStatusOpen     = "open"
	AnomalyStatusResolved = "resolved"
)

const (
	AnomalyResolvedByCheck  = "check"
	AnomalyResolvedByManual = "manual"
)

const (
	AnomalySeverityWarn = "warn"
	AnomalySeverityFail = "fail"
)

// Alert outbox publish states (at-least-once delivery to the notification
// collaborator).
const (
	AlertPublishStatusPending    = "PENDING"
	AlertPublishStatusProcessing = "PROCESSING"
	AlertPublishStatusSent       = "SENT"
	AlertPublishStatusFailed     = "FAILED"
	AlertPublishStatusDead       = "DEAD"
)

const (
	AlertEventAnomalyOpened   = "anomaly_opened"
	AlertEventAnomalyResolved = "anomaly_resolved"
)
