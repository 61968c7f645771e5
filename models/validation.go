package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ValidationResult is one append-only evaluation of a cross-source check for
// (tenant, date). Re-running a check appends a new row; history is never
// rewritten.
type ValidationResult struct {
	ID        uint      `gorm:"primary_key" json:"id"`
	TenantId  string    `gorm:"size:64;index:idx_validation_tenant_date,priority:1;not null" json:"tenant_id"`
	CheckDate time.Time `gorm:"type:date;index:idx_validation_tenant_date,priority:2;not null" json:"check_date"`
	CheckName string    `gorm:"size:64;index;not null" json:"check_name"`
	SyncRunId *uint     `gorm:"index" json:"sync_run_id"`

	ExpectedValue decimal.Decimal  `gorm:"type:decimal(20,4)" json:"expected_value"`
	ActualValue   decimal.Decimal  `gorm:"type:decimal(20,4)" json:"actual_value"`
	DeltaPct      *decimal.Decimal `gorm:"type:decimal(10,4)" json:"delta_pct"`

	Status    string    `gorm:"size:16;index;not null" json:"status"`
	Detail    string    `gorm:"size:512" json:"detail"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// Anomaly tracks the lifecycle of a detected discrepancy. At most one open
// anomaly exists per (tenant, check, date); repeat detections update the
// open row instead of stacking duplicates.
type Anomaly struct {
	ID        uint      `gorm:"primary_key" json:"id"`
	TenantId  string    `gorm:"index:idx_anomaly_open,priority:1;size:64;not null" json:"tenant_id"`
	CheckName string    `gorm:"index:idx_anomaly_open,priority:2;size:64;not null" json:"check_name"`
	CheckDate time.Time `gorm:"index:idx_anomaly_open,priority:3;type:date;not null" json:"check_date"`

	Status       string          `gorm:"size:16;index;not null" json:"status"`
	Severity     string          `gorm:"size:16;not null" json:"severity"`
	Occurrences  int             `gorm:"default:1" json:"occurrences"`
	LastDeltaPct decimal.Decimal `gorm:"type:decimal(10,4)" json:"last_delta_pct"`
	Detail       string          `gorm:"size:512" json:"detail"`

	FirstSeenAt  time.Time  `gorm:"not null" json:"first_seen_at"`
	LastSeenAt   time.Time  `gorm:"not null" json:"last_seen_at"`
	ResolvedAt   *time.Time `json:"resolved_at"`
	ResolvedBy   string     `gorm:"size:16" json:"resolved_by"`
	ResolvedNote string     `gorm:"size:255" json:"resolved_note"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// FindOpenAnomaly returns the open anomaly for (tenant, check, date), or nil.
func FindOpenAnomaly(tx *gorm.DB, tenantId, checkName string, checkDate time.Time) (*Anomaly, error) {
	var anomaly Anomaly
	err := tx.Where("tenant_id = ? AND check_name = ? AND check_date = ? AND status = ?",
		tenantId, checkName, checkDate.Format("2006-01-02"), AnomalyStatusOpen).
		First(&anomaly).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &anomaly, nil
}

// HasOpenAnomalies reports whether any open anomaly exists for (tenant, date).
// The lock sweeper uses this as its eligibility gate.
func HasOpenAnomalies(tx *gorm.DB, tenantId string, date time.Time) (bool, error) {
	var count int64
	err := tx.Model(&Anomaly{}).
		Where("tenant_id = ? AND check_date = ? AND status = ?", tenantId, date.Format("2006-01-02"), AnomalyStatusOpen).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// LatestValidationPerCheck returns the newest result row per check name for
// (tenant, date). Status queries read this, never raw history.
func LatestValidationPerCheck(tx *gorm.DB, tenantId string, date time.Time) ([]ValidationResult, error) {
	var results []ValidationResult
	sub := tx.Model(&ValidationResult{}).
		Select("MAX(id)").
		Where("tenant_id = ? AND check_date = ?", tenantId, date.Format("2006-01-02")).
		Group("check_name")
	err := tx.Where("id IN (?)", sub).Order("check_name").Find(&results).Error
	return results, err
}
