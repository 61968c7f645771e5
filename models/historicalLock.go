package models

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// HistoricalLock freezes all canonical data for one (tenant, date). Once a
// lock row exists, ordinary sync writes to that date are rejected; only an
// audited override may write through it.
type HistoricalLock struct {
	ID         uint      `gorm:"primary_key" json:"id"`
	TenantId   string    `gorm:"uniqueIndex:idx_historical_lock,priority:1;size:64;not null" json:"tenant_id"`
	LockedDate time.Time `gorm:"uniqueIndex:idx_historical_lock,priority:2;type:date;not null" json:"locked_date"`
	LockedBy   string    `gorm:"size:64" json:"locked_by"`
	Reason     string    `gorm:"size:255" json:"reason"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// LockOverride is the audit trail for every write that went through a
// historical lock. Append-only.
type LockOverride struct {
	ID         uint      `gorm:"primary_key" json:"id"`
	TenantId   string    `gorm:"size:64;index;not null" json:"tenant_id"`
	LockedDate time.Time `gorm:"type:date;not null" json:"locked_date"`
	SyncRunId  *uint     `gorm:"index" json:"sync_run_id"`
	Actor      string    `gorm:"size:64;not null" json:"actor"`
	Reason     string    `gorm:"size:255;not null" json:"reason"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// IsDateLocked reads the lock row for (tenant, date) with a row lock so the
// caller's transaction serializes against a concurrent sweep creating it.
func IsDateLocked(tx *gorm.DB, tenantId string, date time.Time) (bool, error) {
	var count int64
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Model(&HistoricalLock{}).
		Where("tenant_id = ? AND locked_date = ?", tenantId, date.Format("2006-01-02")).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CreateLockIfAbsent inserts the lock row, tolerating a concurrent insert of
// the same (tenant, date).
func CreateLockIfAbsent(tx *gorm.DB, lock *HistoricalLock) (bool, error) {
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(lock)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func RecordLockOverride(tx *gorm.DB, override *LockOverride) error {
	return tx.Create(override).Error
}
