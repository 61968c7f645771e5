package workflow

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// AcquireDatePostingGate serializes writes and lock creation for one
// (tenant, date) across instances using MySQL advisory locks. This closes the
// race between a processor writing a date and the sweeper locking it.
// NOTE: GET_LOCK is connection-scoped, so this must be called on the same
// *gorm.DB connection that runs the guarded transaction.
func AcquireDatePostingGate(tx *gorm.DB, tenantId string, date time.Time) error {
	lockName := gateName(tenantId, date)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire posting gate for tenant_id=%s date=%s", tenantId, date.Format("2006-01-02"))
	}
	return nil
}

func ReleaseDatePostingGate(tx *gorm.DB, tenantId string, date time.Time) {
	lockName := gateName(tenantId, date)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}

func gateName(tenantId string, date time.Time) string {
	return fmt.Sprintf("posting:%s:%s", tenantId, date.Format("2006-01-02"))
}
