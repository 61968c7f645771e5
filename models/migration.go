package models

import (
	"log"

	"bitbucket.org/mmdatafocus/barops_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Bar{}, &User{},
		&SyncRun{}, &RawBatch{}, &CanonicalRecord{},
		&ValidationResult{}, &Anomaly{},
		&HistoricalLock{}, &LockOverride{},
		&AlertOutbox{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
