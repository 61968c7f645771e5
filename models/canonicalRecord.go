package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CanonicalRecord is one normalized business entity (payment line, schedule
// entry, ticket sale, reservation). Identity is the natural key
// (tenant_id, source_system, external_id), independent of any batch.
type CanonicalRecord struct {
	ID           uint         `gorm:"primary_key" json:"id"`
	TenantId     string       `gorm:"uniqueIndex:idx_canonical_natural,priority:1;size:64;not null" json:"tenant_id"`
	SourceSystem SourceSystem `gorm:"uniqueIndex:idx_canonical_natural,priority:2;size:32;not null" json:"source_system"`
	ExternalId   string       `gorm:"uniqueIndex:idx_canonical_natural,priority:3;size:128;not null" json:"external_id"`

	RecordType string    `gorm:"size:32;index;not null" json:"record_type"`
	OccurredOn time.Time `gorm:"type:date;index:idx_canonical_tenant_date;not null" json:"occurred_on"`

	Amount   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	Currency string          `gorm:"size:3" json:"currency"`
	Quantity decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`

	AttributesJSON []byte `gorm:"type:json" json:"attributes"`

	// SourceUpdatedAt drives last-writer-wins: an incoming write with an
	// equal-or-older timestamp is a no-op, not an error.
	SourceUpdatedAt time.Time `gorm:"not null" json:"source_updated_at"`
	BatchId         uint      `gorm:"index" json:"batch_id"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type UpsertOutcome string

const (
	UpsertApplied UpsertOutcome = "applied"
	UpsertStale   UpsertOutcome = "stale"
)

// ApplyCanonicalUpsert writes one record by natural key with last-writer-wins
// on source_updated_at, as a single conditional statement. MySQL reports
// rows-affected 1 for an insert, 2 for an update and 0 when the conditional
// assignments leave the row unchanged (stale write).
//
// Callers must hold the tenant-date posting gate when the target date may be
// historically locked (see workflow.AcquireDatePostingGate).
func ApplyCanonicalUpsert(tx *gorm.DB, rec *CanonicalRecord) (UpsertOutcome, error) {
	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "source_system"}, {Name: "external_id"}},
		DoUpdates: canonicalUpsertAssignments(),
	}).Create(rec)
	if res.Error != nil {
		return "", res.Error
	}
	if res.RowsAffected == 0 {
		return UpsertStale, nil
	}
	return UpsertApplied, nil
}

// canonicalUpsertColumns lists the ON DUPLICATE KEY assignments in statement
// order. MySQL evaluates SET clauses left to right, so source_updated_at must
// come last: every other IF compares against the stored timestamp, not the
// incoming one it is about to become.
var canonicalUpsertColumns = []string{
	"record_type",
	"occurred_on",
	"amount",
	"currency",
	"quantity",
	"attributes_json",
	"batch_id",
	"updated_at",
	"source_updated_at",
}

func canonicalUpsertAssignments() clause.Set {
	newer := "VALUES(source_updated_at) > source_updated_at"
	set := make(clause.Set, 0, len(canonicalUpsertColumns))
	for _, col := range canonicalUpsertColumns {
		set = append(set, clause.Assignment{
			Column: clause.Column{Name: col},
			Value:  gorm.Expr("IF(" + newer + ", VALUES(" + col + "), " + col + ")"),
		})
	}
	return set
}
