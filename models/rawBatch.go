package models

import "time"

// RawBatch is one immutable page of raw payload captured by the collector.
// Rows are never mutated after creation except for the processed flag and the
// superseded pointer: a later identical-key fetch supersedes, never deletes.
type RawBatch struct {
	ID           uint         `gorm:"primary_key" json:"id"`
	SyncRunId    uint         `gorm:"index;uniqueIndex:idx_raw_batches_run_page,priority:1;not null" json:"sync_run_id"`
	TenantId     string       `gorm:"index;size:64;not null" json:"tenant_id"`
	SourceSystem SourceSystem `gorm:"size:32;not null" json:"source_system"`
	DataType     DataType     `gorm:"size:32;not null" json:"data_type"`

	// A refetch with identical content is recognized by the unique
	// (run, page, checksum) triple and reused; changed content inserts a new
	// row and marks the old one superseded.
	PageNo          int    `gorm:"uniqueIndex:idx_raw_batches_run_page,priority:2;not null" json:"page_no"`
	Cursor          string `gorm:"size:255" json:"cursor"`
	Checksum        string `gorm:"size:64;uniqueIndex:idx_raw_batches_run_page,priority:3;not null" json:"checksum"`
	RecordCountHint int    `json:"record_count_hint"`
	PayloadJSON     []byte `gorm:"type:mediumtext" json:"-"`

	Processed           bool       `gorm:"default:false;index" json:"processed"`
	ProcessedAt         *time.Time `json:"processed_at"`
	SupersededByBatchId *uint      `gorm:"index" json:"superseded_by_batch_id"`

	FetchedAt time.Time `gorm:"not null" json:"fetched_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
