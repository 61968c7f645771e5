package workflow

import (
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/barops_backend/models"
	"github.com/shopspring/decimal"
)

func testBatch(source models.SourceSystem, dataType models.DataType, payload string) *models.RawBatch {
	return &models.RawBatch{
		ID:           42,
		SyncRunId:    7,
		TenantId:     "bar-001",
		SourceSystem: source,
		DataType:     dataType,
		PageNo:       1,
		PayloadJSON:  []byte(payload),
	}
}

func TestParseBatch_PosProSales(t *testing.T) {
	batch := testBatch(models.SourcePosPro, models.DataTypeSales, `[
		{"id":"s-1","sale_date":"2026-08-01","status":"closed","net_amount":125.50,"currency":"usd","guest_count":4,"updated_at":"2026-08-01T22:15:00Z"},
		{"id":"s-2","sale_date":"2026-08-01T21:03:11+06:30","status":"closed","net_amount":80,"currency":"USD","guest_count":2,"updated_at":"2026-08-01T21:05:00Z"}
	]`)

	records, failures := ParseBatch(batch)
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %+v", failures)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	first := records[0]
	if first.TenantId != "bar-001" || first.SourceSystem != models.SourcePosPro || first.ExternalId != "s-1" {
		t.Fatalf("natural key mismatch: %+v", first)
	}
	if first.RecordType != models.RecordTypePaymentLine {
		t.Fatalf("record type=%s, want payment_line", first.RecordType)
	}
	if !first.Amount.Equal(decimal.RequireFromString("125.50")) {
		t.Fatalf("amount=%s, want 125.50", first.Amount)
	}
	if !first.Quantity.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("quantity=%s, want 4 (guest count)", first.Quantity)
	}
	if first.Currency != "USD" {
		t.Fatalf("currency=%s, want USD", first.Currency)
	}
	if first.BatchId != 42 {
		t.Fatalf("batch id=%d, want 42", first.BatchId)
	}

	// An RFC3339 sale_date collapses to the provider-local calendar day.
	wantDay := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	if !records[1].OccurredOn.Equal(wantDay) {
		t.Fatalf("occurred_on=%v, want %v", records[1].OccurredOn, wantDay)
	}
}

func TestParseBatch_BadRecordDoesNotAbortBatch(t *testing.T) {
	batch := testBatch(models.SourcePosPro, models.DataTypeSales, `[
		{"id":"good-1","sale_date":"2026-08-01","net_amount":10,"currency":"USD","updated_at":"2026-08-01T10:00:00Z"},
		{"id":"bad-1","sale_date":"not-a-date","net_amount":10,"currency":"USD","updated_at":"2026-08-01T10:00:00Z"},
		{"id":"","sale_date":"2026-08-01","net_amount":10,"currency":"USD","updated_at":"2026-08-01T10:00:00Z"},
		{"id":"good-2","sale_date":"2026-08-01","net_amount":20,"currency":"USD","updated_at":"2026-08-01T10:00:00Z"}
	]`)

	records, failures := ParseBatch(batch)
	if len(records) != 2 {
		t.Fatalf("expected 2 parsed records, got %d", len(records))
	}
	if len(failures) != 2 {
		t.Fatalf("expected 2 failures, got %d: %+v", len(failures), failures)
	}
	if failures[0].ExternalId != "bad-1" {
		t.Fatalf("failure attribution: got %q, want bad-1", failures[0].ExternalId)
	}
}

func TestParseBatch_TicketHubAmountIsFaceValueTimesQuantity(t *testing.T) {
	batch := testBatch(models.SourceTicketHub, models.DataTypeSales, `[
		{"id":"t-1","event_date":"2026-08-15","face_value":25.00,"currency":"USD","quantity":3,"updated_at":"2026-08-10T09:00:00Z"},
		{"id":"t-2","sold_at":"2026-08-12","face_value":40,"currency":"USD","quantity":0,"updated_at":"2026-08-10T09:00:00Z"}
	]`)

	records, failures := ParseBatch(batch)
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %+v", failures)
	}
	if !records[0].Amount.Equal(decimal.RequireFromString("75")) {
		t.Fatalf("amount=%s, want 75 (25 x 3)", records[0].Amount)
	}
	if records[0].RecordType != models.RecordTypeTicketSale {
		t.Fatalf("record type=%s, want ticket_sale", records[0].RecordType)
	}
	// zero quantity defaults to 1, sold_at stands in for a missing event_date
	if !records[1].Quantity.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("quantity=%s, want default 1", records[1].Quantity)
	}
	if !records[1].Amount.Equal(decimal.RequireFromString("40")) {
		t.Fatalf("amount=%s, want 40", records[1].Amount)
	}
}

func TestParseBatch_LedgerlyRecordTypeFollowsDataType(t *testing.T) {
	payload := `[{"id":"l-1","entry_date":"2026-08-02","amount":500,"currency":"USD","category":"revenue","updated_at":"2026-08-03T01:00:00Z"}]`

	records, failures := ParseBatch(testBatch(models.SourceLedgerly, models.DataTypePayments, payload))
	if len(failures) != 0 || len(records) != 1 {
		t.Fatalf("payments parse: records=%d failures=%+v", len(records), failures)
	}
	if records[0].RecordType != models.RecordTypePaymentLine {
		t.Fatalf("payments record type=%s, want payment_line", records[0].RecordType)
	}

	records, failures = ParseBatch(testBatch(models.SourceLedgerly, models.DataTypeSchedules, payload))
	if len(failures) != 0 || len(records) != 1 {
		t.Fatalf("schedules parse: records=%d failures=%+v", len(records), failures)
	}
	if records[0].RecordType != models.RecordTypeScheduleEntry {
		t.Fatalf("schedules record type=%s, want schedule_entry", records[0].RecordType)
	}
}

func TestParseBatch_ResBook(t *testing.T) {
	records, failures := ParseBatch(testBatch(models.SourceResBook, models.DataTypeReservations, `[
		{"id":"r-1","reserved_for":"2026-08-20","party_size":6,"deposit_amount":50,"currency":"USD","status":"confirmed","updated_at":"2026-08-18T12:00:00Z"}
	]`))
	if len(failures) != 0 || len(records) != 1 {
		t.Fatalf("reservation parse: records=%d failures=%+v", len(records), failures)
	}
	if records[0].RecordType != models.RecordTypeReservation || !records[0].Quantity.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("reservation: %+v", records[0])
	}

	records, failures = ParseBatch(testBatch(models.SourceResBook, models.DataTypeSchedules, `[
		{"id":"sh-1","shift_date":"2026-08-20","hours":8,"wage_cost":120,"currency":"USD","updated_at":"2026-08-18T12:00:00Z"}
	]`))
	if len(failures) != 0 || len(records) != 1 {
		t.Fatalf("shift parse: records=%d failures=%+v", len(records), failures)
	}
	if records[0].RecordType != models.RecordTypeScheduleEntry || !records[0].Quantity.Equal(decimal.NewFromInt(8)) {
		t.Fatalf("shift: %+v", records[0])
	}
}

func TestParseBatch_MalformedPayload(t *testing.T) {
	records, failures := ParseBatch(testBatch(models.SourcePosPro, models.DataTypeSales, `{"not":"an array"}`))
	if records != nil {
		t.Fatalf("expected no records, got %d", len(records))
	}
	if len(failures) != 1 {
		t.Fatalf("expected 1 batch-level failure, got %d", len(failures))
	}
}

func TestBatchResult_FailureReportingIsCapped(t *testing.T) {
	var r BatchResult
	for i := 0; i < maxReportedFailures*3; i++ {
		r.addFailure(RecordFailure{ExternalId: "x", Reason: "boom"})
	}
	if r.Failed != maxReportedFailures*3 {
		t.Fatalf("failed count=%d, want %d", r.Failed, maxReportedFailures*3)
	}
	if len(r.Failures) != maxReportedFailures {
		t.Fatalf("reported failures=%d, want cap %d", len(r.Failures), maxReportedFailures)
	}
}
