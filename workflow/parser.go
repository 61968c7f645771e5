package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/barops_backend/models"
	"github.com/shopspring/decimal"
)

// RecordFailure is one record that could not be normalized. Failures never
// abort the batch; the record stays unsynced until the next collection.
type RecordFailure struct {
	ExternalId string `json:"external_id"`
	Reason     string `json:"reason"`
}

type posProSale struct {
	ID         string      `json:"id"`
	SaleDate   string      `json:"sale_date"`
	Status     string      `json:"status"`
	NetAmount  json.Number `json:"net_amount"`
	Currency   string      `json:"currency"`
	GuestCount json.Number `json:"guest_count"`
	UpdatedAt  string      `json:"updated_at"`
}

type posProPayment struct {
	ID        string      `json:"id"`
	PaidAt    string      `json:"paid_at"`
	Amount    json.Number `json:"amount"`
	Currency  string      `json:"currency"`
	Method    string      `json:"method"`
	UpdatedAt string      `json:"updated_at"`
}

type ledgerlyEntry struct {
	ID          string      `json:"id"`
	EntryDate   string      `json:"entry_date"`
	Amount      json.Number `json:"amount"`
	Currency    string      `json:"currency"`
	Category    string      `json:"category"`
	UpdatedAt   string      `json:"updated_at"`
	Description string      `json:"description"`
}

type ticketHubSale struct {
	ID        string      `json:"id"`
	EventDate string      `json:"event_date"`
	SoldAt    string      `json:"sold_at"`
	FaceValue json.Number `json:"face_value"`
	Currency  string      `json:"currency"`
	Quantity  json.Number `json:"quantity"`
	UpdatedAt string      `json:"updated_at"`
}

type resBookReservation struct {
	ID            string      `json:"id"`
	ReservedFor   string      `json:"reserved_for"`
	PartySize     json.Number `json:"party_size"`
	DepositAmount json.Number `json:"deposit_amount"`
	Currency      string      `json:"currency"`
	Status        string      `json:"status"`
	UpdatedAt     string      `json:"updated_at"`
}

type resBookShift struct {
	ID        string      `json:"id"`
	ShiftDate string      `json:"shift_date"`
	Hours     json.Number `json:"hours"`
	WageCost  json.Number `json:"wage_cost"`
	Currency  string      `json:"currency"`
	UpdatedAt string      `json:"updated_at"`
}

// ParseBatch normalizes one raw batch into canonical record candidates.
// Individual record failures are collected, not raised.
func ParseBatch(batch *models.RawBatch) ([]models.CanonicalRecord, []RecordFailure) {
	var raws []json.RawMessage
	if err := json.Unmarshal(batch.PayloadJSON, &raws); err != nil {
		return nil, []RecordFailure{{Reason: "invalid batch payload: " + err.Error()}}
	}

	var records []models.CanonicalRecord
	var failures []RecordFailure
	for _, raw := range raws {
		rec, err := parseRecord(batch, raw)
		if err != nil {
			failures = append(failures, RecordFailure{ExternalId: externalIdHint(raw), Reason: err.Error()})
			continue
		}
		records = append(records, rec)
	}
	return records, failures
}

func parseRecord(batch *models.RawBatch, raw json.RawMessage) (models.CanonicalRecord, error) {
	switch batch.SourceSystem {
	case models.SourcePosPro:
		if batch.DataType == models.DataTypeSales {
			return parsePosProSale(batch, raw)
		}
		return parsePosProPayment(batch, raw)
	case models.SourceLedgerly:
		return parseLedgerlyEntry(batch, raw)
	case models.SourceTicketHub:
		return parseTicketHubSale(batch, raw)
	case models.SourceResBook:
		if batch.DataType == models.DataTypeSchedules {
			return parseResBookShift(batch, raw)
		}
		return parseResBookReservation(batch, raw)
	}
	return models.CanonicalRecord{}, fmt.Errorf("no parser for source %s", batch.SourceSystem)
}

func parsePosProSale(batch *models.RawBatch, raw json.RawMessage) (models.CanonicalRecord, error) {
	var sale posProSale
	if err := json.Unmarshal(raw, &sale); err != nil {
		return models.CanonicalRecord{}, fmt.Errorf("invalid payload: %v", err)
	}
	if strings.TrimSpace(sale.ID) == "" {
		return models.CanonicalRecord{}, fmt.Errorf("sale id missing")
	}
	occurredOn, err := parseDate(sale.SaleDate)
	if err != nil {
		return models.CanonicalRecord{}, fmt.Errorf("sale_date: %v", err)
	}
	sourceUpdatedAt, err := parseTimestamp(sale.UpdatedAt)
	if err != nil {
		return models.CanonicalRecord{}, fmt.Errorf("updated_at: %v", err)
	}
	return newCanonical(batch, sale.ID, models.RecordTypePaymentLine, occurredOn, sourceUpdatedAt,
		decimalFromNumber(sale.NetAmount), decimalFromNumber(sale.GuestCount), sale.Currency, raw), nil
}

func parsePosProPayment(batch *models.RawBatch, raw json.RawMessage) (models.CanonicalRecord, error) {
	var payment posProPayment
	if err := json.Unmarshal(raw, &payment); err != nil {
		return models.CanonicalRecord{}, fmt.Errorf("invalid payload: %v", err)
	}
	if strings.TrimSpace(payment.ID) == "" {
		return models.CanonicalRecord{}, fmt.Errorf("payment id missing")
	}
	occurredOn, err := parseDate(payment.PaidAt)
	if err != nil {
		return models.CanonicalRecord{}, fmt.Errorf("paid_at: %v", err)
	}
	sourceUpdatedAt, err := parseTimestamp(payment.UpdatedAt)
	if err != nil {
		return models.CanonicalRecord{}, fmt.Errorf("updated_at: %v", err)
	}
	return newCanonical(batch, payment.ID, models.RecordTypePaymentLine, occurredOn, sourceUpdatedAt,
		decimalFromNumber(payment.Amount), decimal.NewFromInt(1), payment.Currency, raw), nil
}

func parseLedgerlyEntry(batch *models.RawBatch, raw json.RawMessage) (models.CanonicalRecord, error) {
	var entry ledgerlyEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return models.CanonicalRecord{}, fmt.Errorf("invalid payload: %v", err)
	}
	if strings.TrimSpace(entry.ID) == "" {
		return models.CanonicalRecord{}, fmt.Errorf("entry id missing")
	}
	occurredOn, err := parseDate(entry.EntryDate)
	if err != nil {
		return models.CanonicalRecord{}, fmt.Errorf("entry_date: %v", err)
	}
	sourceUpdatedAt, err := parseTimestamp(entry.UpdatedAt)
	if err != nil {
		return models.CanonicalRecord{}, fmt.Errorf("updated_at: %v", err)
	}
	recordType := models.RecordTypeScheduleEntry
	if batch.DataType == models.DataTypePayments {
		recordType = models.RecordTypePaymentLine
	}
	return newCanonical(batch, entry.ID, recordType, occurredOn, sourceUpdatedAt,
		decimalFromNumber(entry.Amount), decimal.NewFromInt(1), entry.Currency, raw), nil
}

func parseTicketHubSale(batch *models.RawBatch, raw json.RawMessage) (models.CanonicalRecord, error) {
	var ticket ticketHubSale
	if err := json.Unmarshal(raw, &ticket); err != nil {
		return models.CanonicalRecord{}, fmt.Errorf("invalid payload: %v", err)
	}
	if strings.TrimSpace(ticket.ID) == "" {
		return models.CanonicalRecord{}, fmt.Errorf("ticket id missing")
	}
	dateField := ticket.EventDate
	if strings.TrimSpace(dateField) == "" {
		dateField = ticket.SoldAt
	}
	occurredOn, err := parseDate(dateField)
	if err != nil {
		return models.CanonicalRecord{}, fmt.Errorf("event_date: %v", err)
	}
	sourceUpdatedAt, err := parseTimestamp(ticket.UpdatedAt)
	if err != nil {
		return models.CanonicalRecord{}, fmt.Errorf("updated_at: %v", err)
	}
	qty := decimalFromNumber(ticket.Quantity)
	if qty.LessThanOrEqual(decimal.Zero) {
		qty = decimal.NewFromInt(1)
	}
	amount := decimalFromNumber(ticket.FaceValue).Mul(qty)
	return newCanonical(batch, ticket.ID, models.RecordTypeTicketSale, occurredOn, sourceUpdatedAt,
		amount, qty, ticket.Currency, raw), nil
}

func parseResBookReservation(batch *models.RawBatch, raw json.RawMessage) (models.CanonicalRecord, error) {
	var resv resBookReservation
	if err := json.Unmarshal(raw, &resv); err != nil {
		return models.CanonicalRecord{}, fmt.Errorf("invalid payload: %v", err)
	}
	if strings.TrimSpace(resv.ID) == "" {
		return models.CanonicalRecord{}, fmt.Errorf("reservation id missing")
	}
	occurredOn, err := parseDate(resv.ReservedFor)
	if err != nil {
		return models.CanonicalRecord{}, fmt.Errorf("reserved_for: %v", err)
	}
	sourceUpdatedAt, err := parseTimestamp(resv.UpdatedAt)
	if err != nil {
		return models.CanonicalRecord{}, fmt.Errorf("updated_at: %v", err)
	}
	return newCanonical(batch, resv.ID, models.RecordTypeReservation, occurredOn, sourceUpdatedAt,
		decimalFromNumber(resv.DepositAmount), decimalFromNumber(resv.PartySize), resv.Currency, raw), nil
}

func parseResBookShift(batch *models.RawBatch, raw json.RawMessage) (models.CanonicalRecord, error) {
	var shift resBookShift
	if err := json.Unmarshal(raw, &shift); err != nil {
		return models.CanonicalRecord{}, fmt.Errorf("invalid payload: %v", err)
	}
	if strings.TrimSpace(shift.ID) == "" {
		return models.CanonicalRecord{}, fmt.Errorf("shift id missing")
	}
	occurredOn, err := parseDate(shift.ShiftDate)
	if err != nil {
		return models.CanonicalRecord{}, fmt.Errorf("shift_date: %v", err)
	}
	sourceUpdatedAt, err := parseTimestamp(shift.UpdatedAt)
	if err != nil {
		return models.CanonicalRecord{}, fmt.Errorf("updated_at: %v", err)
	}
	return newCanonical(batch, shift.ID, models.RecordTypeScheduleEntry, occurredOn, sourceUpdatedAt,
		decimalFromNumber(shift.WageCost), decimalFromNumber(shift.Hours), shift.Currency, raw), nil
}

func newCanonical(batch *models.RawBatch, externalId, recordType string, occurredOn, sourceUpdatedAt time.Time,
	amount, quantity decimal.Decimal, currency string, raw json.RawMessage) models.CanonicalRecord {
	return models.CanonicalRecord{
		TenantId:        batch.TenantId,
		SourceSystem:    batch.SourceSystem,
		ExternalId:      strings.TrimSpace(externalId),
		RecordType:      recordType,
		OccurredOn:      occurredOn,
		Amount:          amount,
		Currency:        strings.ToUpper(strings.TrimSpace(currency)),
		Quantity:        quantity,
		AttributesJSON:  append([]byte(nil), raw...),
		SourceUpdatedAt: sourceUpdatedAt,
		BatchId:         batch.ID,
	}
}

func externalIdHint(raw json.RawMessage) string {
	var hint struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &hint)
	return strings.TrimSpace(hint.ID)
}

func parseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("date missing")
	}
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", value)
}

func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("timestamp missing")
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", value)
}

func decimalFromNumber(num json.Number) decimal.Decimal {
	if num.String() == "" {
		return decimal.Zero
	}
	if d, err := decimal.NewFromString(num.String()); err == nil {
		return d
	}
	return decimal.Zero
}
