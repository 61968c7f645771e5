package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/barops_backend/config"
	"bitbucket.org/mmdatafocus/barops_backend/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Validate re-evaluates the configured cross-source checks for one
// (tenant, date). It reads canonical records, appends ValidationResults and
// drives the anomaly lifecycle; it never raises pipeline errors for data
// findings, only for storage failures.
func Validate(ctx context.Context, db *gorm.DB, tenantId string, date time.Time, syncRunId uint, correlationId string) error {
	logger := config.GetLogger()

	for _, check := range config.ValidationChecks() {
		expected, err := sumAggregate(ctx, db, tenantId, date, check.ExpectedSource, check.ExpectedRecordType, check.Metric)
		if err != nil {
			return err
		}
		actual, err := sumAggregate(ctx, db, tenantId, date, check.ActualSource, check.ActualRecordType, check.Metric)
		if err != nil {
			return err
		}

		status, deltaPct := EvaluateCheck(expected, actual, check.WarnPct, check.FailPct)
		result := models.ValidationResult{
			TenantId:      tenantId,
			CheckDate:     date,
			CheckName:     check.Name,
			SyncRunId:     &syncRunId,
			ExpectedValue: expected,
			ActualValue:   actual,
			DeltaPct:      &deltaPct,
			Status:        status,
			Detail:        fmt.Sprintf("expected=%s actual=%s delta_pct=%s", expected, actual, deltaPct),
		}

		err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&result).Error; err != nil {
				return err
			}
			return applyAnomalyLifecycle(tx, &result, correlationId)
		})
		if err != nil {
			return err
		}

		logger.WithFields(logrus.Fields{
			"field":          "Validator",
			"tenant_id":      tenantId,
			"check":          check.Name,
			"check_date":     date.Format("2006-01-02"),
			"status":         status,
			"delta_pct":      deltaPct.String(),
			"correlation_id": correlationId,
		}).Info("validation check evaluated")
	}
	return nil
}

// EvaluateCheck derives a status from the percentage delta between two
// aggregates. A zero expected value with a nonzero actual is a hard fail
// (the delta is unbounded); both zero is a clean ok.
func EvaluateCheck(expected, actual, warnPct, failPct decimal.Decimal) (string, decimal.Decimal) {
	if expected.IsZero() {
		if actual.IsZero() {
			return models.ValidationStatusOk, decimal.Zero
		}
		return models.ValidationStatusFail, decimal.NewFromInt(100)
	}
	deltaPct := actual.Sub(expected).Abs().Div(expected.Abs()).Mul(decimal.NewFromInt(100)).Round(4)
	switch {
	case deltaPct.GreaterThan(failPct):
		return models.ValidationStatusFail, deltaPct
	case deltaPct.GreaterThan(warnPct):
		return models.ValidationStatusWarn, deltaPct
	}
	return models.ValidationStatusOk, deltaPct
}

func sumAggregate(ctx context.Context, db *gorm.DB, tenantId string, date time.Time, source, recordType, metric string) (decimal.Decimal, error) {
	column := "amount"
	if metric == "quantity" {
		column = "quantity"
	}
	var raw *string
	err := db.WithContext(ctx).Model(&models.CanonicalRecord{}).
		Select("CAST(SUM("+column+") AS CHAR)").
		Where("tenant_id = ? AND occurred_on = ? AND source_system = ? AND record_type = ?",
			tenantId, date.Format("2006-01-02"), source, recordType).
		Scan(&raw).Error
	if err != nil {
		return decimal.Zero, err
	}
	if raw == nil || *raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(*raw)
}

// applyAnomalyLifecycle opens, escalates or resolves the anomaly for one
// appended result. Transitions enqueue AlertOutbox rows in the same
// transaction so alert delivery is at-least-once.
func applyAnomalyLifecycle(tx *gorm.DB, result *models.ValidationResult, correlationId string) error {
	open, err := models.FindOpenAnomaly(tx, result.TenantId, result.CheckName, result.CheckDate)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	deltaPct := decimal.Zero
	if result.DeltaPct != nil {
		deltaPct = *result.DeltaPct
	}

	switch result.Status {
	case models.ValidationStatusOk:
		if open == nil {
			return nil
		}
		if err := tx.Model(open).Updates(map[string]interface{}{
			"status":         models.AnomalyStatusResolved,
			"resolved_at":    &now,
			"resolved_by":    models.AnomalyResolvedByCheck,
			"last_seen_at":   now,
			"last_delta_pct": deltaPct,
		}).Error; err != nil {
			return err
		}
		return enqueueAlert(tx, open, models.AlertEventAnomalyResolved, result, correlationId)

	case models.ValidationStatusFail:
		if open != nil {
			return tx.Model(open).Updates(map[string]interface{}{
				"severity":       models.AnomalySeverityFail,
				"occurrences":    gorm.Expr("occurrences + 1"),
				"last_seen_at":   now,
				"last_delta_pct": deltaPct,
				"detail":         result.Detail,
			}).Error
		}
		return openAnomaly(tx, result, models.AnomalySeverityFail, deltaPct, correlationId)

	case models.ValidationStatusWarn:
		if open != nil {
			return tx.Model(open).Updates(map[string]interface{}{
				"occurrences":    gorm.Expr("occurrences + 1"),
				"last_seen_at":   now,
				"last_delta_pct": deltaPct,
				"detail":         result.Detail,
			}).Error
		}
		// Warns escalate to an anomaly only once they repeat.
		streak, err := consecutiveWarns(tx, result)
		if err != nil {
			return err
		}
		if streak >= config.WarnEscalationCount() {
			return openAnomaly(tx, result, models.AnomalySeverityWarn, deltaPct, correlationId)
		}
	}
	return nil
}

// consecutiveWarns counts the trailing unbroken warn streak for the check,
// including the result just appended.
func consecutiveWarns(tx *gorm.DB, result *models.ValidationResult) (int, error) {
	var recent []models.ValidationResult
	err := tx.Where("tenant_id = ? AND check_date = ? AND check_name = ?",
		result.TenantId, result.CheckDate.Format("2006-01-02"), result.CheckName).
		Order("id DESC").
		Limit(config.WarnEscalationCount()).
		Find(&recent).Error
	if err != nil {
		return 0, err
	}
	streak := 0
	for _, r := range recent {
		if r.Status != models.ValidationStatusWarn {
			break
		}
		streak++
	}
	return streak, nil
}

func openAnomaly(tx *gorm.DB, result *models.ValidationResult, severity string, deltaPct decimal.Decimal, correlationId string) error {
	now := time.Now().UTC()
	anomaly := models.Anomaly{
		TenantId:     result.TenantId,
		CheckName:    result.CheckName,
		CheckDate:    result.CheckDate,
		Status:       models.AnomalyStatusOpen,
		Severity:     severity,
		Occurrences:  1,
		LastDeltaPct: deltaPct,
		Detail:       result.Detail,
		FirstSeenAt:  now,
		LastSeenAt:   now,
	}
	if err := tx.Create(&anomaly).Error; err != nil {
		return err
	}
	return enqueueAlert(tx, &anomaly, models.AlertEventAnomalyOpened, result, correlationId)
}

func enqueueAlert(tx *gorm.DB, anomaly *models.Anomaly, eventType string, result *models.ValidationResult, correlationId string) error {
	deltaPct := ""
	if result.DeltaPct != nil {
		deltaPct = result.DeltaPct.String()
	}
	payload, _ := json.Marshal(models.AlertEvent{
		TenantId:      anomaly.TenantId,
		AnomalyId:     anomaly.ID,
		EventType:     eventType,
		CheckName:     anomaly.CheckName,
		CheckDate:     anomaly.CheckDate.Format("2006-01-02"),
		Severity:      anomaly.Severity,
		DeltaPct:      deltaPct,
		Detail:        anomaly.Detail,
		CorrelationId: correlationId,
		EmittedAt:     time.Now().UTC(),
	})
	outbox := models.AlertOutbox{
		TenantId:      anomaly.TenantId,
		AnomalyId:     anomaly.ID,
		EventType:     eventType,
		Payload:       payload,
		PublishStatus: models.AlertPublishStatusPending,
		CorrelationId: correlationId,
	}
	return tx.Create(&outbox).Error
}
