package config

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/shopspring/decimal"
)

// CheckDefinition names one cross-source validation: two independently derived
// aggregates over canonical records for a (tenant, date), compared within
// tolerance. Thresholds are percentages of the expected value.
//
// Business tolerances are not final yet, so the whole check set is
// configuration: VALIDATION_CHECKS_JSON overrides the defaults below.
type CheckDefinition struct {
	Name string `json:"name"`

	ExpectedSource     string `json:"expected_source"`
	ExpectedRecordType string `json:"expected_record_type"`
	ActualSource       string `json:"actual_source"`
	ActualRecordType   string `json:"actual_record_type"`

	// Metric is "amount" or "quantity".
	Metric string `json:"metric"`

	WarnPct decimal.Decimal `json:"warn_pct"`
	FailPct decimal.Decimal `json:"fail_pct"`
}

func defaultCheckDefinitions() []CheckDefinition {
	return []CheckDefinition{
		{
			Name:               "pos_vs_ledger_revenue",
			ExpectedSource:     "pospro",
			ExpectedRecordType: "payment_line",
			ActualSource:       "ledgerly",
			ActualRecordType:   "schedule_entry",
			Metric:             "amount",
			WarnPct:            decimal.NewFromFloat(0.5),
			FailPct:            decimal.NewFromFloat(2.0),
		},
		{
			Name:               "tickets_vs_pos_ticket_sales",
			ExpectedSource:     "tickethub",
			ExpectedRecordType: "ticket_sale",
			ActualSource:       "pospro",
			ActualRecordType:   "payment_line",
			Metric:             "amount",
			WarnPct:            decimal.NewFromFloat(1.0),
			FailPct:            decimal.NewFromFloat(5.0),
		},
		{
			Name:               "reservations_vs_pos_covers",
			ExpectedSource:     "resbook",
			ExpectedRecordType: "reservation",
			ActualSource:       "pospro",
			ActualRecordType:   "payment_line",
			Metric:             "quantity",
			WarnPct:            decimal.NewFromFloat(5.0),
			FailPct:            decimal.NewFromFloat(15.0),
		},
	}
}

// ValidationChecks returns the active check set. Invalid override JSON falls
// back to the defaults rather than silently running zero checks.
func ValidationChecks() []CheckDefinition {
	raw := strings.TrimSpace(os.Getenv("VALIDATION_CHECKS_JSON"))
	if raw == "" {
		return defaultCheckDefinitions()
	}
	var defs []CheckDefinition
	if err := json.Unmarshal([]byte(raw), &defs); err != nil || len(defs) == 0 {
		if logg != nil {
			logg.WithField("field", "ValidationChecks").Warn("invalid VALIDATION_CHECKS_JSON; using defaults")
		}
		return defaultCheckDefinitions()
	}
	return defs
}

// WarnEscalationCount is how many consecutive warns on the same check open an
// anomaly even without a hard fail.
func WarnEscalationCount() int {
	return intFromEnv("VALIDATION_WARN_ESCALATION", 3)
}
