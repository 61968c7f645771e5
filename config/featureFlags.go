package config

import (
	"os"
	"strconv"
	"strings"
)

// StrictHistoricalLocks rejects force-override writes entirely, even for
// callers that set the override flag. Used during audits/period close.
//
// Set via env:
// - STRICT_HISTORICAL_LOCKS=true
func StrictHistoricalLocks() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("STRICT_HISTORICAL_LOCKS")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// SourceSyncEnabled allows disabling collection for one source system without
// a redeploy (e.g. a provider outage or contract lapse).
//
// Set via env:
// - SYNC_DISABLED_SOURCES="tickethub,resbook"
//
// Source keys are case-insensitive.
func SourceSyncEnabled(source string) bool {
	source = strings.ToLower(strings.TrimSpace(source))
	if source == "" {
		return false
	}
	raw := os.Getenv("SYNC_DISABLED_SOURCES")
	if strings.TrimSpace(raw) == "" {
		return true
	}
	for _, part := range strings.Split(raw, ",") {
		if strings.ToLower(strings.TrimSpace(part)) == source {
			return false
		}
	}
	return true
}

// SourceMaxConcurrency is the bound of the per-source worker pool. Each source
// system gets its own bound so one provider's rate limits don't starve others.
//
// Set via env:
// - SYNC_MAX_CONCURRENCY_POSPRO=4 (and so on per source key, uppercased)
func SourceMaxConcurrency(source string) int {
	key := "SYNC_MAX_CONCURRENCY_" + strings.ToUpper(strings.TrimSpace(source))
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	return n
}
