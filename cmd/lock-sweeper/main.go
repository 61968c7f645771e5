package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/barops_backend/config"
	"bitbucket.org/mmdatafocus/barops_backend/workflow"
)

// One-shot sweeper for cron. Evaluates all dates older than the retention
// window and locks the ones with no open anomalies and at least one settled run.
func main() {
	retention := flag.Int("retention-days", 0, "Optional: override LOCK_RETENTION_DAYS (default 7).")
	actor := flag.String("actor", "lock-sweeper", "Actor name recorded on created locks.")
	flag.Parse()

	days := *retention
	if days <= 0 {
		if v := strings.TrimSpace(os.Getenv("LOCK_RETENTION_DAYS")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				days = n
			}
		}
	}
	if days <= 0 {
		days = 7
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	result, err := workflow.SweepLocks(ctx, db, days, *actor)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lock sweep failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Lock sweep complete retention_days=%d candidates=%d locked=%d skipped=%d\n",
		days, result.Candidates, result.Locked, result.Skipped)
}
