// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// The dematsocial-sync-helper service.
package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

// parseSchedule parses an RFC 5545 recurrence rule such as
// "FREQ=MINUTELY;INTERVAL=15". Occurrences are anchored at midnight UTC of the
// anchor's day, so that every replica ticks at the same wall-clock times.
func parseSchedule(rule string, anchor time.Time) (*rrule.RRule, error) {
	r, err := rrule.StrToRRule(rule)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", rule, err)
	}
	anchor = anchor.UTC()
	r.DTStart(time.Date(anchor.Year(), anchor.Month(), anchor.Day(), 0, 0, 0, 0, time.UTC))
	return r, nil
}

// nextRun returns the first occurrence strictly after now, and false when the
// rule has no further occurrence.
func nextRun(r *rrule.RRule, now time.Time) (time.Time, bool) {
	next := r.After(now, false)
	return next, !next.IsZero()
}

// runScheduled calls job at every occurrence of the rule until ctx is done.
// Occurrences missed while job runs are skipped.
func runScheduled(ctx context.Context, name string, r *rrule.RRule, job func(context.Context)) {
	log := logger.With("job", name)
	for {
		next, ok := nextRun(r, time.Now())
		if !ok {
			log.WarnContext(ctx, "schedule has no further occurrence, stopping job")
			return
		}
		log.With("next_run", next.Format(time.RFC3339)).DebugContext(ctx, "job scheduled")

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		job(ctx)
	}
}

// importAll runs one import pass over every configured démarche, each under
// its own timeout. since overrides the stored watermarks when set.
func importAll(ctx context.Context, imp *importer, demarches []demarcheSource, timeout time.Duration, since *time.Time) {
	for _, d := range demarches {
		if ctx.Err() != nil {
			return
		}

		runCtx, cancel := context.WithTimeout(ctx, timeout)
		_, err := imp.run(runCtx, d, since)
		cancel()

		switch {
		case err == nil:
		case errors.Is(err, errImportInProgress):
			logger.With("source", d.Source, "demarche", d.Number).InfoContext(ctx, "import already running on another replica, skipping")
		default:
			logger.With(errKey, err, "source", d.Source, "demarche", d.Number, "error_type", classifyError(err)).
				ErrorContext(ctx, "import run failed")
		}
	}
}

// retryAll runs one retry batch under the import timeout.
func retryAll(ctx context.Context, imp *importer, batchSize, maxAttempts int, timeout time.Duration) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := imp.retryFailures(runCtx, batchSize, maxAttempts); err != nil {
		logger.With(errKey, err).ErrorContext(ctx, "retry batch failed")
	}
}
