// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// The dematsocial-sync-helper service.
package main

import (
	"context"
	"errors"
	"fmt"
)

// retryReport summarises one retry batch.
type retryReport struct {
	Attempted    int
	Resolved     int
	StillFailing int
}

// retryFailures retries up to batchSize unresolved failures. A dossier that
// was imported in the meantime resolves its failure without writing a second
// requête. Each failure is handled on its own; only an error reading the
// batch is returned.
func (i *importer) retryFailures(ctx context.Context, batchSize, maxAttempts int) (retryReport, error) {
	var report retryReport

	failures, err := i.failures.getUnresolvedFailures(ctx, batchSize, maxAttempts)
	if err != nil {
		return report, err
	}

	for _, failure := range failures {
		if ctx.Err() != nil {
			break
		}
		report.Attempted++

		log := logger.With("failure_id", failure.ID, "dossier", failure.ExternalID, "retry_count", failure.RetryCount+1)

		if err := i.failures.markRetryAttempt(ctx, failure.ID); err != nil {
			log.With(errKey, err).ErrorContext(ctx, "failed to mark retry attempt")
			report.StillFailing++
			continue
		}

		retryErr := i.retryOne(ctx, failure)
		if retryErr == nil || errors.Is(retryErr, errAlreadyImported) {
			if err := i.failures.markResolved(ctx, failure.ID); err != nil {
				log.With(errKey, err).ErrorContext(ctx, "failed to mark failure resolved")
				report.StillFailing++
				continue
			}
			report.Resolved++
			log.InfoContext(ctx, "import failure resolved")
			continue
		}

		report.StillFailing++
		errorType := classifyError(retryErr)
		log.With(errKey, retryErr, "error_type", errorType).WarnContext(ctx, "retry failed")
		if err := i.failures.updateFailure(ctx, failure.ID, errorType, retryErr.Error()); err != nil {
			log.With(errKey, err).ErrorContext(ctx, "failed to update import failure")
		}
	}

	logger.With("attempted", report.Attempted, "resolved", report.Resolved, "still_failing", report.StillFailing).
		InfoContext(ctx, "retry batch completed")
	return report, nil
}

func (i *importer) retryOne(ctx context.Context, failure ImportFailure) error {
	if _, err := sourceToPrefix(failure.Source); err != nil {
		return fmt.Errorf("failure %s: %w", failure.ID, err)
	}

	exists, err := i.alreadyImported(ctx, failure.ExternalID)
	if err != nil {
		return err
	}
	if exists {
		return errAlreadyImported
	}

	_, err = i.importDossier(ctx, failure.Source, failure.ExternalID)
	return err
}
