// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// The dematsocial-sync-helper service.
package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
)

const (
	// legacyExcludedDossierNumber is a dossier submitted before the form was
	// stabilised, whose answers cannot be mapped. It is skipped permanently.
	legacyExcludedDossierNumber int64 = 23456789

	seenCacheExpiration = 24 * time.Hour
	seenCacheCleanup    = time.Hour
)

// errImportInProgress is returned when another replica holds the import lock
// of a démarche.
var errImportInProgress = errors.New("import already in progress")

// dossierSource is the remote submission service.
type dossierSource interface {
	listSince(ctx context.Context, demarcheNumber int, since *time.Time) ([]dossierCandidate, error)
	fetchDossier(ctx context.Context, number int64) (*Dossier, error)
	markInReview(ctx context.Context, dossierID string) error
}

// caseStore persists normalized requêtes.
type caseStore interface {
	caseExistsByExternalID(ctx context.Context, externalID int64) (bool, error)
	createCase(ctx context.Context, source string, c *NormalizedCase) (*createdCase, error)
}

// failureStore persists import failures.
type failureStore interface {
	recordFailure(ctx context.Context, f *ImportFailure) error
	getUnresolvedFailures(ctx context.Context, batchSize, maxAttempts int) ([]ImportFailure, error)
	markRetryAttempt(ctx context.Context, id string) error
	markResolved(ctx context.Context, id string) error
	updateFailure(ctx context.Context, id, errorType, errorMessage string) error
}

// runReport summarises one import run.
type runReport struct {
	Listed   int `json:"listed" msgpack:"listed"`
	Imported int `json:"imported" msgpack:"imported"`
	Skipped  int `json:"skipped" msgpack:"skipped"`
	Failed   int `json:"failed" msgpack:"failed"`
}

// importer pulls dossiers from Démat Social and turns them into requêtes.
type importer struct {
	remote   dossierSource
	cases    caseStore
	failures failureStore
	state    runStateStore
	locker   runLocker
	events   eventPublisher
	catalog  *catalog
	// seen caches dossier numbers known to be imported, in front of the
	// store lookup. Only positive answers are cached.
	seen *cache.Cache
	now  func() time.Time
}

func newImporter(remote dossierSource, cases caseStore, failures failureStore, state runStateStore, locker runLocker, events eventPublisher, cat *catalog) *importer {
	return &importer{
		remote:   remote,
		cases:    cases,
		failures: failures,
		state:    state,
		locker:   locker,
		events:   events,
		catalog:  cat,
		seen:     cache.New(seenCacheExpiration, seenCacheCleanup),
		now:      time.Now,
	}
}

// demarcheScope identifies a démarche in run state and lock keys.
func demarcheScope(d demarcheSource) string {
	return d.Source + ":" + strconv.Itoa(d.Number)
}

// run imports the dossiers of a démarche updated since the given time, or
// since the last successful run when since is nil. Candidates are processed
// sequentially; a failing candidate is recorded and does not stop the run.
// The watermark only moves forward when the whole listing was processed.
func (i *importer) run(ctx context.Context, d demarcheSource, since *time.Time) (runReport, error) {
	var report runReport
	scope := demarcheScope(d)
	log := logger.With("source", d.Source, "demarche", d.Number)

	lockKey := importLockKey(scope)
	acquired, err := i.locker.acquire(ctx, lockKey)
	if err != nil {
		return report, fmt.Errorf("failed to acquire import lock: %w", err)
	}
	if !acquired {
		return report, errImportInProgress
	}
	defer func() {
		// The run context may be done by now.
		if err := i.locker.release(context.WithoutCancel(ctx), lockKey); err != nil {
			log.With(errKey, err, "lock_key", lockKey).WarnContext(ctx, "failed to release import lock")
		}
	}()

	startedAt := i.now().UTC()

	if since == nil {
		since, err = i.state.lastSuccess(ctx, scope)
		if err != nil {
			return report, err
		}
	}
	if since != nil {
		log = log.With("since", since.Format(time.RFC3339))
	}

	candidates, err := i.remote.listSince(ctx, d.Number, since)
	if err != nil {
		return report, fmt.Errorf("failed to list dossiers: %w", err)
	}
	report.Listed = len(candidates)
	log.With("listed", report.Listed).InfoContext(ctx, "listed dossiers to import")

	for _, candidate := range candidates {
		if ctx.Err() != nil {
			break
		}

		if candidate.Number == legacyExcludedDossierNumber {
			log.With("dossier", candidate.Number).DebugContext(ctx, "skipping legacy dossier")
			report.Skipped++
			continue
		}

		created, err := i.importCandidate(ctx, d.Source, candidate)
		switch {
		case err == nil:
			report.Imported++
			log.With("dossier", candidate.Number, "functional_id", created.FunctionalID).InfoContext(ctx, "imported dossier")
		case errors.Is(err, errAlreadyImported):
			report.Skipped++
		case ctx.Err() != nil:
			// Interrupted mid-candidate: nothing was committed, and the next
			// run picks it up again.
			log.With(errKey, err, "dossier", candidate.Number).WarnContext(ctx, "import interrupted")
		default:
			report.Failed++
			i.recordFailure(ctx, d.Source, candidate.Number, err)
		}
	}

	if err := ctx.Err(); err != nil {
		log.With(errKey, err, "imported", report.Imported, "failed", report.Failed).WarnContext(ctx, "import run interrupted, watermark not advanced")
		return report, err
	}

	if err := i.state.setLastSuccess(ctx, scope, runState{LastSuccess: startedAt, Report: report}); err != nil {
		return report, err
	}

	log.With("listed", report.Listed, "imported", report.Imported, "skipped", report.Skipped, "failed", report.Failed).
		InfoContext(ctx, "import run completed")
	return report, nil
}

// importCandidate runs the per-candidate pipeline: dedupe, pass en
// instruction, then import. errAlreadyImported is returned for a dossier that
// already has a requête.
func (i *importer) importCandidate(ctx context.Context, source string, candidate dossierCandidate) (*createdCase, error) {
	exists, err := i.alreadyImported(ctx, candidate.Number)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errAlreadyImported
	}

	if candidate.State == dossierStateEnConstruction {
		if err := i.remote.markInReview(ctx, candidate.ID); err != nil {
			logger.With(errKey, err, "dossier", candidate.Number).WarnContext(ctx, "failed to pass dossier en instruction")
		}
	}

	return i.importDossier(ctx, source, candidate.Number)
}

// importDossier fetches, normalizes and persists one dossier, then publishes
// the imported event.
func (i *importer) importDossier(ctx context.Context, source string, number int64) (*createdCase, error) {
	dossier, err := i.remote.fetchDossier(ctx, number)
	if err != nil {
		return nil, err
	}

	normalized, err := mapDossier(i.catalog, dossier.Champs, dossier.Number, dossier.DateDepot, identityFromDossier(dossier))
	if err != nil {
		return nil, fmt.Errorf("failed to map dossier %d: %w", number, err)
	}

	created, err := i.cases.createCase(ctx, source, normalized)
	if err != nil {
		if errors.Is(err, errAlreadyImported) {
			i.markSeen(number)
		}
		return nil, err
	}
	i.markSeen(number)

	event := caseImportedEvent{
		RequeteID:     created.ID,
		FunctionalID:  created.FunctionalID,
		DematSocialID: number,
		Source:        source,
		Files:         created.Files,
	}
	if err := i.events.publishImported(ctx, event); err != nil {
		logger.With(errKey, err, "dossier", number, "requete_id", created.ID).ErrorContext(ctx, "failed to publish requête imported event")
	}

	return created, nil
}

func (i *importer) alreadyImported(ctx context.Context, number int64) (bool, error) {
	if _, found := i.seen.Get(seenKey(number)); found {
		return true, nil
	}
	exists, err := i.cases.caseExistsByExternalID(ctx, number)
	if err != nil {
		return false, err
	}
	if exists {
		i.markSeen(number)
	}
	return exists, nil
}

func (i *importer) markSeen(number int64) {
	i.seen.Set(seenKey(number), true, cache.DefaultExpiration)
}

func seenKey(number int64) string {
	return strconv.FormatInt(number, 10)
}

// recordFailure records a failed candidate. Errors are logged only.
func (i *importer) recordFailure(ctx context.Context, source string, number int64, importErr error) {
	failure := &ImportFailure{
		ExternalID:   number,
		Source:       source,
		ErrorType:    classifyError(importErr),
		ErrorMessage: importErr.Error(),
	}

	logger.With(errKey, importErr, "dossier", number, "error_type", failure.ErrorType).ErrorContext(ctx, "failed to import dossier")

	if err := i.failures.recordFailure(ctx, failure); err != nil {
		logger.With(errKey, err, "dossier", number).ErrorContext(ctx, "failed to record import failure")
	}
}
