// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// The dematsocial-sync-helper service.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ImportFailure records a dossier that could not be imported. Failures are
// never deleted; ResolvedAt is set once a retry succeeds.
type ImportFailure struct {
	ID           string
	ExternalID   int64
	Source       string
	ErrorType    string
	ErrorMessage string
	RetryCount   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ResolvedAt   *time.Time
}

// postgresFailureStore is the Postgres implementation of failureStore.
type postgresFailureStore struct {
	db *sql.DB
}

func newPostgresFailureStore(db *sql.DB) *postgresFailureStore {
	return &postgresFailureStore{db: db}
}

// recordFailure inserts a failure for a dossier. When an unresolved failure
// already exists for the dossier it is left untouched, since the retry job
// owns it.
func (s *postgresFailureStore) recordFailure(ctx context.Context, f *ImportFailure) error {
	if f.ID == "" {
		f.ID = newRowID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO import_failures (id, external_id, source, error_type, error_message)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (external_id) WHERE resolved_at IS NULL DO NOTHING`,
		f.ID, f.ExternalID, f.Source, f.ErrorType, f.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to record import failure for dossier %d: %w", f.ExternalID, err)
	}
	return nil
}

// getUnresolvedFailures returns up to batchSize unresolved failures that
// have been retried fewer than maxAttempts times, least recently touched
// first.
func (s *postgresFailureStore) getUnresolvedFailures(ctx context.Context, batchSize, maxAttempts int) ([]ImportFailure, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, external_id, source, error_type, error_message, retry_count, created_at, updated_at
		FROM import_failures
		WHERE resolved_at IS NULL AND retry_count < $2
		ORDER BY updated_at ASC, created_at ASC
		LIMIT $1`, batchSize, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to query unresolved failures: %w", err)
	}
	defer rows.Close()

	var failures []ImportFailure
	for rows.Next() {
		var f ImportFailure
		if err := rows.Scan(&f.ID, &f.ExternalID, &f.Source, &f.ErrorType, &f.ErrorMessage,
			&f.RetryCount, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan import failure: %w", err)
		}
		failures = append(failures, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate unresolved failures: %w", err)
	}
	return failures, nil
}

// markRetryAttempt increments the retry count of a failure.
func (s *postgresFailureStore) markRetryAttempt(ctx context.Context, id string) error {
	return s.exec(ctx, "mark retry attempt",
		`UPDATE import_failures SET retry_count = retry_count + 1, updated_at = now() WHERE id = $1`, id)
}

// markResolved sets resolved_at on a failure.
func (s *postgresFailureStore) markResolved(ctx context.Context, id string) error {
	return s.exec(ctx, "mark failure resolved",
		`UPDATE import_failures SET resolved_at = now(), updated_at = now() WHERE id = $1 AND resolved_at IS NULL`, id)
}

// updateFailure replaces the error of a failure after a failed retry.
func (s *postgresFailureStore) updateFailure(ctx context.Context, id, errorType, errorMessage string) error {
	return s.exec(ctx, "update failure",
		`UPDATE import_failures SET error_type = $2, error_message = $3, updated_at = now() WHERE id = $1`,
		id, errorType, errorMessage)
}

func (s *postgresFailureStore) exec(ctx context.Context, op, query string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return nil
}
