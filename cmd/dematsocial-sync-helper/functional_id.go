// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// The dematsocial-sync-helper service.
package main

// Functional ids of requêtes.
//
// A functional id has the form <prefix>-<year>-<month>-<sequence>, e.g.
// RD-2025-09-14. The prefix is given by the requête source and the sequence
// restarts at 1 on the first requête of every month, per prefix.
//
// The sequence comes from an atomic counter row per month key, incremented in
// the same transaction as the requête insert. The first use of a month key is
// seeded from the number of existing requêtes with that key, so the counter
// continues any sequence started before the counter table existed.

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Requête sources.
const (
	sourceDematSocial = "DEMAT_SOCIAL"
	sourceSaisie      = "SAISIE"
	sourceTelephone   = "TELEPHONE"
	sourceCourrier    = "COURRIER"
	sourceEmail       = "EMAIL"
)

var sourcePrefixes = map[string]string{
	sourceDematSocial: "RD",
	sourceSaisie:      "RS",
	sourceTelephone:   "RT",
	sourceCourrier:    "RC",
	sourceEmail:       "RE",
}

// sequenceCounter returns the next sequence number for a month key.
type sequenceCounter interface {
	next(ctx context.Context, monthKey string) (int64, error)
}

// sourceToPrefix returns the functional id prefix of a source.
func sourceToPrefix(source string) (string, error) {
	prefix, ok := sourcePrefixes[source]
	if !ok {
		return "", fmt.Errorf("unknown requête source %q", source)
	}
	return prefix, nil
}

// functionalIDMonthKey returns the month key "<prefix>-<yyyy>-<mm>-".
func functionalIDMonthKey(prefix string, at time.Time) string {
	return fmt.Sprintf("%s-%04d-%02d-", prefix, at.Year(), int(at.Month()))
}

// generateFunctionalID mints the functional id of a requête created at the
// given time.
func generateFunctionalID(ctx context.Context, source string, at time.Time, counter sequenceCounter) (string, error) {
	prefix, err := sourceToPrefix(source)
	if err != nil {
		return "", err
	}
	monthKey := functionalIDMonthKey(prefix, at)

	seq, err := counter.next(ctx, monthKey)
	if err != nil {
		return "", fmt.Errorf("failed to get next sequence for %s: %w", monthKey, err)
	}
	return fmt.Sprintf("%s%d", monthKey, seq), nil
}

// nextSequenceSQL increments the counter of a month key, creating it from the
// count of existing functional ids on first use. The row lock taken by the
// upsert serialises concurrent transactions on the same month key.
const nextSequenceSQL = `
INSERT INTO functional_id_counters (month_key, value)
VALUES ($1, (SELECT COUNT(*) FROM requetes WHERE functional_id LIKE $2) + 1)
ON CONFLICT (month_key) DO UPDATE
SET value = functional_id_counters.value + 1, updated_at = now()
RETURNING value`

// txSequenceCounter is the sequenceCounter of a Postgres transaction.
type txSequenceCounter struct {
	tx *sql.Tx
}

func (c txSequenceCounter) next(ctx context.Context, monthKey string) (int64, error) {
	var value int64
	if err := c.tx.QueryRowContext(ctx, nextSequenceSQL, monthKey, monthKey+"%").Scan(&value); err != nil {
		return 0, err
	}
	return value, nil
}
