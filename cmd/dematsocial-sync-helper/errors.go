// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// The dematsocial-sync-helper service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Error types recorded on import failures.
const (
	errorTypeChampMapping     = "CHAMP_MAPPING_ERROR"
	errorTypeEnumNotFound     = "ENUM_NOT_FOUND"
	errorTypeUnknownChampKind = "UNKNOWN_CHAMP_KIND"
	errorTypeFetch            = "FETCH_ERROR"
	errorTypePersistence      = "PERSISTENCE_ERROR"
	errorTypeTimeout          = "TIMEOUT"
	errorTypeUnknown          = "UNKNOWN_ERROR"
)

// errAlreadyImported is returned by the case store when a requête already
// exists for the dossier number.
var errAlreadyImported = errors.New("dossier already imported")

// ChampMappingError reports a champ whose shape does not match what the
// catalog declares for its field.
type ChampMappingError struct {
	Field  string
	Kind   string
	Reason string
}

func (e *ChampMappingError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("champ mapping error on %s (%s): %s", e.Field, e.Kind, e.Reason)
	}
	return fmt.Sprintf("champ mapping error on %s: %s", e.Field, e.Reason)
}

// EnumNotFoundError reports a selected label with no code in the field's
// option table.
type EnumNotFoundError struct {
	Field string
	Enum  string
	Label string
}

func (e *EnumNotFoundError) Error() string {
	return fmt.Sprintf("no %s code for label %q on %s", e.Enum, e.Label, e.Field)
}

// UnknownChampKindError is returned when decoding a champ whose __typename is
// not one of the known kinds.
type UnknownChampKindError struct {
	Typename string
	ChampID  string
}

func (e *UnknownChampKindError) Error() string {
	return fmt.Sprintf("unknown champ kind %q for champ %s", e.Typename, e.ChampID)
}

// remoteError wraps a failed call to the Démat Social API.
type remoteError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *remoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("demat social %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("demat social %s: %v", e.Op, e.Err)
}

func (e *remoteError) Unwrap() error {
	return e.Err
}

// persistenceError wraps a failed database operation.
type persistenceError struct {
	Op  string
	Err error
}

func (e *persistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *persistenceError) Unwrap() error {
	return e.Err
}

// classifyError maps an import error to the error type stored on the
// failure record.
func classifyError(err error) string {
	var (
		mappingErr     *ChampMappingError
		enumErr        *EnumNotFoundError
		unknownKindErr *UnknownChampKindError
		remoteErr      *remoteError
		persistErr     *persistenceError
		netErr         net.Error
	)

	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return errorTypeTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return errorTypeTimeout
	case errors.As(err, &unknownKindErr):
		return errorTypeUnknownChampKind
	case errors.As(err, &enumErr):
		return errorTypeEnumNotFound
	case errors.As(err, &mappingErr):
		return errorTypeChampMapping
	case errors.As(err, &remoteErr):
		return errorTypeFetch
	case errors.As(err, &persistErr):
		return errorTypePersistence
	default:
		return errorTypeUnknown
	}
}
