// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// The dematsocial-sync-helper service.
package main

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// decodeChampID decodes the opaque champ id returned by the API into the
// plain key used for catalog lookups, e.g. "Q2hhbXAtNDAwMQ==" -> "Champ-4001".
// Repetition children decode to "<instance>|Champ-<n>".
func decodeChampID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("empty champ id")
	}

	decoded, err := base64.StdEncoding.DecodeString(id)
	if err != nil {
		// Some ids come back without padding.
		var rawErr error
		decoded, rawErr = base64.RawStdEncoding.DecodeString(id)
		if rawErr != nil {
			return "", fmt.Errorf("invalid champ id %q: %w", id, err)
		}
	}

	return string(decoded), nil
}

// encodeChampID is the inverse of decodeChampID.
func encodeChampID(key string) string {
	return base64.StdEncoding.EncodeToString([]byte(key))
}

// splitInstanceKey parses a repetition child key of the form
// "<instance>|<fieldKey>".
func splitInstanceKey(key string) (int, string, error) {
	instance, fieldKey, found := strings.Cut(key, "|")
	if !found {
		return 0, "", fmt.Errorf("repetition key %q has no instance prefix", key)
	}
	n, err := strconv.Atoi(instance)
	if err != nil || n < 0 {
		return 0, "", fmt.Errorf("repetition key %q has an invalid instance index", key)
	}
	if fieldKey == "" {
		return 0, "", fmt.Errorf("repetition key %q has no field key", key)
	}
	return n, fieldKey, nil
}
