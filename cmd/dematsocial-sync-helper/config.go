// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// The dematsocial-sync-helper service.
package main

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

const (
	defaultDematSocialAPIURL = "https://www.demarches-simplifiees.fr/api/v2/graphql"
	defaultImportSchedule    = "FREQ=MINUTELY;INTERVAL=15"
	defaultRetrySchedule     = "FREQ=HOURLY;INTERVAL=1"
)

// demarcheSource is one démarche to import, with the requête source its
// dossiers are filed under.
type demarcheSource struct {
	Source string
	Number int
}

// Config holds all configuration values for the dematsocial-sync-helper
// service.
type Config struct {
	// Démat Social API configuration
	DematSocialAPIURL    *url.URL
	DematSocialAPIToken  string
	Demarches            []demarcheSource
	InstructeurID        string // Optional: instructeur used to pass dossiers en instruction
	DematSocialRateLimit int    // Requests per minute

	// Database configuration
	DatabaseURL    string
	DBMaxOpenConns int
	DBMaxIdleConns int

	// NATS configuration
	NATSURL              string
	StateBucket          string // KV bucket for run watermarks and locks
	EventSubject         string // Subject of requête imported events
	ImportRequestSubject string // Subject of manual import requests

	// Scheduling (RFC 5545 recurrence rules)
	ImportSchedule   string
	ImportTimeout    time.Duration
	RetrySchedule    string
	RetryBatchSize   int
	RetryMaxAttempts int

	// Catalog override; the embedded catalog is used when empty
	CatalogPath string

	// Encode KV state values as MessagePack instead of JSON
	UseMsgpack bool

	// Server configuration
	Port string
	Bind string

	// Logging
	Debug bool
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	apiURLStr := os.Getenv("DEMAT_SOCIAL_API_URL")
	if apiURLStr == "" {
		apiURLStr = defaultDematSocialAPIURL
	}
	apiURL, err := url.Parse(apiURLStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DEMAT_SOCIAL_API_URL: %w", err)
	}

	demarches, err := parseDemarches(os.Getenv("DEMAT_SOCIAL_DEMARCHES"))
	if err != nil {
		return nil, err
	}

	importTimeout, err := parseDurationEnv("IMPORT_TIMEOUT", 10*time.Minute)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DematSocialAPIURL:    apiURL,
		DematSocialAPIToken:  os.Getenv("DEMAT_SOCIAL_API_TOKEN"),
		Demarches:            demarches,
		InstructeurID:        os.Getenv("DEMAT_SOCIAL_INSTRUCTEUR_ID"),
		DematSocialRateLimit: parseIntEnv("DEMAT_SOCIAL_RATE_PER_MINUTE", 100),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		DBMaxOpenConns:       parseIntEnv("DB_MAX_OPEN_CONNS", 10),
		DBMaxIdleConns:       parseIntEnv("DB_MAX_IDLE_CONNS", 5),
		NATSURL:              os.Getenv("NATS_URL"),
		StateBucket:          os.Getenv("STATE_BUCKET"),
		EventSubject:         os.Getenv("EVENT_SUBJECT"),
		ImportRequestSubject: os.Getenv("IMPORT_REQUEST_SUBJECT"),
		ImportSchedule:       os.Getenv("IMPORT_SCHEDULE"),
		ImportTimeout:        importTimeout,
		RetrySchedule:        os.Getenv("RETRY_SCHEDULE"),
		RetryBatchSize:       parseIntEnv("RETRY_BATCH_SIZE", 50),
		RetryMaxAttempts:     parseIntEnv("RETRY_MAX_ATTEMPTS", 10),
		CatalogPath:          os.Getenv("CATALOG_PATH"),
		UseMsgpack:           parseBooleanEnv("USE_MSGPACK"),
		Port:                 os.Getenv("PORT"),
		Bind:                 os.Getenv("BIND"),
		Debug:                parseBooleanEnv("DEBUG"),
	}

	// Set defaults
	if cfg.NATSURL == "" {
		cfg.NATSURL = "nats://nats:4222"
	}
	if cfg.StateBucket == "" {
		cfg.StateBucket = "dematsocial-sync-state"
	}
	if cfg.EventSubject == "" {
		cfg.EventSubject = "sirena.requete.imported"
	}
	if cfg.ImportRequestSubject == "" {
		cfg.ImportRequestSubject = "sirena.dematsocial.import"
	}
	if cfg.ImportSchedule == "" {
		cfg.ImportSchedule = defaultImportSchedule
	}
	if cfg.RetrySchedule == "" {
		cfg.RetrySchedule = defaultRetrySchedule
	}
	if cfg.Port == "" {
		cfg.Port = defaultListenPort
	}
	if cfg.Bind == "" {
		cfg.Bind = "*"
	}

	// Validate required configuration
	if cfg.DematSocialAPIToken == "" {
		return nil, fmt.Errorf("DEMAT_SOCIAL_API_TOKEN environment variable is required")
	}
	if len(cfg.Demarches) == 0 {
		return nil, fmt.Errorf("DEMAT_SOCIAL_DEMARCHES environment variable is required (comma-separated list of [SOURCE:]number)")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	return cfg, nil
}

// parseDemarches parses a comma-separated list of "[SOURCE:]number" entries.
// Entries without a source are filed under DEMAT_SOCIAL.
func parseDemarches(value string) ([]demarcheSource, error) {
	var demarches []demarcheSource
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		source, numberStr, found := strings.Cut(item, ":")
		if !found {
			source, numberStr = sourceDematSocial, item
		}
		source = strings.ToUpper(strings.TrimSpace(source))
		if _, err := sourceToPrefix(source); err != nil {
			return nil, fmt.Errorf("invalid DEMAT_SOCIAL_DEMARCHES entry %q: %w", item, err)
		}

		number, err := strconv.Atoi(strings.TrimSpace(numberStr))
		if err != nil || number <= 0 {
			return nil, fmt.Errorf("invalid DEMAT_SOCIAL_DEMARCHES entry %q: bad démarche number", item)
		}
		if slices.ContainsFunc(demarches, func(d demarcheSource) bool { return d.Number == number }) {
			return nil, fmt.Errorf("démarche %d is listed more than once in DEMAT_SOCIAL_DEMARCHES", number)
		}

		demarches = append(demarches, demarcheSource{Source: source, Number: number})
	}
	return demarches, nil
}

// parseBooleanEnv parses a boolean environment variable with common truthy values.
func parseBooleanEnv(envVar string) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(envVar)))
	truthyValues := []string{"true", "yes", "t", "y", "1"}
	return slices.Contains(truthyValues, value)
}

// parseIntEnv parses an integer environment variable with a default value.
func parseIntEnv(envVar string, defaultVal int) int {
	s := strings.TrimSpace(os.Getenv(envVar))
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	return v
}

// parseDurationEnv parses a duration environment variable such as "10m".
func parseDurationEnv(envVar string, defaultVal time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(os.Getenv(envVar))
	if s == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s duration %q", envVar, s)
	}
	return d, nil
}
