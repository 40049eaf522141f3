// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// The dematsocial-sync-helper service.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	errKey            = "error"
	defaultListenPort = "8080"
	// gracefulShutdownSeconds should be higher than NATS client
	// request timeout, and lower than the pod or liveness probe's
	// terminationGracePeriodSeconds.
	gracefulShutdownSeconds = 25
	readinessTimeout        = 2 * time.Second
	importRequestQueue      = "dematsocial-sync-helper"
)

var (
	logger    *slog.Logger
	cfg       *Config
	natsConn  *nats.Conn
	jsContext jetstream.JetStream
	stateKV   jetstream.KeyValue
	db        *sql.DB
)

// main parses optional flags, runs the schema migrations and starts the
// import and retry schedules.
func main() {
	// Load configuration
	var err error
	cfg, err = LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	var debug = flag.Bool("d", false, "enable debug logging")
	var port = flag.String("p", cfg.Port, "health checks port")
	var bind = flag.String("bind", cfg.Bind, "interface to bind on")
	var once = flag.Bool("once", false, "run one import pass and one retry batch, then exit")
	var sinceFlag = flag.String("since", "", "import dossiers updated since this date (YYYY-MM-DD or RFC 3339) instead of the last successful run")

	flag.Usage = func() {
		flag.PrintDefaults()
		os.Exit(2)
	}
	flag.Parse()

	logOptions := &slog.HandlerOptions{}

	// Optional debug logging.
	if cfg.Debug || *debug {
		logOptions.Level = slog.LevelDebug
		logOptions.AddSource = true
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, logOptions))
	slog.SetDefault(logger)

	var since *time.Time
	if *sinceFlag != "" {
		t, err := parseChampDate(*sinceFlag)
		if err != nil {
			logger.With(errKey, err, "since", *sinceFlag).Error("invalid -since value")
			os.Exit(2)
		}
		since = &t
	}

	cat, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		logger.With(errKey, err, "catalog_path", cfg.CatalogPath).Error("error loading field catalog")
		os.Exit(1)
	}
	logger.With("catalog_version", cat.version).Info("field catalog loaded")

	importSchedule, err := parseSchedule(cfg.ImportSchedule, time.Now())
	if err != nil {
		logger.With(errKey, err).Error("error parsing IMPORT_SCHEDULE")
		os.Exit(1)
	}
	retrySchedule, err := parseSchedule(cfg.RetrySchedule, time.Now())
	if err != nil {
		logger.With(errKey, err).Error("error parsing RETRY_SCHEDULE")
		os.Exit(1)
	}

	// Support GET/POST monitoring "ping".
	http.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		// This always returns as long as the service is still running. As this
		// endpoint is expected to be used as a Kubernetes liveness check, this
		// service must likewise self-detect non-recoverable errors and
		// self-terminate.
		fmt.Fprintf(w, "OK\n")
	})

	// Basic health check.
	http.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if natsConn == nil {
			http.Error(w, "no NATS connection", http.StatusServiceUnavailable)
			return
		}
		if !natsConn.IsConnected() || natsConn.IsDraining() {
			http.Error(w, "NATS connection not ready", http.StatusServiceUnavailable)
			return
		}
		if db == nil {
			http.Error(w, "no database connection", http.StatusServiceUnavailable)
			return
		}
		pingCtx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			http.Error(w, "database not ready", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, "OK\n")
	})

	// Add an http listener for health checks. This server does NOT participate
	// in the graceful shutdown process; we want it to stay up until the process
	// is killed, to avoid liveness checks failing during the graceful shutdown.
	var addr string
	if *bind == "*" {
		addr = ":" + *port
	} else {
		addr = *bind + ":" + *port
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           http.DefaultServeMux,
		ReadHeaderTimeout: 3 * time.Second,
	}
	if !*once {
		go func() {
			err := httpServer.ListenAndServe()
			if err != nil && err != http.ErrServerClosed {
				logger.With(errKey, err).Error("http listener error")
				os.Exit(1)
			}
		}()
	}

	// Create a wait group which is used to wait while draining (gracefully
	// closing) a connection.
	gracefulCloseWG := sync.WaitGroup{}

	// Support graceful shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	// Apply schema migrations before opening the pool.
	if err := runMigrations(cfg.DatabaseURL); err != nil {
		logger.With(errKey, err).Error("error running database migrations")
		os.Exit(1)
	}

	db, err = openDatabase(ctx, cfg)
	if err != nil {
		logger.With(errKey, err).Error("error connecting to database")
		os.Exit(1)
	}
	defer db.Close()

	cases := newPostgresStore(db)
	if err := cases.syncEnumValues(ctx, cat.enumValues()); err != nil {
		logger.With(errKey, err).Error("error syncing enum values")
		os.Exit(1)
	}

	// Create NATS connection.
	gracefulCloseWG.Add(1)
	natsConn, err = nats.Connect(
		cfg.NATSURL,
		nats.DrainTimeout(gracefulShutdownSeconds*time.Second),
		nats.ErrorHandler(func(_ *nats.Conn, s *nats.Subscription, err error) {
			if s != nil {
				logger.With(errKey, err, "subject", s.Subject, "queue", s.Queue).Error("async NATS error")
			} else {
				logger.With(errKey, err).Error("async NATS error outside subscription")
			}
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if ctx.Err() != nil {
				// If our parent background context has already been canceled, this is
				// a graceful shutdown. Decrement the wait group but do not exit, to
				// allow other graceful shutdown steps to complete.
				gracefulCloseWG.Done()
				return
			}
			// Otherwise, this handler means that max reconnect attempts have been
			// exhausted.
			logger.Error("NATS max-reconnects exhausted; connection closed")
			// Send a synthetic interrupt and give any graceful-shutdown tasks 5
			// seconds to clean up.
			done <- os.Interrupt
			time.Sleep(5 * time.Second)
			// Exit with an error instead of decrementing the wait group.
			os.Exit(1)
		}),
	)
	if err != nil {
		logger.With(errKey, err).Error("error creating NATS client")
		os.Exit(1)
	}

	// Create JetStream context
	jsContext, err = jetstream.New(natsConn)
	if err != nil {
		logger.With(errKey, err).Error("error creating JetStream context")
		os.Exit(1)
	}

	// Create or get the KV bucket holding import watermarks and locks.
	stateKV, err = jsContext.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.StateBucket,
		Description: "dematsocial-sync-helper import watermarks and locks",
		History:     1,
	})
	if err != nil {
		logger.With(errKey, err, "bucket", cfg.StateBucket).Error("error accessing state KV bucket")
		os.Exit(1)
	}

	imp := newImporter(
		newDematSocialClient(cfg),
		cases,
		newPostgresFailureStore(db),
		newKVRunStateStore(stateKV, cfg.UseMsgpack),
		newKVRunLocker(stateKV, withTimeout(cfg.ImportTimeout+time.Minute)),
		newJetStreamPublisher(jsContext, cfg.EventSubject),
		cat,
	)

	jobsWG := sync.WaitGroup{}

	if *once {
		go func() {
			select {
			case <-done:
				cancel()
			case <-ctx.Done():
			}
		}()
		importAll(ctx, imp, cfg.Demarches, cfg.ImportTimeout, since)
		retryAll(ctx, imp, cfg.RetryBatchSize, cfg.RetryMaxAttempts, cfg.ImportTimeout)
	} else {
		handler := &importRequestHandler{imp: imp, timeout: cfg.ImportTimeout}
		importSub, err := natsConn.QueueSubscribe(cfg.ImportRequestSubject, importRequestQueue, handler.handleMsg)
		if err != nil {
			logger.With(errKey, err, "subject", cfg.ImportRequestSubject).Error("error subscribing to import requests")
			os.Exit(1)
		}
		defer importSub.Unsubscribe()

		jobsWG.Add(2)
		go func() {
			defer jobsWG.Done()
			// The first pass honours -since; later passes use the watermarks.
			importAll(ctx, imp, cfg.Demarches, cfg.ImportTimeout, since)
			runScheduled(ctx, "import", importSchedule, func(ctx context.Context) {
				importAll(ctx, imp, cfg.Demarches, cfg.ImportTimeout, nil)
			})
		}()
		go func() {
			defer jobsWG.Done()
			runScheduled(ctx, "retry", retrySchedule, func(ctx context.Context) {
				retryAll(ctx, imp, cfg.RetryBatchSize, cfg.RetryMaxAttempts, cfg.ImportTimeout)
			})
		}()

		// This next line blocks until SIGINT or SIGTERM is received, or NATS disconnects.
		<-done
	}

	// Begin graceful shutdown process.
	logger.Debug("beginning graceful shutdown")

	// Cancel the background context and let the running jobs stop.
	cancel()
	jobsWG.Wait()

	// Drain the connection, which will drain all remaining subscriptions, then
	// close the connection when complete.
	if !natsConn.IsClosed() && !natsConn.IsDraining() {
		logger.Info("draining NATS connection")
		if err := natsConn.Drain(); err != nil {
			logger.With(errKey, err).Error("error draining NATS connection")
			os.Exit(1)
		}
	}

	// Wait for the graceful shutdown steps to complete.
	logger.Debug("waiting for graceful shutdown steps to complete")
	gracefulCloseWG.Wait()
	logger.Debug("graceful shutdown steps completed")

	// Immediately close the HTTP server after graceful shutdown has finished.
	if err = httpServer.Close(); err != nil {
		logger.With(errKey, err).Error("http listener error on close")
	}
}
