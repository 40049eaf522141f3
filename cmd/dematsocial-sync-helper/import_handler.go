// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// The dematsocial-sync-helper service.
package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	nats "github.com/nats-io/nats.go"
)

// importRequestHandler serves manual import requests over NATS
// request-reply. The request payload is "[SOURCE:]dossierNumber"; the reply
// is "ok: <functional id>", "ok: already imported" or an error message
// prefixed with "error: ".
type importRequestHandler struct {
	imp     *importer
	timeout time.Duration
}

func (h *importRequestHandler) handleMsg(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	logger.With("payload", string(msg.Data), "subject", msg.Subject).DebugContext(ctx, "received import request")

	reply := h.handle(ctx, msg.Data)
	if err := msg.Respond([]byte(reply)); err != nil {
		logger.With(errKey, err, "payload", string(msg.Data)).ErrorContext(ctx, "failed to respond to import request")
	}
}

// handle imports one dossier and returns the reply payload. A failed import
// is recorded like one from a scheduled run.
func (h *importRequestHandler) handle(ctx context.Context, data []byte) string {
	source, number, err := parseImportRequest(string(data))
	if err != nil {
		return "error: " + err.Error()
	}

	exists, err := h.imp.alreadyImported(ctx, number)
	if err != nil {
		logger.With(errKey, err, "dossier", number).ErrorContext(ctx, "error checking existing requête")
		return "error: " + err.Error()
	}
	if exists {
		return "ok: already imported"
	}

	created, err := h.imp.importDossier(ctx, source, number)
	switch {
	case err == nil:
		logger.With("dossier", number, "functional_id", created.FunctionalID).InfoContext(ctx, "imported dossier on request")
		return "ok: " + created.FunctionalID
	case errors.Is(err, errAlreadyImported):
		return "ok: already imported"
	default:
		h.imp.recordFailure(ctx, source, number, err)
		return "error: " + err.Error()
	}
}

// parseImportRequest parses "[SOURCE:]dossierNumber". The source defaults to
// DEMAT_SOCIAL.
func parseImportRequest(payload string) (string, int64, error) {
	payload = strings.TrimSpace(payload)
	source, numberStr, found := strings.Cut(payload, ":")
	if !found {
		source, numberStr = sourceDematSocial, payload
	}
	source = strings.ToUpper(strings.TrimSpace(source))
	if _, err := sourceToPrefix(source); err != nil {
		return "", 0, err
	}

	number, err := strconv.ParseInt(strings.TrimSpace(numberStr), 10, 64)
	if err != nil || number <= 0 {
		return "", 0, fmt.Errorf("invalid dossier number %q", numberStr)
	}
	return source, number, nil
}
