// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// The dematsocial-sync-helper service.
package main

import (
	"context"
	"encoding/json"
	"fmt"

	nats "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// caseImportedEvent is published once a requête is committed. Consumers such
// as the attachment scanner pick up the files from it.
type caseImportedEvent struct {
	RequeteID     string         `json:"requete_id"`
	FunctionalID  string         `json:"functional_id"`
	DematSocialID int64          `json:"dematsocial_id"`
	Source        string         `json:"source"`
	Files         []AttachedFile `json:"files"`
}

// eventPublisher publishes case lifecycle events.
type eventPublisher interface {
	publishImported(ctx context.Context, event caseImportedEvent) error
}

// jetStreamPublisher publishes events to a JetStream subject.
type jetStreamPublisher struct {
	js      jetstream.JetStream
	subject string
}

func newJetStreamPublisher(js jetstream.JetStream, subject string) *jetStreamPublisher {
	return &jetStreamPublisher{js: js, subject: subject}
}

// publishImported implements eventPublisher.
func (p *jetStreamPublisher) publishImported(ctx context.Context, event caseImportedEvent) error {
	if event.Files == nil {
		event.Files = []AttachedFile{}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &nats.Msg{
		Subject: p.subject,
		Data:    data,
		Header:  nats.Header{},
	}
	// The requête id is the deduplication id, so a republished event is
	// dropped by the stream.
	msg.Header.Set("Nats-Msg-Id", event.RequeteID)

	if _, err := p.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to NATS subject %s: %w", p.subject, err)
	}

	logger.With("subject", p.subject, "requete_id", event.RequeteID, "functional_id", event.FunctionalID).
		DebugContext(ctx, "published requête imported event")

	return nil
}
