// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// The dematsocial-sync-helper service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/akamensky/base58"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/vmihailenco/msgpack/v5"
)

const lastSuccessKeyPrefix = "last_success."

// runState is the persisted outcome of the last successful import run of a
// démarche. LastSuccess is the watermark of the next run.
type runState struct {
	LastSuccess time.Time `json:"last_success" msgpack:"last_success"`
	Report      runReport `json:"report" msgpack:"report"`
}

// runStateStore persists import watermarks.
type runStateStore interface {
	// lastSuccess returns the watermark of a démarche, or nil when it was
	// never imported successfully.
	lastSuccess(ctx context.Context, scope string) (*time.Time, error)
	setLastSuccess(ctx context.Context, scope string, state runState) error
}

// kvRunStateStore is the NATS JetStream KV implementation of runStateStore.
type kvRunStateStore struct {
	kv         jetstream.KeyValue
	useMsgpack bool
}

func newKVRunStateStore(kv jetstream.KeyValue, useMsgpack bool) *kvRunStateStore {
	return &kvRunStateStore{kv: kv, useMsgpack: useMsgpack}
}

func lastSuccessKey(scope string) string {
	return lastSuccessKeyPrefix + base58.Encode([]byte(scope))
}

// lastSuccess implements runStateStore.
func (s *kvRunStateStore) lastSuccess(ctx context.Context, scope string) (*time.Time, error) {
	key := lastSuccessKey(scope)
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run state %s: %w", key, err)
	}

	state, err := decodeRunState(entry.Value())
	if err != nil {
		return nil, fmt.Errorf("failed to decode run state %s: %w", key, err)
	}
	if state.LastSuccess.IsZero() {
		return nil, nil
	}
	return &state.LastSuccess, nil
}

// setLastSuccess implements runStateStore.
func (s *kvRunStateStore) setLastSuccess(ctx context.Context, scope string, state runState) error {
	key := lastSuccessKey(scope)
	data, err := encodeRunState(state, s.useMsgpack)
	if err != nil {
		return fmt.Errorf("failed to encode run state %s: %w", key, err)
	}
	if _, err := s.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("failed to put run state %s: %w", key, err)
	}
	return nil
}

func encodeRunState(state runState, useMsgpack bool) ([]byte, error) {
	if useMsgpack {
		return msgpack.Marshal(state)
	}
	return json.Marshal(state)
}

// decodeRunState accepts both encodings, so that USE_MSGPACK can be toggled
// without resetting the bucket.
func decodeRunState(data []byte) (runState, error) {
	var state runState
	jsonErr := json.Unmarshal(data, &state)
	if jsonErr == nil {
		return state, nil
	}
	state = runState{}
	if msgErr := msgpack.Unmarshal(data, &state); msgErr != nil {
		return runState{}, fmt.Errorf("not JSON (%v) nor msgpack (%v)", jsonErr, msgErr)
	}
	return state, nil
}
