// Copyright The Linux Foundation and each contributor to LFX.
// SPDX-License-Identifier: MIT

// The dematsocial-sync-helper service.
package main

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

// fakeRemote is an in-memory dossierSource.
type fakeRemote struct {
	mu             sync.Mutex
	candidates     []dossierCandidate
	listErr        error
	dossiers       map[int64]*Dossier
	fetchErrs      map[int64]error
	markErr        error
	listedSince    []*time.Time
	fetched        []int64
	markedInReview []string
}

func newFakeRemote(dossiers ...*Dossier) *fakeRemote {
	r := &fakeRemote{
		dossiers:  make(map[int64]*Dossier),
		fetchErrs: make(map[int64]error),
	}
	for _, d := range dossiers {
		r.dossiers[d.Number] = d
		r.candidates = append(r.candidates, dossierCandidate{
			ID:        d.ID,
			Number:    d.Number,
			State:     d.State,
			DateDepot: d.DateDepot,
		})
	}
	return r
}

func (r *fakeRemote) listSince(_ context.Context, _ int, since *time.Time) ([]dossierCandidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listedSince = append(r.listedSince, since)
	if r.listErr != nil {
		return nil, r.listErr
	}
	return slices.Clone(r.candidates), nil
}

func (r *fakeRemote) fetchDossier(_ context.Context, number int64) (*Dossier, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetched = append(r.fetched, number)
	if err := r.fetchErrs[number]; err != nil {
		return nil, err
	}
	d, ok := r.dossiers[number]
	if !ok {
		return nil, &remoteError{Op: "getDossier", Err: fmt.Errorf("dossier %d not found", number)}
	}
	return d, nil
}

func (r *fakeRemote) markInReview(_ context.Context, dossierID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markedInReview = append(r.markedInReview, dossierID)
	return r.markErr
}

// fakeCaseStore is an in-memory caseStore enforcing one requête per dossier.
type fakeCaseStore struct {
	mu          sync.Mutex
	cases       map[int64]*NormalizedCase
	createErr   error
	existsCalls int
	createCalls int
}

func newFakeCaseStore() *fakeCaseStore {
	return &fakeCaseStore{cases: make(map[int64]*NormalizedCase)}
}

func (s *fakeCaseStore) caseExistsByExternalID(_ context.Context, externalID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.existsCalls++
	_, ok := s.cases[externalID]
	return ok, nil
}

func (s *fakeCaseStore) createCase(_ context.Context, source string, c *NormalizedCase) (*createdCase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	if s.createErr != nil {
		return nil, s.createErr
	}
	if _, ok := s.cases[c.ExternalID]; ok {
		return nil, errAlreadyImported
	}
	s.cases[c.ExternalID] = c

	prefix, err := sourceToPrefix(source)
	if err != nil {
		return nil, err
	}
	created := &createdCase{
		ID:           fmt.Sprintf("requete-%d", c.ExternalID),
		FunctionalID: fmt.Sprintf("%s-2025-09-%d", prefix, len(s.cases)),
	}
	for _, situation := range c.Situations {
		for _, fait := range situation.Faits {
			created.Files = append(created.Files, fait.Fichiers...)
		}
	}
	return created, nil
}

// fakeFailureStore mirrors the Postgres failure store: at most one
// unresolved failure per dossier.
type fakeFailureStore struct {
	mu       sync.Mutex
	failures []*ImportFailure
	now      time.Time
}

func newFakeFailureStore() *fakeFailureStore {
	return &fakeFailureStore{now: time.Date(2025, 9, 3, 8, 0, 0, 0, time.UTC)}
}

func (s *fakeFailureStore) tick() time.Time {
	s.now = s.now.Add(time.Second)
	return s.now
}

func (s *fakeFailureStore) recordFailure(_ context.Context, f *ImportFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.failures {
		if existing.ExternalID == f.ExternalID && existing.ResolvedAt == nil {
			return nil
		}
	}
	stored := *f
	stored.ID = fmt.Sprintf("failure-%d", len(s.failures)+1)
	stored.CreatedAt = s.tick()
	stored.UpdatedAt = stored.CreatedAt
	s.failures = append(s.failures, &stored)
	return nil
}

func (s *fakeFailureStore) getUnresolvedFailures(_ context.Context, batchSize, maxAttempts int) ([]ImportFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ImportFailure
	for _, f := range s.failures {
		if f.ResolvedAt == nil && f.RetryCount < maxAttempts {
			out = append(out, *f)
		}
	}
	slices.SortStableFunc(out, func(a, b ImportFailure) int {
		if c := a.UpdatedAt.Compare(b.UpdatedAt); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if len(out) > batchSize {
		out = out[:batchSize]
	}
	return out, nil
}

func (s *fakeFailureStore) find(id string) (*ImportFailure, error) {
	for _, f := range s.failures {
		if f.ID == id {
			return f, nil
		}
	}
	return nil, fmt.Errorf("failure %s not found", id)
}

func (s *fakeFailureStore) markRetryAttempt(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.find(id)
	if err != nil {
		return err
	}
	f.RetryCount++
	f.UpdatedAt = s.tick()
	return nil
}

func (s *fakeFailureStore) markResolved(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.find(id)
	if err != nil {
		return err
	}
	now := s.tick()
	f.ResolvedAt = &now
	f.UpdatedAt = now
	return nil
}

func (s *fakeFailureStore) updateFailure(_ context.Context, id, errorType, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.find(id)
	if err != nil {
		return err
	}
	f.ErrorType = errorType
	f.ErrorMessage = errorMessage
	f.UpdatedAt = s.tick()
	return nil
}

func (s *fakeFailureStore) unresolved() []*ImportFailure {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ImportFailure
	for _, f := range s.failures {
		if f.ResolvedAt == nil {
			out = append(out, f)
		}
	}
	return out
}

// fakeRunState is an in-memory runStateStore.
type fakeRunState struct {
	mu     sync.Mutex
	states map[string]runState
}

func newFakeRunState() *fakeRunState {
	return &fakeRunState{states: make(map[string]runState)}
}

func (s *fakeRunState) lastSuccess(_ context.Context, scope string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[scope]
	if !ok {
		return nil, nil
	}
	t := state.LastSuccess
	return &t, nil
}

func (s *fakeRunState) setLastSuccess(_ context.Context, scope string, state runState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[scope] = state
	return nil
}

// fakeLocker is an in-process runLocker.
type fakeLocker struct {
	mu       sync.Mutex
	held       map[string]bool
	released   []string
	acquireErr error
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]bool)}
}

func (l *fakeLocker) acquire(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.acquireErr != nil {
		return false, l.acquireErr
	}
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *fakeLocker) release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	l.released = append(l.released, key)
	return nil
}

// fakePublisher records published events.
type fakePublisher struct {
	mu     sync.Mutex
	events []caseImportedEvent
	err    error
}

func (p *fakePublisher) publishImported(_ context.Context, event caseImportedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

// memoryCounter is a sequenceCounter with the seeding behaviour of the
// Postgres counter: the first use of a month key starts after the existing
// ids of that key.
type memoryCounter struct {
	values   map[string]int64
	existing map[string]int64
	err      error
}

func newMemoryCounter() *memoryCounter {
	return &memoryCounter{values: make(map[string]int64), existing: make(map[string]int64)}
}

func (c *memoryCounter) next(_ context.Context, monthKey string) (int64, error) {
	if c.err != nil {
		return 0, c.err
	}
	value, ok := c.values[monthKey]
	if !ok {
		value = c.existing[monthKey]
	}
	value++
	c.values[monthKey] = value
	return value, nil
}

// testHarness wires an importer to fakes.
type testHarness struct {
	imp       *importer
	remote    *fakeRemote
	cases     *fakeCaseStore
	failures  *fakeFailureStore
	state     *fakeRunState
	locker    *fakeLocker
	publisher *fakePublisher
	now       time.Time
}

func newTestHarness(cat *catalog, remote *fakeRemote) *testHarness {
	h := &testHarness{
		remote:    remote,
		cases:     newFakeCaseStore(),
		failures:  newFakeFailureStore(),
		state:     newFakeRunState(),
		locker:    newFakeLocker(),
		publisher: &fakePublisher{},
		now:       time.Date(2025, 9, 3, 12, 0, 0, 0, time.UTC),
	}
	h.imp = newImporter(remote, h.cases, h.failures, h.state, h.locker, h.publisher, cat)
	h.imp.now = func() time.Time { return h.now }
	return h
}
