package calsync

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/AndrisJefimovs/cal-sync/internal/calendar"
)

// UpsertOutcome classifies what an event upsert did. Unchanged upserts are
// what makes repeated cycles over a stable snapshot free of remote calls.
type UpsertOutcome string

const (
	UpsertInserted  UpsertOutcome = "inserted"
	UpsertUpdated   UpsertOutcome = "updated"
	UpsertUnchanged UpsertOutcome = "unchanged"
)

type StoreOptions struct {
	StateBackend StateBackend
	Logger       Logger
}

// Store owns all durable state: the event repository, identities with their
// bindings and calendar configs, sync records, and the last cycle report.
// Every mutation rewrites the snapshot through the state backend.
type Store struct {
	mu      sync.Mutex
	backend StateBackend
	logger  Logger

	events     map[string]SourceEvent
	identities map[string]Identity
	records    map[recordKey]SyncRecord
	lastReport *Report
}

type recordKey struct {
	identityID string
	externalID string
}

func NewStore() (*Store, error) {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) (*Store, error) {
	backend := opts.StateBackend
	if backend == nil {
		backend = NewInMemoryStateBackend()
	}
	s := &Store{
		backend:    backend,
		logger:     opts.Logger,
		events:     map[string]SourceEvent{},
		identities: map[string]Identity{},
		records:    map[recordKey]SyncRecord{},
	}
	snapshot, err := backend.Load()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if snapshot != nil {
		for _, ev := range snapshot.Events {
			s.events[ev.ExternalID] = ev
		}
		for _, identity := range snapshot.Identities {
			s.identities[identity.ID] = identity
		}
		for _, rec := range snapshot.SyncRecords {
			s.records[recordKey{rec.IdentityID, rec.ExternalID}] = rec
		}
		s.lastReport = snapshot.LastReport
	}
	return s, nil
}

func (s *Store) Close() error {
	if closer, ok := s.backend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

// --- identities ---

func (s *Store) CreateIdentity(id string) (Identity, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.identities[id]; exists {
		return Identity{}, fmt.Errorf("%w: identity %q already exists", ErrInvalidInput, id)
	}
	identity := Identity{ID: id}
	s.identities[id] = identity
	if err := s.persistLocked(); err != nil {
		return Identity{}, err
	}
	return identity, nil
}

func (s *Store) GetIdentity(id string) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[id]
	if !ok {
		return Identity{}, fmt.Errorf("%w: identity %q", ErrNotFound, id)
	}
	return identity, nil
}

func (s *Store) ListIdentities() []Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Identity, 0, len(s.identities))
	for _, identity := range s.identities {
		out = append(out, identity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DeleteIdentity removes the identity together with its sync records: with
// the credentials gone there is no way to ever touch its remote events.
func (s *Store) DeleteIdentity(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[id]; !ok {
		return fmt.Errorf("%w: identity %q", ErrNotFound, id)
	}
	delete(s.identities, id)
	for key := range s.records {
		if key.identityID == id {
			delete(s.records, key)
		}
	}
	return s.persistLocked()
}

// SetBinding attaches a display name to an identity. At most one identity
// may hold a given name.
func (s *Store) SetBinding(id, displayName string) (Identity, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return Identity{}, fmt.Errorf("%w: empty display name", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[id]
	if !ok {
		return Identity{}, fmt.Errorf("%w: identity %q", ErrNotFound, id)
	}
	for _, other := range s.identities {
		if other.ID != id && other.DisplayName == displayName {
			return Identity{}, fmt.Errorf("%w: %q is bound to identity %q", ErrDuplicateBinding, displayName, other.ID)
		}
	}
	identity.DisplayName = displayName
	s.identities[id] = identity
	if err := s.persistLocked(); err != nil {
		return Identity{}, err
	}
	return identity, nil
}

func (s *Store) ClearBinding(id string) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[id]
	if !ok {
		return Identity{}, fmt.Errorf("%w: identity %q", ErrNotFound, id)
	}
	identity.DisplayName = ""
	s.identities[id] = identity
	if err := s.persistLocked(); err != nil {
		return Identity{}, err
	}
	return identity, nil
}

func (s *Store) SetCalendarConfig(id string, cfg calendar.Config) (Identity, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return Identity{}, fmt.Errorf("%w: empty calendar endpoint", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[id]
	if !ok {
		return Identity{}, fmt.Errorf("%w: identity %q", ErrNotFound, id)
	}
	identity.Calendar = &cfg
	s.identities[id] = identity
	if err := s.persistLocked(); err != nil {
		return Identity{}, err
	}
	return identity, nil
}

func (s *Store) ClearCalendarConfig(id string) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[id]
	if !ok {
		return Identity{}, fmt.Errorf("%w: identity %q", ErrNotFound, id)
	}
	identity.Calendar = nil
	s.identities[id] = identity
	if err := s.persistLocked(); err != nil {
		return Identity{}, err
	}
	return identity, nil
}

// IdentitiesByDisplayName returns every identity bound to name. More than
// one result means the uniqueness invariant was violated somewhere else;
// callers must treat that as a conflict, not pick a winner.
func (s *Store) IdentitiesByDisplayName(name string) []Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Identity
	for _, identity := range s.identities {
		if identity.DisplayName != "" && identity.DisplayName == name {
			out = append(out, identity)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// --- events ---

func (s *Store) UpsertEvent(ev SourceEvent) (UpsertOutcome, error) {
	if strings.TrimSpace(ev.ExternalID) == "" {
		return "", fmt.Errorf("%w: empty external id", ErrInvalidInput)
	}
	if !ev.EndTime.After(ev.StartTime) {
		return "", fmt.Errorf("%w: event %q ends before it starts", ErrInvalidInput, ev.ExternalID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.events[ev.ExternalID]
	if exists && current.Equal(ev) {
		return UpsertUnchanged, nil
	}
	s.events[ev.ExternalID] = ev
	if err := s.persistLocked(); err != nil {
		return "", err
	}
	if exists {
		return UpsertUpdated, nil
	}
	return UpsertInserted, nil
}

func (s *Store) GetEvent(externalID string) (SourceEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[externalID]
	if !ok {
		return SourceEvent{}, fmt.Errorf("%w: event %q", ErrNotFound, externalID)
	}
	return ev, nil
}

func (s *Store) ListEvents() []SourceEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SourceEvent, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out
}

func (s *Store) DeleteEvent(externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[externalID]; !ok {
		return fmt.Errorf("%w: event %q", ErrNotFound, externalID)
	}
	delete(s.events, externalID)
	return s.persistLocked()
}

// --- sync records ---

// EnsureSyncRecord returns the record for the pair, creating an empty one
// the first time an identity becomes assigned to an event.
func (s *Store) EnsureSyncRecord(identityID, externalID string) (SyncRecord, error) {
	if strings.TrimSpace(identityID) == "" || strings.TrimSpace(externalID) == "" {
		return SyncRecord{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey{identityID, externalID}
	if rec, ok := s.records[key]; ok {
		return rec, nil
	}
	rec := SyncRecord{IdentityID: identityID, ExternalID: externalID}
	s.records[key] = rec
	if err := s.persistLocked(); err != nil {
		return SyncRecord{}, err
	}
	return rec, nil
}

func (s *Store) GetSyncRecord(identityID, externalID string) (SyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordKey{identityID, externalID}]
	if !ok {
		return SyncRecord{}, fmt.Errorf("%w: sync record (%s, %s)", ErrNotFound, identityID, externalID)
	}
	return rec, nil
}

func (s *Store) PutSyncRecord(rec SyncRecord) error {
	if strings.TrimSpace(rec.IdentityID) == "" || strings.TrimSpace(rec.ExternalID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.RemoteUID != "" {
		for key, other := range s.records {
			if other.RemoteUID == rec.RemoteUID && (key.identityID != rec.IdentityID || key.externalID != rec.ExternalID) {
				return fmt.Errorf("%w: %q held by (%s, %s)", ErrDuplicateRemoteUID, rec.RemoteUID, key.identityID, key.externalID)
			}
		}
	}
	s.records[recordKey{rec.IdentityID, rec.ExternalID}] = rec
	return s.persistLocked()
}

func (s *Store) DeleteSyncRecord(identityID, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey{identityID, externalID}
	if _, ok := s.records[key]; !ok {
		return fmt.Errorf("%w: sync record (%s, %s)", ErrNotFound, identityID, externalID)
	}
	delete(s.records, key)
	return s.persistLocked()
}

func (s *Store) RecordsForEvent(externalID string) []SyncRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SyncRecord
	for _, rec := range s.records {
		if rec.ExternalID == externalID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityID < out[j].IdentityID })
	return out
}

func (s *Store) ListSyncRecords() []SyncRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SyncRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExternalID != out[j].ExternalID {
			return out[i].ExternalID < out[j].ExternalID
		}
		return out[i].IdentityID < out[j].IdentityID
	})
	return out
}

// --- report ---

func (s *Store) SetLastReport(rep Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := rep
	s.lastReport = &clone
	return s.persistLocked()
}

func (s *Store) LastReport() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastReport == nil {
		return Report{}, false
	}
	return *s.lastReport, true
}

// persistLocked snapshots the maps into sorted slices and hands them to the
// backend. In-memory state stays authoritative even when a save fails; the
// error is surfaced so the caller can report it.
func (s *Store) persistLocked() error {
	state := &persistedState{LastReport: s.lastReport}
	for _, ev := range s.events {
		state.Events = append(state.Events, ev)
	}
	sort.Slice(state.Events, func(i, j int) bool { return state.Events[i].ExternalID < state.Events[j].ExternalID })
	for _, identity := range s.identities {
		state.Identities = append(state.Identities, identity)
	}
	sort.Slice(state.Identities, func(i, j int) bool { return state.Identities[i].ID < state.Identities[j].ID })
	for _, rec := range s.records {
		state.SyncRecords = append(state.SyncRecords, rec)
	}
	sort.Slice(state.SyncRecords, func(i, j int) bool {
		if state.SyncRecords[i].ExternalID != state.SyncRecords[j].ExternalID {
			return state.SyncRecords[i].ExternalID < state.SyncRecords[j].ExternalID
		}
		return state.SyncRecords[i].IdentityID < state.SyncRecords[j].IdentityID
	})
	if err := s.backend.Save(state); err != nil {
		s.logf("state save failed: %v", err)
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

func (s *Store) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
