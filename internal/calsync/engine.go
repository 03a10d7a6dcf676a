package calsync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AndrisJefimovs/cal-sync/internal/feed"
	"github.com/AndrisJefimovs/cal-sync/internal/metrics"
)

// TimeLayout is the wire format of the feed's date cells, day first.
const TimeLayout = "02/01/2006 15:04:05"

const defaultDispatchWorkers = 4

type EngineOptions struct {
	Store      *Store
	Dispatcher *Dispatcher
	Mapping    feed.Mapping
	Location   *time.Location
	Workers    int
	Logger     Logger
	Metrics    *metrics.Set
}

// Engine turns one fetched feed snapshot into store mutations and calendar
// dispatches. A cycle is: parse rows, upsert events, diff against the
// previous snapshot, fan each change out to the bound identities, tombstone
// what vanished.
type Engine struct {
	mu         sync.Mutex
	store      *Store
	dispatcher *Dispatcher
	resolver   *Resolver
	mapping    feed.Mapping
	location   *time.Location
	workers    int
	logger     Logger
	metrics    *metrics.Set
}

func NewEngine(opts EngineOptions) *Engine {
	mapping := opts.Mapping
	if (mapping == feed.Mapping{}) {
		mapping = feed.DefaultMapping()
	}
	location := opts.Location
	if location == nil {
		location = time.Local
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultDispatchWorkers
	}
	return &Engine{
		store:      opts.Store,
		dispatcher: opts.Dispatcher,
		resolver:   NewResolver(opts.Store),
		mapping:    mapping,
		location:   location,
		workers:    workers,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
	}
}

// SetMapping swaps the column mapping for subsequent cycles.
func (e *Engine) SetMapping(mapping feed.Mapping) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mapping = mapping
}

// SetLocation swaps the timezone the feed's date cells are parsed in.
func (e *Engine) SetLocation(location *time.Location) {
	if location == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.location = location
}

type dispatchTask struct {
	upsert   bool
	event    SourceEvent
	identity Identity
	record   SyncRecord
}

// Reconcile runs one cycle over rows, header row included. An empty fetch
// is treated as a feed hiccup, not as "everything was cancelled": the cycle
// becomes a no-op instead of tombstoning the whole store.
func (e *Engine) Reconcile(ctx context.Context, rows [][]string) (Report, error) {
	e.mu.Lock()
	mapping := e.mapping
	location := e.location
	e.mu.Unlock()

	report := Report{StartedAt: time.Now()}
	defer func() {
		e.metrics.ObserveCycle(time.Since(report.StartedAt))
	}()

	if len(rows) == 0 {
		e.logf("feed returned no rows, skipping reconciliation")
		report.FinishedAt = time.Now()
		if err := e.store.SetLastReport(report); err != nil {
			return report, err
		}
		return report, nil
	}
	if err := mapping.Validate(len(rows[0])); err != nil {
		return report, fmt.Errorf("%w: %v", ErrBadMapping, err)
	}

	snapshot := map[string]SourceEvent{}
	for i, row := range rows[1:] {
		rowNum := i + 2
		ev, rowErr := e.parseRow(mapping, location, row, rowNum)
		if rowErr != nil {
			report.RowErrors = append(report.RowErrors, *rowErr)
			continue
		}
		if _, dup := snapshot[ev.ExternalID]; dup {
			report.RowErrors = append(report.RowErrors, RowError{
				Row:        rowNum,
				ExternalID: ev.ExternalID,
				Reason:     "duplicate external id",
			})
			continue
		}
		snapshot[ev.ExternalID] = ev
	}
	report.EventsSeen = len(snapshot)

	var tasks []dispatchTask
	for _, ev := range sortedEvents(snapshot) {
		outcome, err := e.store.UpsertEvent(ev)
		if err != nil {
			report.RowErrors = append(report.RowErrors, RowError{
				ExternalID: ev.ExternalID,
				Reason:     err.Error(),
			})
			continue
		}
		switch outcome {
		case UpsertInserted:
			report.EventsCreated++
		case UpsertUpdated:
			report.EventsUpdated++
		case UpsertUnchanged:
			report.EventsUnchanged++
		}

		identities, conflicts := e.resolver.Resolve(ev)
		report.BindingConflicts = append(report.BindingConflicts, conflicts...)

		assigned := map[string]bool{}
		for _, identity := range identities {
			assigned[identity.ID] = true
			if outcome == UpsertUnchanged {
				// Only re-dispatch when the pair has no remote object yet,
				// either a fresh binding or an earlier failed create.
				if rec, err := e.store.GetSyncRecord(identity.ID, ev.ExternalID); err == nil && rec.RemoteUID != "" {
					continue
				}
			}
			tasks = append(tasks, dispatchTask{upsert: true, event: ev, identity: identity})
		}
		// Identities no longer named on the event get their copy removed.
		for _, rec := range e.store.RecordsForEvent(ev.ExternalID) {
			if !assigned[rec.IdentityID] {
				tasks = append(tasks, dispatchTask{record: rec})
			}
		}
	}

	// Events that vanished from the feed are tombstoned: every tracked
	// remote copy is deleted, then the event itself.
	var tombstoned []string
	for _, ev := range e.store.ListEvents() {
		if _, ok := snapshot[ev.ExternalID]; ok {
			continue
		}
		tombstoned = append(tombstoned, ev.ExternalID)
		for _, rec := range e.store.RecordsForEvent(ev.ExternalID) {
			tasks = append(tasks, dispatchTask{record: rec})
		}
	}

	// Records left behind by earlier failed tombstones: their event is
	// already gone from the store, so retry the remote delete now.
	scheduled := map[recordKey]bool{}
	for _, task := range tasks {
		if !task.upsert {
			scheduled[recordKey{task.record.IdentityID, task.record.ExternalID}] = true
		}
	}
	for _, rec := range e.store.ListSyncRecords() {
		key := recordKey{rec.IdentityID, rec.ExternalID}
		if scheduled[key] {
			continue
		}
		if _, err := e.store.GetEvent(rec.ExternalID); err != nil {
			tasks = append(tasks, dispatchTask{record: rec})
		}
	}

	report.Targets = e.dispatch(ctx, tasks)
	sort.Slice(report.Targets, func(i, j int) bool {
		a, b := report.Targets[i], report.Targets[j]
		if a.ExternalID != b.ExternalID {
			return a.ExternalID < b.ExternalID
		}
		if a.IdentityID != b.IdentityID {
			return a.IdentityID < b.IdentityID
		}
		return a.Action < b.Action
	})

	for _, externalID := range tombstoned {
		if err := e.store.DeleteEvent(externalID); err != nil {
			e.logf("tombstone cleanup failed for event %s: %v", externalID, err)
			continue
		}
		report.EventsDeleted++
	}

	report.FinishedAt = time.Now()
	e.recordMetrics(report)
	if err := e.store.SetLastReport(report); err != nil {
		return report, err
	}
	e.logf("cycle finished: %s", report.Summary())
	return report, nil
}

// dispatch fans tasks out over a bounded worker pool. Outcome order is not
// deterministic here; the caller sorts.
func (e *Engine) dispatch(ctx context.Context, tasks []dispatchTask) []TargetOutcome {
	if len(tasks) == 0 {
		return nil
	}
	workers := e.workers
	if workers > len(tasks) {
		workers = len(tasks)
	}

	taskCh := make(chan dispatchTask)
	outcomes := make([]TargetOutcome, 0, len(tasks))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskCh {
				var outcome TargetOutcome
				if task.upsert {
					outcome = e.dispatcher.SyncUpsert(ctx, task.event, task.identity)
				} else {
					outcome = e.dispatcher.SyncDelete(ctx, task.record)
				}
				mu.Lock()
				outcomes = append(outcomes, outcome)
				mu.Unlock()
			}
		}()
	}
	for _, task := range tasks {
		select {
		case taskCh <- task:
		case <-ctx.Done():
			close(taskCh)
			wg.Wait()
			return outcomes
		}
	}
	close(taskCh)
	wg.Wait()
	return outcomes
}

func (e *Engine) parseRow(mapping feed.Mapping, location *time.Location, row []string, rowNum int) (SourceEvent, *RowError) {
	externalID := strings.TrimSpace(feed.Cell(row, mapping.ExternalID))
	if externalID == "" {
		return SourceEvent{}, &RowError{Row: rowNum, Reason: "empty external id"}
	}
	start, err := time.ParseInLocation(TimeLayout, strings.TrimSpace(feed.Cell(row, mapping.Start)), location)
	if err != nil {
		return SourceEvent{}, &RowError{Row: rowNum, ExternalID: externalID, Reason: fmt.Sprintf("bad start time: %v", err)}
	}
	end, err := time.ParseInLocation(TimeLayout, strings.TrimSpace(feed.Cell(row, mapping.End)), location)
	if err != nil {
		return SourceEvent{}, &RowError{Row: rowNum, ExternalID: externalID, Reason: fmt.Sprintf("bad end time: %v", err)}
	}
	if !end.After(start) {
		return SourceEvent{}, &RowError{Row: rowNum, ExternalID: externalID, Reason: "end time not after start time"}
	}
	ev := SourceEvent{
		ExternalID:  externalID,
		Title:       strings.TrimSpace(feed.Cell(row, mapping.Title)),
		Description: strings.TrimSpace(feed.Cell(row, mapping.Description)),
		StartTime:   start,
		EndTime:     end,
	}
	for i, col := range mapping.People {
		ev.AssignedNames[i] = strings.TrimSpace(feed.Cell(row, col))
	}
	return ev, nil
}

func (e *Engine) recordMetrics(report Report) {
	e.metrics.AddEvents("created", report.EventsCreated)
	e.metrics.AddEvents("updated", report.EventsUpdated)
	e.metrics.AddEvents("unchanged", report.EventsUnchanged)
	e.metrics.AddEvents("deleted", report.EventsDeleted)
	for _, target := range report.Targets {
		e.metrics.IncTarget(target.Action, target.Status)
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger != nil {
		e.logger.Printf(format, args...)
	}
}

func sortedEvents(snapshot map[string]SourceEvent) []SourceEvent {
	out := make([]SourceEvent, 0, len(snapshot))
	for _, ev := range snapshot {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out
}
