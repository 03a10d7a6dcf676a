package calsync

import (
	"fmt"
	"time"
)

const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"

	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Report is the structured outcome of one reconciliation cycle. It exists
// for observability; nothing reads it back for control flow.
type Report struct {
	StartedAt        time.Time         `json:"startedAt"`
	FinishedAt       time.Time         `json:"finishedAt"`
	EventsSeen       int               `json:"eventsSeen"`
	EventsCreated    int               `json:"eventsCreated"`
	EventsUpdated    int               `json:"eventsUpdated"`
	EventsUnchanged  int               `json:"eventsUnchanged"`
	EventsDeleted    int               `json:"eventsDeleted"`
	RowErrors        []RowError        `json:"rowErrors,omitempty"`
	BindingConflicts []BindingConflict `json:"bindingConflicts,omitempty"`
	Targets          []TargetOutcome   `json:"targets,omitempty"`
}

// RowError describes one rejected feed row. Row is the 1-based position in
// the fetched snapshot, header included, matching how operators count rows
// in the source sheet.
type RowError struct {
	Row        int    `json:"row"`
	ExternalID string `json:"externalId,omitempty"`
	Reason     string `json:"reason"`
}

// BindingConflict reports a display name bound to more than one identity.
// The affected slot is skipped rather than silently picking a winner.
type BindingConflict struct {
	ExternalID  string   `json:"externalId"`
	Name        string   `json:"name"`
	IdentityIDs []string `json:"identityIds"`
}

// TargetOutcome is the result of one dispatch to one (event, identity) pair.
type TargetOutcome struct {
	ExternalID string `json:"externalId"`
	IdentityID string `json:"identityId"`
	Action     string `json:"action"`
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
}

func (r Report) TargetsSucceeded() int { return r.countTargets(StatusOK) }
func (r Report) TargetsFailed() int    { return r.countTargets(StatusFailed) }
func (r Report) TargetsSkipped() int   { return r.countTargets(StatusSkipped) }

func (r Report) countTargets(status string) int {
	n := 0
	for _, t := range r.Targets {
		if t.Status == status {
			n++
		}
	}
	return n
}

// Summary renders the one-line cycle digest used in logs.
func (r Report) Summary() string {
	return fmt.Sprintf(
		"events seen=%d created=%d updated=%d unchanged=%d deleted=%d rows rejected=%d targets ok=%d failed=%d skipped=%d",
		r.EventsSeen, r.EventsCreated, r.EventsUpdated, r.EventsUnchanged, r.EventsDeleted,
		len(r.RowErrors), r.TargetsSucceeded(), r.TargetsFailed(), r.TargetsSkipped(),
	)
}
