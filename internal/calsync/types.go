package calsync

import (
	"time"

	"github.com/AndrisJefimovs/cal-sync/internal/calendar"
	"github.com/AndrisJefimovs/cal-sync/internal/feed"
)

// NameSlots is the number of assigned-name slots an event carries. Blank
// slots are valid and mean "no one".
const NameSlots = feed.NameSlots

// SourceEvent is one row of the source feed, keyed by the feed's stable
// external identifier. It is overwritten in full on every poll that sees
// its id, and removed when the id vanishes from a poll.
type SourceEvent struct {
	ExternalID    string            `json:"externalId"`
	Title         string            `json:"title"`
	Description   string            `json:"description"`
	StartTime     time.Time         `json:"startTime"`
	EndTime       time.Time         `json:"endTime"`
	AssignedNames [NameSlots]string `json:"assignedNames"`
}

// Equal compares all mutable fields; times compare by instant so snapshots
// reloaded through a backend still match.
func (e SourceEvent) Equal(other SourceEvent) bool {
	return e.ExternalID == other.ExternalID &&
		e.Title == other.Title &&
		e.Description == other.Description &&
		e.StartTime.Equal(other.StartTime) &&
		e.EndTime.Equal(other.EndTime) &&
		e.AssignedNames == other.AssignedNames
}

// Fields is the payload shape handed to calendar backends.
func (e SourceEvent) Fields() calendar.Fields {
	return calendar.Fields{
		Title:       e.Title,
		Description: e.Description,
		Start:       e.StartTime,
		End:         e.EndTime,
	}
}

// Identity is one local account. DisplayName is its binding: the exact
// string expected in an event's assigned-name slots. Calendar holds its
// backend connection parameters; both are optional.
type Identity struct {
	ID          string           `json:"id"`
	DisplayName string           `json:"displayName,omitempty"`
	Calendar    *calendar.Config `json:"calendar,omitempty"`
}

// SyncRecord tracks the remote counterpart of one (identity, event) pair.
// RemoteUID stays empty until the remote create succeeds.
type SyncRecord struct {
	IdentityID   string    `json:"identityId"`
	ExternalID   string    `json:"externalId"`
	RemoteUID    string    `json:"remoteUid,omitempty"`
	LastSyncedAt time.Time `json:"lastSyncedAt"`
}

// Logger is the minimal logging surface injected throughout the package.
type Logger interface {
	Printf(format string, args ...any)
}
