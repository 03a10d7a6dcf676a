package feed

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable marks a total failure to fetch the source snapshot. It is
// the only feed error that aborts a reconciliation cycle.
var ErrUnavailable = errors.New("feed unavailable")

// Provider supplies raw tabular rows for one source. The first returned row
// is the header row. Authentication, pagination and rate limits are the
// provider's concern.
type Provider interface {
	FetchRows(ctx context.Context, sourceID, readRange string) ([][]string, error)
}

// NameSlots is the number of person-name columns an event row carries.
const NameSlots = 4

// Mapping assigns feed columns to event fields. Positions are explicit
// configuration, never guessed from headers.
type Mapping struct {
	ExternalID  int            `yaml:"external_id" json:"externalId"`
	Title       int            `yaml:"title" json:"title"`
	Description int            `yaml:"description" json:"description"`
	Start       int            `yaml:"start" json:"start"`
	End         int            `yaml:"end" json:"end"`
	People      [NameSlots]int `yaml:"people,flow" json:"people"`
}

// DefaultMapping matches the canonical sheet layout:
// id, title, description, start, end, person1..person4.
func DefaultMapping() Mapping {
	return Mapping{
		ExternalID:  0,
		Title:       1,
		Description: 2,
		Start:       3,
		End:         4,
		People:      [NameSlots]int{5, 6, 7, 8},
	}
}

// Validate checks every configured position against the header count. A
// misconfigured mapping must fail before any row is processed.
func (m Mapping) Validate(headerCount int) error {
	check := func(name string, idx int) error {
		if idx < 0 {
			return fmt.Errorf("column %s: negative index %d", name, idx)
		}
		if idx >= headerCount {
			return fmt.Errorf("column %s: index %d out of range for %d headers", name, idx, headerCount)
		}
		return nil
	}
	if err := check("external_id", m.ExternalID); err != nil {
		return err
	}
	if err := check("title", m.Title); err != nil {
		return err
	}
	if err := check("description", m.Description); err != nil {
		return err
	}
	if err := check("start", m.Start); err != nil {
		return err
	}
	if err := check("end", m.End); err != nil {
		return err
	}
	for i, idx := range m.People {
		if err := check(fmt.Sprintf("person%d", i+1), idx); err != nil {
			return err
		}
	}
	return nil
}

// Cell returns the value at idx, treating short rows as blank cells so
// trailing optional columns may be omitted by the source.
func Cell(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return row[idx]
}
