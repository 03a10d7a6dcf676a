package calsync

import (
	"sort"
	"strings"
)

// Resolver maps an event's assigned-name slots to identities. Matching is
// exact and case sensitive: "Anna B" and "anna b" are different people.
type Resolver struct {
	store *Store
}

func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the identities an event should fan out to, deduplicated
// and sorted by id, plus a conflict entry for every name bound to more than
// one identity. Conflicted names resolve to nobody.
func (r *Resolver) Resolve(ev SourceEvent) ([]Identity, []BindingConflict) {
	if r == nil || r.store == nil {
		return nil, nil
	}
	seen := map[string]Identity{}
	var conflicts []BindingConflict
	for _, raw := range ev.AssignedNames {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		matches := r.store.IdentitiesByDisplayName(name)
		switch len(matches) {
		case 0:
			// Unknown names are not an error; the slot simply has no
			// local counterpart.
		case 1:
			seen[matches[0].ID] = matches[0]
		default:
			ids := make([]string, 0, len(matches))
			for _, identity := range matches {
				ids = append(ids, identity.ID)
			}
			conflicts = append(conflicts, BindingConflict{
				ExternalID:  ev.ExternalID,
				Name:        name,
				IdentityIDs: ids,
			})
		}
	}
	out := make([]Identity, 0, len(seen))
	for _, identity := range seen {
		out = append(out, identity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, conflicts
}
