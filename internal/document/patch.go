package document

// RecordUpdate holds both sides of an in-place record change. Receivers
// only need After; Before travels with the patch so a window can render
// transitions without a lookup.
type RecordUpdate struct {
	Before Record `json:"before"`
	After  Record `json:"after"`
}

// Patch is one batch of local edits: records added, records replaced by
// their "after" value, record ids removed. Application is last-writer-
// wins per record; there is no merge logic, since all editors share one
// single-process relay.
type Patch struct {
	Added   []Record       `json:"added,omitempty"`
	Updated []RecordUpdate `json:"updated,omitempty"`
	Removed []string       `json:"removed,omitempty"`
}

// Empty reports whether the patch carries no changes.
func (p Patch) Empty() bool {
	return len(p.Added) == 0 && len(p.Updated) == 0 && len(p.Removed) == 0
}

// ApplyPatch applies p to records and returns the new record set.
// Existing record order is preserved; added records append in patch
// order. An update for an unknown id inserts the record (the add and
// update cases race benignly during relay).
func ApplyPatch(records []Record, p Patch) []Record {
	removed := make(map[string]struct{}, len(p.Removed))
	for _, id := range p.Removed {
		removed[id] = struct{}{}
	}
	updated := make(map[string]Record, len(p.Updated))
	for _, u := range p.Updated {
		updated[u.After.ID] = u.After
	}

	out := make([]Record, 0, len(records)+len(p.Added))
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if _, gone := removed[r.ID]; gone {
			continue
		}
		if after, ok := updated[r.ID]; ok {
			r = after
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	for _, r := range p.Added {
		if _, gone := removed[r.ID]; gone {
			continue
		}
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		out = append(out, r)
	}
	for id, after := range updated {
		if _, ok := seen[id]; ok {
			continue
		}
		if _, gone := removed[id]; gone {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, after)
	}
	return out
}
