// Package diff computes the change set between two snapshot index maps.
package diff

import "sort"

// Change records a notice whose content changed between versions.
type Change struct {
	ID      string `json:"id"`
	OldHash string `json:"old_hash"`
	NewHash string `json:"new_hash"`
}

// Diff is the add/update/remove set between consecutive snapshot versions.
// Slices are sorted so equal inputs always serialize to equal bytes.
type Diff struct {
	Added   []string `json:"added"`
	Updated []Change `json:"updated"`
	Removed []string `json:"removed"`
}

// Empty reports whether the diff carries no changes.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// Compute diffs two canonical-id -> content-hash maps with single-pass map
// lookups. An id present in both with a different hash is only ever
// "updated", never removed-and-added.
func Compute(previous, current map[string]string) Diff {
	d := Diff{
		Added:   []string{},
		Updated: []Change{},
		Removed: []string{},
	}
	for id, hash := range current {
		oldHash, ok := previous[id]
		switch {
		case !ok:
			d.Added = append(d.Added, id)
		case oldHash != hash:
			d.Updated = append(d.Updated, Change{ID: id, OldHash: oldHash, NewHash: hash})
		}
	}
	for id := range previous {
		if _, ok := current[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	sort.Strings(d.Added)
	sort.Slice(d.Updated, func(i, j int) bool { return d.Updated[i].ID < d.Updated[j].ID })
	sort.Strings(d.Removed)
	return d
}
