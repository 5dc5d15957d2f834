package anchor

import (
	"sort"

	"quill/internal/ident"
)

// Sequence is the read view the resolver needs: visible entries only.
type Sequence interface {
	Len() int
	IDAt(i int) (ident.ID, bool)
	IndexOf(id ident.ID) (int, bool)
}

// ForInsert encodes an insertion at index. The boundaries use Start and
// End so that they keep their meaning regardless of concurrent edits.
func ForInsert(seq Sequence, index int) Path {
	if index <= 0 {
		return StartPath()
	}
	if index >= seq.Len() {
		return EndPath()
	}
	id, ok := seq.IDAt(index - 1)
	if !ok {
		return EndPath()
	}
	return AfterPath(id)
}

// ForDelete encodes a deletion of the given characters.
func ForDelete(ids []ident.ID) Path {
	return AtChars(ids)
}

// ResolveInsert returns the index at which an insert anchored at p lands in
// the current sequence. Anything that cannot be resolved lands at the end.
func ResolveInsert(seq Sequence, p Path) int {
	if len(p) == 0 {
		return seq.Len()
	}
	t := p[0]
	switch t.Kind {
	case Start:
		return 0
	case After:
		if i, ok := seq.IndexOf(t.ID); ok {
			return i + 1
		}
	}
	return seq.Len()
}

// ResolveDelete returns the current visible indices of the characters named
// by p in descending order, so that removing them one by one never shifts
// an index still to be processed. Unresolved tokens are dropped.
func ResolveDelete(seq Sequence, p Path) []int {
	seen := make(map[int]bool, len(p))
	out := make([]int, 0, len(p))
	for _, t := range p {
		if t.Kind != Char {
			continue
		}
		i, ok := seq.IndexOf(t.ID)
		if !ok || seen[i] {
			continue
		}
		seen[i] = true
		out = append(out, i)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}
