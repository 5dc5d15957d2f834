// Package compact removes state that no longer affects any document:
// expired tombstones in the stores and insert/delete pairs that never left
// a replica's outbox.
package compact

import (
	"unicode/utf8"

	"quill/internal/anchor"
	"quill/internal/crdt"
)

// CancelPairs drops characters that an unsent Insert created and a later
// unsent Delete removed again. A character survives when any other queued
// operation still names it, e.g. as the After anchor of a later insert.
// Operations left empty are removed; order is preserved.
func CancelPairs(ops []crdt.Operation) []crdt.Operation {
	if len(ops) < 2 {
		return ops
	}

	// Every id named by an anchor, counted per operation index.
	refs := make(map[string][]int)
	for i, op := range ops {
		for _, id := range op.Anchor.IDs() {
			refs[id.Key()] = append(refs[id.Key()], i)
		}
	}
	inserted := make(map[string]int)
	for i, op := range ops {
		if op.Kind != crdt.OpInsert {
			continue
		}
		for _, id := range op.IDs {
			inserted[id.Key()] = i
		}
	}

	// An id cancels when it was inserted here, deleted by exactly one later
	// Delete, and not referenced by anything else.
	cancel := make(map[string]bool)
	for i, op := range ops {
		if op.Kind != crdt.OpDelete {
			continue
		}
		for _, id := range op.Targets() {
			key := id.Key()
			at, ok := inserted[key]
			if !ok || at > i {
				continue
			}
			if r := refs[key]; len(r) == 1 && r[0] == i {
				cancel[key] = true
			}
		}
	}
	if len(cancel) == 0 {
		return ops
	}

	out := make([]crdt.Operation, 0, len(ops))
	for _, op := range ops {
		switch op.Kind {
		case crdt.OpInsert:
			op = dropInserted(op, cancel)
			if op.Content == "" {
				continue
			}
		case crdt.OpDelete:
			op = dropTargets(op, cancel)
			if len(op.Anchor) == 0 {
				continue
			}
		}
		out = append(out, op)
	}
	return out
}

func dropInserted(op crdt.Operation, cancel map[string]bool) crdt.Operation {
	runes := []rune(op.Content)
	keep := op.Clone()
	keep.IDs = keep.IDs[:0]
	replaces := keep.Replaces[:0]
	var content []rune
	for i, id := range op.IDs {
		if cancel[id.Key()] {
			continue
		}
		content = append(content, runes[i])
		keep.IDs = append(keep.IDs, id)
		if len(op.Replaces) == len(op.IDs) {
			replaces = append(replaces, op.Replaces[i])
		}
	}
	keep.Content = string(content)
	keep.Replaces = replaces
	return keep
}

func dropTargets(op crdt.Operation, cancel map[string]bool) crdt.Operation {
	keep := op.Clone()
	keep.Anchor = anchor.Path{}
	var content []rune
	runes := []rune(op.Content)
	withContent := utf8.RuneCountInString(op.Content) == len(op.Anchor)
	for i, t := range op.Anchor {
		if cancel[t.ID.Key()] {
			continue
		}
		keep.Anchor = append(keep.Anchor, t)
		if withContent {
			content = append(content, runes[i])
		}
	}
	keep.Content = string(content)
	return keep
}
