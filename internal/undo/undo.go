// Package undo keeps a replica's linear undo and redo history. Undoing a
// delete cannot bring back the original identifiers, so the manager keeps
// a remap table from vanished ids to the ones that replaced them.
package undo

import (
	"errors"
	"fmt"

	"quill/internal/crdt"
	"quill/internal/ident"
)

var ErrMissingContent = errors.New("cannot undo delete: missing original content")

// Step is one recorded local edit.
type Step struct {
	Op crdt.Operation
	// Index is the visible index of the edit when it happened.
	Index int
	// Before and After are the visible neighbours around the edited run.
	Before, After *ident.ID
	// Gen is the target's generation when the step was recorded.
	Gen uint64
	// Joined ties the step to the one recorded just before it, as the
	// insert half of a replaced selection. Both are undone and redone
	// together.
	Joined bool
}

// Target is the document an undo or redo is applied to. The replica engine
// implements it; every mutation it performs is a local edit.
type Target interface {
	InsertAt(index int, value string) (crdt.Operation, error)
	DeleteIDs(ids []ident.ID) (crdt.Operation, bool)
	IndexOf(id ident.ID) (int, bool)
	Neighbors(index int) (before, after *ident.ID)
	Len() int
	// Generation changes whenever a remote operation is applied.
	Generation() uint64
	Caret() int
}

type Manager struct {
	capacity int
	undo     []Step
	redo     []Step
	remap    map[string]ident.ID
	chain    bool
}

// New returns a manager keeping at most capacity undo steps.
func New(capacity int) *Manager {
	if capacity <= 0 {
		capacity = 100
	}
	return &Manager{capacity: capacity, remap: make(map[string]ident.ID)}
}

// Record pushes a local edit and clears the redo stack.
func (m *Manager) Record(s Step) {
	m.push(s)
	m.redo = nil
}

func (m *Manager) push(s Step) {
	m.undo = append(m.undo, s)
	if len(m.undo) > m.capacity {
		m.undo = append([]Step(nil), m.undo[len(m.undo)-m.capacity:]...)
	}
}

func (m *Manager) CanUndo() bool { return len(m.undo) > 0 }
func (m *Manager) CanRedo() bool { return len(m.redo) > 0 }

// Chained reports whether the last Undo or Redo handled one half of a
// joined pair whose other half is now on top of the stack it came from.
func (m *Manager) Chained() bool { return m.chain }

// Depth returns the sizes of the undo and redo stacks.
func (m *Manager) Depth() (undo, redo int) { return len(m.undo), len(m.redo) }

// Remap records that old was replaced by new.
func (m *Manager) Remap(old, new ident.ID) {
	if old.Equal(new) {
		return
	}
	m.remap[old.Key()] = new
}

// Resolve follows the remap table from id to its current replacement.
func (m *Manager) Resolve(id ident.ID) ident.ID {
	for i := 0; i <= len(m.remap); i++ {
		next, ok := m.remap[id.Key()]
		if !ok {
			return id
		}
		id = next
	}
	return id
}

func (m *Manager) resolveAll(ids []ident.ID) []ident.ID {
	out := make([]ident.ID, len(ids))
	for i, id := range ids {
		out[i] = m.Resolve(id)
	}
	return out
}

func (m *Manager) resolvePtr(id *ident.ID) *ident.ID {
	if id == nil {
		return nil
	}
	r := m.Resolve(*id)
	return &r
}

// Undo reverts the last recorded step and returns the operation to send.
// The boolean is false when there was nothing to undo or the step no
// longer changes anything.
func (m *Manager) Undo(t Target) (crdt.Operation, bool, error) {
	m.chain = false
	if len(m.undo) == 0 {
		return crdt.Operation{}, false, nil
	}
	s := m.undo[len(m.undo)-1]
	m.undo = m.undo[:len(m.undo)-1]
	m.chain = s.Joined && len(m.undo) > 0

	switch s.Op.Kind {
	case crdt.OpInsert:
		inv := s.Op.Inverse()
		op, ok := t.DeleteIDs(m.resolveAll(inv.Targets()))
		if !ok {
			// Someone else already deleted all of it.
			return crdt.Operation{}, false, nil
		}
		if len(op.Targets()) < len(s.Op.IDs) {
			// Redo brings back only what this undo removed.
			s.Op = crdt.Operation{
				Kind:      crdt.OpInsert,
				Content:   op.Content,
				Anchor:    s.Op.Anchor,
				Timestamp: s.Op.Timestamp,
				Origin:    s.Op.Origin,
				IDs:       op.Targets(),
			}
		}
		m.redo = append(m.redo, s)
		return op, true, nil
	case crdt.OpDelete:
		if s.Op.Content == "" {
			return crdt.Operation{}, false, ErrMissingContent
		}
		op, err := m.place(t, s, s.Op.Inverse().Content)
		if err != nil {
			m.undo = append(m.undo, s)
			return crdt.Operation{}, false, err
		}
		for i, old := range s.Op.Targets() {
			if i < len(op.IDs) {
				m.Remap(m.Resolve(old), op.IDs[i])
			}
		}
		m.redo = append(m.redo, s)
		return op, true, nil
	}
	return crdt.Operation{}, false, fmt.Errorf("%w: unknown kind %d", crdt.ErrMalformedOperation, int(s.Op.Kind))
}

// Redo re-executes the last undone step and pushes it back onto the undo
// stack.
func (m *Manager) Redo(t Target) (crdt.Operation, bool, error) {
	m.chain = false
	if len(m.redo) == 0 {
		return crdt.Operation{}, false, nil
	}
	s := m.redo[len(m.redo)-1]
	m.redo = m.redo[:len(m.redo)-1]
	m.chain = len(m.redo) > 0 && m.redo[len(m.redo)-1].Joined

	switch s.Op.Kind {
	case crdt.OpDelete:
		ids := m.resolveAll(s.Op.Targets())
		index := -1
		for _, id := range ids {
			if i, ok := t.IndexOf(id); ok && (index < 0 || i < index) {
				index = i
			}
		}
		op, ok := t.DeleteIDs(ids)
		if !ok {
			if m.chain {
				// The insert half is redone on its own.
				m.redo[len(m.redo)-1].Joined = false
			}
			return crdt.Operation{}, false, nil
		}
		before, after := t.Neighbors(index)
		m.push(Step{Op: op, Index: index, Before: before, After: after, Gen: t.Generation(), Joined: s.Joined})
		return op, true, nil
	case crdt.OpInsert:
		op, err := m.place(t, s, s.Op.Content)
		if err != nil {
			m.redo = append(m.redo, s)
			return crdt.Operation{}, false, err
		}
		// Tombstones dominate, so the redone characters get new ids.
		for i, old := range s.Op.IDs {
			if i < len(op.IDs) {
				m.Remap(m.Resolve(old), op.IDs[i])
			}
		}
		index, _ := t.IndexOf(op.IDs[0])
		before, _ := t.Neighbors(index)
		_, after := t.Neighbors(index + len(op.IDs))
		m.push(Step{Op: op, Index: index, Before: before, After: after, Gen: t.Generation(), Joined: s.Joined})
		return op, true, nil
	}
	return crdt.Operation{}, false, fmt.Errorf("%w: unknown kind %d", crdt.ErrMalformedOperation, int(s.Op.Kind))
}

// place re-inserts content for s: at the cached index when no remote
// operation intervened, else after the old left neighbour, else before the
// old right neighbour, else at the caret.
func (m *Manager) place(t Target, s Step, content string) (crdt.Operation, error) {
	index := -1
	switch {
	case t.Generation() == s.Gen && s.Index >= 0 && s.Index <= t.Len():
		index = s.Index
	default:
		if before := m.resolvePtr(s.Before); before != nil {
			if i, ok := t.IndexOf(*before); ok {
				index = i + 1
			}
		}
		if index < 0 {
			if after := m.resolvePtr(s.After); after != nil {
				if i, ok := t.IndexOf(*after); ok {
					index = i
				}
			}
		}
		if index < 0 {
			index = min(max(t.Caret(), 0), t.Len())
		}
	}
	return t.InsertAt(index, content)
}
