// Package crdt holds the replicated document: an identifier-ordered
// sequence of characters with tombstones, and the operations exchanged
// between replicas.
package crdt

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"

	"quill/internal/anchor"
	"quill/internal/ident"
)

var (
	ErrIndexOutOfRange   = errors.New("index out of range")
	ErrEmptyEdit         = errors.New("empty edit")
	ErrMissingIDs        = errors.New("insert carries no identifiers")
	ErrMalformedSnapshot = errors.New("snapshot text and ids differ in length")
)

// Entry is one character of the document, visible or tombstoned.
type Entry struct {
	Value     rune
	ID        ident.ID
	Visible   bool
	DeletedAt time.Time
}

func lessEntry(a, b *Entry) bool { return a.ID.Less(b.ID) }

// Document is the ordered store of entries. Every read and write takes the
// document lock, so a Document may be shared between goroutines, though the
// replica and the coordinator each drive theirs from a single one.
type Document struct {
	mu      sync.RWMutex
	alloc   *ident.Allocator
	tree    *btree.BTreeG[*Entry]
	byKey   map[string]*Entry
	graves  map[string]time.Time // deletes that arrived before their insert
	visible int
	now     func() time.Time
}

// NewDocument creates an empty document whose local edits are allocated
// by alloc.
func NewDocument(alloc *ident.Allocator) *Document {
	return &Document{
		alloc:  alloc,
		tree:   btree.NewG(32, lessEntry),
		byKey:  make(map[string]*Entry),
		graves: make(map[string]time.Time),
		now:    time.Now,
	}
}

func (d *Document) Site() string { return d.alloc.Site() }

func (d *Document) Allocator() *ident.Allocator { return d.alloc }

// seqView exposes the visible sequence without locking, for use while the
// document lock is already held.
type seqView struct{ d *Document }

func (v seqView) Len() int                        { return v.d.visible }
func (v seqView) IDAt(i int) (ident.ID, bool)     { return v.d.idAt(i) }
func (v seqView) IndexOf(id ident.ID) (int, bool) { return v.d.indexOf(id) }

func (d *Document) entryAt(i int) *Entry {
	if i < 0 || i >= d.visible {
		return nil
	}
	var found *Entry
	n := 0
	d.tree.Ascend(func(e *Entry) bool {
		if !e.Visible {
			return true
		}
		if n == i {
			found = e
			return false
		}
		n++
		return true
	})
	return found
}

func (d *Document) idAt(i int) (ident.ID, bool) {
	e := d.entryAt(i)
	if e == nil {
		return ident.ID{}, false
	}
	return e.ID, true
}

func (d *Document) indexOf(id ident.ID) (int, bool) {
	e, ok := d.byKey[id.Key()]
	if !ok || !e.Visible {
		return -1, false
	}
	return d.visibleBefore(e.ID), true
}

// Len returns the number of visible characters.
func (d *Document) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.visible
}

// IDAt returns the identifier of the i-th visible character.
func (d *Document) IDAt(i int) (ident.ID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.idAt(i)
}

// IndexOf returns the visible index of id. Tombstoned and unknown ids are
// not found.
func (d *Document) IndexOf(id ident.ID) (int, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.indexOf(id)
}

// Has reports whether id is stored, visible or not.
func (d *Document) Has(id ident.ID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.byKey[id.Key()]
	return ok
}

// Buried reports whether a delete of id arrived before its insert.
func (d *Document) Buried(id ident.ID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.graves[id.Key()]
	return ok
}

// IsVisible reports whether id is stored and not tombstoned.
func (d *Document) IsVisible(id ident.ID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.byKey[id.Key()]
	return ok && e.Visible
}

// Text returns the visible characters in identifier order.
func (d *Document) Text() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]rune, 0, d.visible)
	d.tree.Ascend(func(e *Entry) bool {
		if e.Visible {
			out = append(out, e.Value)
		}
		return true
	})
	return string(out)
}

// VisibleIDs returns the identifiers of the visible characters in order.
func (d *Document) VisibleIDs() []ident.ID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ident.ID, 0, d.visible)
	d.tree.Ascend(func(e *Entry) bool {
		if e.Visible {
			out = append(out, e.ID)
		}
		return true
	})
	return out
}

// Entries returns a copy of every stored entry, tombstones included.
func (d *Document) Entries() []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Entry, 0, d.tree.Len())
	d.tree.Ascend(func(e *Entry) bool {
		out = append(out, *e)
		return true
	})
	return out
}

// Tombstones returns the number of stored invisible entries.
func (d *Document) Tombstones() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tree.Len() - d.visible
}

// Neighbors returns the visible identifiers around index: the one before it
// and the one at it. Either may be nil at the ends.
func (d *Document) Neighbors(index int) (before, after *ident.ID) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if id, ok := d.idAt(index - 1); ok {
		before = &id
	}
	if id, ok := d.idAt(index); ok {
		after = &id
	}
	return before, after
}

func (d *Document) put(e *Entry) {
	d.tree.ReplaceOrInsert(e)
	d.byKey[e.ID.Key()] = e
	if e.Visible {
		d.visible++
	}
}

func (d *Document) tombstone(e *Entry) {
	if !e.Visible {
		return
	}
	e.Visible = false
	e.DeletedAt = d.now()
	d.visible--
}

// LocalInsert inserts value at visible index and returns the operation
// describing it. Each rune gets an identifier between its left neighbour
// (the previous rune of value for all but the first) and the character
// currently at index.
func (d *Document) LocalInsert(index int, value string) (Operation, error) {
	runes := []rune(value)
	if len(runes) == 0 {
		return Operation{}, ErrEmptyEdit
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index > d.visible {
		return Operation{}, fmt.Errorf("%w: insert at %d of %d", ErrIndexOutOfRange, index, d.visible)
	}
	var prev, next *ident.ID
	if id, ok := d.idAt(index - 1); ok {
		prev = &id
	}
	if id, ok := d.idAt(index); ok {
		next = &id
	}
	return d.insertLocked(prev, next, runes), nil
}

func (d *Document) insertLocked(prev, next *ident.ID, runes []rune) Operation {
	ids := make([]ident.ID, len(runes))
	for i := range runes {
		ids[i] = d.alloc.Between(prev, next)
		prev = &ids[i]
	}
	// The anchor describes the position before the new characters exist.
	path := anchor.ForInsert(seqView{d}, d.visibleBefore(ids[0]))
	for i, r := range runes {
		d.put(&Entry{Value: r, ID: ids[i], Visible: true})
	}
	return Operation{
		Kind:      OpInsert,
		Content:   string(runes),
		Anchor:    path,
		Timestamp: d.now().UnixMilli(),
		Origin:    d.alloc.Site(),
		IDs:       ids,
	}
}

// visibleBefore counts the visible entries ordered before id.
func (d *Document) visibleBefore(id ident.ID) int {
	n := 0
	d.tree.AscendLessThan(&Entry{ID: id}, func(x *Entry) bool {
		if x.Visible {
			n++
		}
		return true
	})
	return n
}

// LocalDelete tombstones the character at index.
func (d *Document) LocalDelete(index int) (Operation, error) {
	return d.LocalDeleteRange(index, 1)
}

// LocalDeleteRange tombstones n characters starting at index and returns a
// single Delete naming them in document order.
func (d *Document) LocalDeleteRange(index, n int) (Operation, error) {
	if n <= 0 {
		return Operation{}, ErrEmptyEdit
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if index < 0 || index+n > d.visible {
		return Operation{}, fmt.Errorf("%w: delete %d at %d of %d", ErrIndexOutOfRange, n, index, d.visible)
	}

	var targets []*Entry
	i := 0
	d.tree.Ascend(func(e *Entry) bool {
		if !e.Visible {
			return true
		}
		if i >= index {
			targets = append(targets, e)
		}
		i++
		return len(targets) < n
	})
	return d.deleteEntries(targets), nil
}

// LocalDeleteIDs tombstones whichever of ids are currently visible. It
// reports false when none were.
func (d *Document) LocalDeleteIDs(ids []ident.ID) (Operation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var targets []*Entry
	for _, id := range ids {
		if e, ok := d.byKey[id.Key()]; ok && e.Visible {
			targets = append(targets, e)
		}
	}
	if len(targets) == 0 {
		return Operation{}, false
	}
	sort.Slice(targets, func(i, j int) bool { return lessEntry(targets[i], targets[j]) })
	return d.deleteEntries(targets), true
}

func (d *Document) deleteEntries(targets []*Entry) Operation {
	runes := make([]rune, len(targets))
	ids := make([]ident.ID, len(targets))
	for i, e := range targets {
		runes[i] = e.Value
		ids[i] = e.ID
		d.tombstone(e)
	}
	return Operation{
		Kind:      OpDelete,
		Content:   string(runes),
		Anchor:    anchor.ForDelete(ids),
		Timestamp: d.now().UnixMilli(),
		Origin:    d.alloc.Site(),
	}
}

// Apply integrates a remote operation. It is idempotent and commutes with
// every other operation: known inserts are skipped, a delete of an unknown
// id leaves a grave so that the insert arriving later stays invisible.
func (d *Document) Apply(op Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	switch op.Kind {
	case OpInsert:
		if len(op.IDs) == 0 {
			return ErrMissingIDs
		}
		for i, r := range []rune(op.Content) {
			id := op.IDs[i]
			key := id.Key()
			if _, ok := d.byKey[key]; ok {
				continue
			}
			e := &Entry{Value: r, ID: id, Visible: true}
			if at, ok := d.graves[key]; ok {
				e.Visible = false
				e.DeletedAt = at
				delete(d.graves, key)
			}
			d.put(e)
			if id.Site == d.alloc.Site() {
				d.alloc.Witness(id.Clock)
			}
		}
	case OpDelete:
		for _, id := range op.Targets() {
			key := id.Key()
			if e, ok := d.byKey[key]; ok {
				d.tombstone(e)
				continue
			}
			if _, ok := d.graves[key]; !ok {
				d.graves[key] = d.now()
			}
		}
	}
	return nil
}

// Forget removes id from the store entirely. It is used when the
// coordinator replaces a speculative identifier with its canonical one.
func (d *Document) Forget(id ident.ID) (Entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.byKey[id.Key()]
	if !ok {
		return Entry{}, false
	}
	d.tree.Delete(e)
	delete(d.byKey, id.Key())
	if e.Visible {
		d.visible--
	}
	return *e, true
}

// Load replaces the whole store with a snapshot of visible characters.
func (d *Document) Load(text string, ids []ident.ID) error {
	runes := []rune(text)
	if len(runes) != len(ids) {
		return fmt.Errorf("%w: %d runes, %d ids", ErrMalformedSnapshot, len(runes), len(ids))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tree.Clear(false)
	d.byKey = make(map[string]*Entry, len(ids))
	d.graves = make(map[string]time.Time)
	d.visible = 0
	for i, r := range runes {
		d.put(&Entry{Value: r, ID: ids[i], Visible: true})
		if ids[i].Site == d.alloc.Site() {
			d.alloc.Witness(ids[i].Clock)
		}
	}
	return nil
}

// Compact drops tombstones and graves older than cutoff and returns how
// many entries were removed.
func (d *Document) Compact(cutoff time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	var stale []*Entry
	d.tree.Ascend(func(e *Entry) bool {
		if !e.Visible && e.DeletedAt.Before(cutoff) {
			stale = append(stale, e)
		}
		return true
	})
	for _, e := range stale {
		d.tree.Delete(e)
		delete(d.byKey, e.ID.Key())
	}
	removed := len(stale)
	for key, at := range d.graves {
		if at.Before(cutoff) {
			delete(d.graves, key)
			removed++
		}
	}
	return removed
}
