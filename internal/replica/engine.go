// Package replica is the client side of a shared document: it turns raw
// text changes into operations, applies what the coordinator relays and
// keeps the unsent operations until the coordinator has them.
package replica

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"quill/internal/anchor"
	"quill/internal/crdt"
	"quill/internal/ident"
	"quill/internal/protocol"
	"quill/internal/undo"
)

var ErrNoSender = errors.New("replica has no sender attached")

type Config struct {
	// CoalesceWindow is how long consecutive deletes keep merging.
	CoalesceWindow time.Duration
	// FlushInterval is the period of the drain ticker in Run.
	FlushInterval time.Duration
	UndoCapacity  int
	// ResendWindow is how many sent operations are resent after a
	// reconnect, since the coordinator may never have received them.
	ResendWindow int
}

func DefaultConfig() Config {
	return Config{
		CoalesceWindow: 50 * time.Millisecond,
		FlushInterval:  100 * time.Millisecond,
		UndoCapacity:   100,
		ResendWindow:   32,
	}
}

// Sender carries messages to the coordinator.
type Sender interface {
	Send(ctx context.Context, msg protocol.Message) error
}

// RemoteEdit tells the editor what a remote operation changed.
type RemoteEdit struct {
	Kind crdt.OpKind
	// Indices are the visible positions touched: ascending for inserts,
	// descending and taken before removal for deletes.
	Indices []int
	Content string
	// Text is the whole document after the edit.
	Text string
	// Reset is set when the document was replaced by a snapshot.
	Reset bool
}

// Engine is one replica of one document. It is not safe for concurrent
// use; Run drives it from a single goroutine.
type Engine struct {
	docID    string
	clientID string
	cfg      Config
	log      zerolog.Logger
	now      func() time.Time

	doc   *crdt.Document
	undo  *undo.Manager
	state State
	gen   uint64
	caret int
	peers []string

	listener func(RemoteEdit)
	sender   Sender
	out      outbox
}

// New returns an engine for docID. clientID doubles as the identifier site,
// so the coordinator can recognise the replica's own operations.
func New(docID, clientID string, cfg Config, log zerolog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.CoalesceWindow <= 0 {
		cfg.CoalesceWindow = def.CoalesceWindow
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.ResendWindow <= 0 {
		cfg.ResendWindow = def.ResendWindow
	}
	return &Engine{
		docID:    docID,
		clientID: clientID,
		cfg:      cfg,
		log:      log.With().Str("component", "replica").Str("doc", docID).Logger(),
		now:      time.Now,
		doc:      crdt.NewDocument(ident.NewAllocator(clientID)),
		undo:     undo.New(cfg.UndoCapacity),
	}
}

func (e *Engine) DocumentID() string { return e.docID }
func (e *Engine) ClientID() string   { return e.clientID }
func (e *Engine) State() State       { return e.state }
func (e *Engine) Text() string       { return e.doc.Text() }
func (e *Engine) Peers() []string    { return append([]string(nil), e.peers...) }
func (e *Engine) IsConnected() bool  { return e.out.connected }

// Attach sets the sender used to drain the queue.
func (e *Engine) Attach(s Sender) { e.sender = s }

// OnRemoteEdit registers fn to be called after every remote change.
func (e *Engine) OnRemoteEdit(fn func(RemoteEdit)) { e.listener = fn }

// SetCaret records the editor's caret position.
func (e *Engine) SetCaret(i int) { e.caret = min(max(i, 0), e.doc.Len()) }

// OnTextChange turns an editor change into local operations. The engine's
// own text is the authority on the old value; old is only checked.
func (e *Engine) OnTextChange(old, new string) error {
	done, ok := e.enter(ApplyingLocal)
	if !ok {
		return nil
	}
	defer done()

	cur := e.doc.Text()
	if old != cur {
		e.log.Debug().Msg("editor text out of step, diffing against document")
	}
	c := Diff(cur, new)
	if c.Empty() {
		return nil
	}
	if c.Deleted > 0 {
		if err := e.localDelete(c.Prefix, c.Deleted); err != nil {
			return err
		}
		e.caret = c.Prefix
	}
	if c.Inserted != "" {
		// A replaced selection undoes as one edit.
		if err := e.localInsert(c.Prefix, c.Inserted, c.Deleted > 0); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) localDelete(index, n int) error {
	before, _ := e.doc.Neighbors(index)
	_, after := e.doc.Neighbors(index + n)
	op, err := e.doc.LocalDeleteRange(index, n)
	if err != nil {
		return fmt.Errorf("delete %d at %d: %w", n, index, err)
	}
	e.stamp(&op)
	e.undo.Record(undo.Step{Op: op, Index: index, Before: before, After: after, Gen: e.gen})
	e.coalesce(op, index, n)
	return nil
}

func (e *Engine) localInsert(index int, value string, joined bool) error {
	op, err := e.InsertAt(index, value)
	if err != nil {
		return err
	}
	before, _ := e.doc.Neighbors(index)
	_, after := e.doc.Neighbors(index + len(op.IDs))
	e.undo.Record(undo.Step{Op: op, Index: index, Before: before, After: after, Gen: e.gen, Joined: joined})
	e.out.flushDeletes()
	e.out.enqueue(op)
	return nil
}

// coalesce merges a delete into the pending run when it extends it at the
// same hole: backspace grows it to the left, forward delete to the right.
func (e *Engine) coalesce(op crdt.Operation, index, n int) {
	o := &e.out
	if p := o.deleting; p != nil && p.CanCombine(&op, e.cfg.CoalesceWindow) {
		switch {
		case index+n == o.hole:
			p.Combine(&op, true)
			o.hole = index
			o.lastDelete = e.now()
			return
		case index == o.hole:
			p.Combine(&op, false)
			o.lastDelete = e.now()
			return
		}
	}
	o.flushDeletes()
	o.deleting = &op
	o.hole = index
	o.lastDelete = e.now()
}

func (e *Engine) stamp(op *crdt.Operation) {
	op.Timestamp = e.now().UnixMilli()
}

// Undo reverts the last local edit and queues the resulting operation.
func (e *Engine) Undo() error {
	return e.history(e.undo.Undo)
}

// Redo re-applies the last undone edit.
func (e *Engine) Redo() error {
	return e.history(e.undo.Redo)
}

// history runs fn until it has handled both halves of a joined step.
func (e *Engine) history(fn func(undo.Target) (crdt.Operation, bool, error)) error {
	done, ok := e.enter(UndoingOrRedoing)
	if !ok {
		return nil
	}
	defer done()
	for {
		op, ok, err := fn(e)
		if err != nil {
			return err
		}
		if ok {
			e.out.flushDeletes()
			e.out.enqueue(op)
		}
		if !e.undo.Chained() {
			return nil
		}
	}
}

// CanUndo reports whether Undo would do anything.
func (e *Engine) CanUndo() bool { return e.undo.CanUndo() }

// CanRedo reports whether Redo would do anything.
func (e *Engine) CanRedo() bool { return e.undo.CanRedo() }

// InsertAt is the undo target's insert: a local insert with the caret
// moved behind it.
func (e *Engine) InsertAt(index int, value string) (crdt.Operation, error) {
	op, err := e.doc.LocalInsert(index, value)
	if err != nil {
		return crdt.Operation{}, fmt.Errorf("insert at %d: %w", index, err)
	}
	e.stamp(&op)
	e.caret = index + len(op.IDs)
	return op, nil
}

// DeleteIDs is the undo target's delete. The caret moves to the first
// removed position.
func (e *Engine) DeleteIDs(ids []ident.ID) (crdt.Operation, bool) {
	first := -1
	for _, id := range ids {
		if i, ok := e.doc.IndexOf(id); ok && (first < 0 || i < first) {
			first = i
		}
	}
	op, ok := e.doc.LocalDeleteIDs(ids)
	if !ok {
		return crdt.Operation{}, false
	}
	e.stamp(&op)
	e.caret = first
	return op, true
}

func (e *Engine) IndexOf(id ident.ID) (int, bool)               { return e.doc.IndexOf(id) }
func (e *Engine) Neighbors(index int) (before, after *ident.ID) { return e.doc.Neighbors(index) }
func (e *Engine) Len() int                                      { return e.doc.Len() }
func (e *Engine) Generation() uint64                            { return e.gen }
func (e *Engine) Caret() int                                    { return e.caret }

// ApplyRemote handles a message from the coordinator.
func (e *Engine) ApplyRemote(msg protocol.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	switch msg.Type {
	case protocol.TypeOperation:
		op := *msg.Operation
		if op.Origin == e.clientID {
			if len(op.Replaces) == 0 {
				e.log.Debug().Str("op", op.String()).Msg("ignoring echo of own operation")
				return nil
			}
			return e.adopt(op)
		}
		return e.applyPeer(op)
	case protocol.TypeSyncResponse:
		return e.loadSnapshot(msg)
	case protocol.TypeUserJoin, protocol.TypeUserList:
		e.peers = append([]string(nil), msg.Users...)
		return nil
	}
	return fmt.Errorf("%w: %s from coordinator", protocol.ErrUnknownMessage, msg.Type)
}

func (e *Engine) applyPeer(op crdt.Operation) error {
	done, ok := e.enter(ApplyingRemote)
	if !ok {
		return fmt.Errorf("remote operation while %s", e.state)
	}
	defer done()

	var indices []int
	switch op.Kind {
	case crdt.OpInsert:
		if err := e.doc.Apply(op); err != nil {
			return fmt.Errorf("applying %s: %w", op, err)
		}
		for _, id := range op.IDs {
			if i, ok := e.doc.IndexOf(id); ok {
				indices = append(indices, i)
			}
		}
		sort.Ints(indices)
		for _, i := range indices {
			if i < e.caret {
				e.caret++
			}
		}
	case crdt.OpDelete:
		indices = anchor.ResolveDelete(e.doc, op.Anchor)
		if err := e.doc.Apply(op); err != nil {
			return fmt.Errorf("applying %s: %w", op, err)
		}
		for _, i := range indices {
			if i < e.caret {
				e.caret--
			}
		}
	}
	e.gen++
	e.notify(RemoteEdit{Kind: op.Kind, Indices: indices, Content: op.Content})
	return nil
}

// adopt replaces speculative ids with the canonical ones the coordinator
// assigned. A character deleted locally in the meantime stays deleted.
func (e *Engine) adopt(op crdt.Operation) error {
	if len(op.Replaces) != len(op.IDs) {
		return fmt.Errorf("%w: %d replaced ids for %d ids", crdt.ErrMalformedOperation, len(op.Replaces), len(op.IDs))
	}
	done, ok := e.enter(ApplyingRemote)
	if !ok {
		return fmt.Errorf("rewrite while %s", e.state)
	}
	defer done()

	var hidden []ident.ID
	remap := make(map[string]ident.ID, len(op.Replaces))
	for i, old := range op.Replaces {
		ent, ok := e.doc.Forget(old)
		if ok && !ent.Visible {
			hidden = append(hidden, op.IDs[i])
		}
		remap[old.Key()] = op.IDs[i]
		e.undo.Remap(old, op.IDs[i])
	}
	canon := op.Clone()
	canon.Replaces = nil
	if err := e.doc.Apply(canon); err != nil {
		return fmt.Errorf("adopting %s: %w", op, err)
	}
	if len(hidden) > 0 {
		del := crdt.Operation{Kind: crdt.OpDelete, Anchor: anchor.AtChars(hidden), Origin: e.clientID}
		if err := e.doc.Apply(del); err != nil {
			return fmt.Errorf("hiding adopted ids: %w", err)
		}
	}
	e.out.rewrite(func(id ident.ID) ident.ID {
		if n, ok := remap[id.Key()]; ok {
			return n
		}
		return id
	})

	var indices []int
	for _, id := range op.IDs {
		if i, ok := e.doc.IndexOf(id); ok {
			indices = append(indices, i)
		}
	}
	sort.Ints(indices)
	e.caret = min(e.caret, e.doc.Len())
	e.gen++
	e.log.Debug().Int("ids", len(op.IDs)).Msg("adopted canonical identifiers")
	e.notify(RemoteEdit{Kind: crdt.OpInsert, Indices: indices, Content: op.Content})
	return nil
}

// loadSnapshot replaces the document with the coordinator's state and
// replays the operations it has not seen yet.
func (e *Engine) loadSnapshot(msg protocol.Message) error {
	if len([]rune(msg.Content)) != len(msg.CharacterIDs) {
		return fmt.Errorf("%w: snapshot of %d runes with %d ids", protocol.ErrMalformedMessage,
			len([]rune(msg.Content)), len(msg.CharacterIDs))
	}
	done, ok := e.enter(ApplyingRemote)
	if !ok {
		return fmt.Errorf("snapshot while %s", e.state)
	}
	defer done()

	if err := e.doc.Load(msg.Content, msg.CharacterIDs); err != nil {
		return err
	}
	for _, op := range e.out.unsent() {
		if err := e.doc.Apply(op); err != nil {
			e.log.Warn().Err(err).Str("op", op.String()).Msg("dropping unsent operation")
		}
	}
	e.out.synced()
	e.caret = min(e.caret, e.doc.Len())
	e.gen++
	e.log.Info().Int("length", e.doc.Len()).Int("pending", e.out.len()).Msg("document synchronised")
	e.notify(RemoteEdit{Reset: true})
	return nil
}

func (e *Engine) notify(ev RemoteEdit) {
	if e.listener == nil {
		return
	}
	ev.Text = e.doc.Text()
	e.listener(ev)
}

// Tick moves an expired delete run into the queue and drains the queue.
func (e *Engine) Tick(ctx context.Context, now time.Time) error {
	if e.out.deleting != nil && now.Sub(e.out.lastDelete) >= e.cfg.CoalesceWindow {
		e.out.flushDeletes()
	}
	return e.drain(ctx)
}

// drain sends queued operations one at a time. A failed send leaves the
// operation at the head of the queue and marks the engine disconnected.
func (e *Engine) drain(ctx context.Context) error {
	if !e.out.connected || e.out.awaitingSync {
		return nil
	}
	if e.sender == nil {
		return ErrNoSender
	}
	for {
		op, ok := e.out.head()
		if !ok {
			return nil
		}
		if err := e.sender.Send(ctx, protocol.NewOperation(e.clientID, e.docID, op)); err != nil {
			e.Disconnected(err)
			return err
		}
		e.out.pop()
		e.out.record(op, e.cfg.ResendWindow)
	}
}

// Connected is called once the transport is up. It resends the recent
// operations the coordinator may have missed, asks for a snapshot and
// holds the queue until the snapshot arrives.
func (e *Engine) Connected(ctx context.Context) error {
	if e.sender == nil {
		return ErrNoSender
	}
	e.out.flushDeletes()
	e.out.cancelPairs()
	e.out.connected = true
	e.out.awaitingSync = true

	resend := e.out.takeWindow()
	for i, op := range resend {
		if err := e.sender.Send(ctx, protocol.NewOperation(e.clientID, e.docID, op)); err != nil {
			e.out.window = append(e.out.window, resend[i:]...)
			e.Disconnected(err)
			return err
		}
		e.out.record(op, len(resend)+e.cfg.ResendWindow)
	}
	if err := e.sender.Send(ctx, protocol.NewSyncRequest(e.clientID, e.docID)); err != nil {
		e.Disconnected(err)
		return err
	}
	e.log.Debug().Int("queued", e.out.len()).Msg("connected, waiting for snapshot")
	return nil
}

// Disconnected stops draining until the next Connected. Nothing queued is
// lost.
func (e *Engine) Disconnected(err error) {
	if !e.out.connected {
		return
	}
	e.out.connected = false
	e.out.awaitingSync = false
	e.log.Warn().Err(err).Int("queued", e.out.len()).Msg("disconnected")
}

// Queued returns the number of operations waiting to be sent, including a
// delete run still being coalesced.
func (e *Engine) Queued() int { return e.out.len() }

// Pending returns every operation the coordinator may not have yet, oldest
// first: the recently sent ones and everything unsent.
func (e *Engine) Pending() []crdt.Operation {
	return append(append([]crdt.Operation(nil), e.out.window...), e.out.unsent()...)
}

// Restore takes operations saved by Pending in an earlier session. They
// are resent on the next Connected, before the snapshot is requested, so
// the snapshot already contains them.
func (e *Engine) Restore(ops []crdt.Operation) {
	for _, op := range ops {
		e.out.window = append(e.out.window, op.Clone())
	}
}
