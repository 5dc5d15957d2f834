// Package coordinator is the authoritative relay for every document: it
// serializes incoming operations per document, applies them to a canonical
// store and rebroadcasts them to the subscribed replicas.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"quill/internal/crdt"
	"quill/internal/ident"
	"quill/internal/protocol"
)

var (
	ErrClosed    = errors.New("coordinator closed")
	ErrNotJoined = errors.New("client has not joined the document")
)

// Sink delivers messages to one subscribed client. Send must not block; an
// error removes the subscriber.
type Sink interface {
	Send(msg protocol.Message) error
}

// Outcome describes what the coordinator did with a submitted operation.
type Outcome struct {
	// Op is the operation as applied and broadcast.
	Op crdt.Operation
	// Duplicate is set when the operation changed nothing.
	Duplicate bool
	// Rewritten is set when the insert's identifiers were replaced.
	Rewritten bool
	// Follow is the delete broadcast right after an insert whose ids had
	// already been deleted, so that peers hide them too.
	Follow *crdt.Operation
}

// Snapshot is the full visible state of a document.
type Snapshot struct {
	Text string
	IDs  []ident.ID
}

type Options struct {
	// Site is the identifier site of canonical ids; a random one is used
	// when empty.
	Site      string
	Logger    zerolog.Logger
	Mirror    Mirror
	InboxSize int
}

// Coordinator owns one actor per document id.
type Coordinator struct {
	alloc  *ident.Allocator
	log    zerolog.Logger
	mirror Mirror
	inbox  int

	mu     sync.Mutex
	docs   map[string]*docActor
	closed bool
	wg     sync.WaitGroup
}

func New(opts Options) *Coordinator {
	if opts.Site == "" {
		opts.Site = "coordinator-" + uuid.NewString()
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 64
	}
	if opts.Mirror == nil {
		opts.Mirror = nopMirror{}
	}
	return &Coordinator{
		alloc:  ident.NewAllocator(opts.Site),
		log:    opts.Logger.With().Str("component", "coordinator").Logger(),
		mirror: opts.Mirror,
		inbox:  opts.InboxSize,
		docs:   make(map[string]*docActor),
	}
}

// actor returns the actor for docID, starting it on first use.
func (c *Coordinator) actor(docID string) (*docActor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if a, ok := c.docs[docID]; ok {
		return a, nil
	}
	a := newDocActor(docID, c.alloc, c.mirror, c.inbox, c.log)
	c.docs[docID] = a
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		a.run()
	}()
	liveDocuments.Inc()
	c.log.Debug().Str("doc", docID).Msg("document actor started")
	return a, nil
}

// existing returns the actor for docID without creating one.
func (c *Coordinator) existing(docID string) (*docActor, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false, ErrClosed
	}
	a, ok := c.docs[docID]
	return a, ok, nil
}

// Join subscribes clientID to docID. The other subscribers get USER_JOIN
// and everybody gets the new USER_LIST.
func (c *Coordinator) Join(ctx context.Context, docID, clientID string, sink Sink) error {
	a, err := c.actor(docID)
	if err != nil {
		return err
	}
	return a.do(ctx, func() { a.join(clientID, sink) })
}

// Leave unsubscribes clientID from docID if sink is still its subscription.
// A client that reconnected under the same id keeps its newer one. The
// document itself stays.
func (c *Coordinator) Leave(ctx context.Context, docID, clientID string, sink Sink) error {
	a, ok, err := c.existing(docID)
	if err != nil || !ok {
		return err
	}
	return a.do(ctx, func() { a.leave(clientID, sink) })
}

// Submit applies op to docID and rebroadcasts it.
func (c *Coordinator) Submit(ctx context.Context, docID string, op crdt.Operation) (Outcome, error) {
	a, err := c.actor(docID)
	if err != nil {
		return Outcome{}, err
	}
	var out Outcome
	var opErr error
	if err := a.do(ctx, func() { out, opErr = a.onOperation(op) }); err != nil {
		return Outcome{}, err
	}
	if opErr != nil {
		return Outcome{}, fmt.Errorf("document %s: %w", docID, opErr)
	}
	return out, nil
}

// Sync returns the current snapshot of docID.
func (c *Coordinator) Sync(ctx context.Context, docID string) (Snapshot, error) {
	a, err := c.actor(docID)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := a.do(ctx, func() { snap = a.snapshot() }); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Handle dispatches a message received from clientID. The SYNC_RESPONSE
// goes out through the client's sink so that it is ordered with the
// broadcasts the client receives.
func (c *Coordinator) Handle(ctx context.Context, clientID string, msg protocol.Message) error {
	switch msg.Type {
	case protocol.TypeOperation:
		if msg.Operation == nil {
			return protocol.ErrMalformedMessage
		}
		_, err := c.Submit(ctx, msg.DocumentID, *msg.Operation)
		return err
	case protocol.TypeSyncRequest:
		a, err := c.actor(msg.DocumentID)
		if err != nil {
			return err
		}
		var syncErr error
		err = a.do(ctx, func() {
			sink, ok := a.subs[clientID]
			if !ok {
				syncErr = ErrNotJoined
				return
			}
			snap := a.snapshot()
			a.send(clientID, sink, protocol.NewSyncResponse(clientID, a.id, snap.Text, snap.IDs))
		})
		if err != nil {
			return err
		}
		return syncErr
	}
	return fmt.Errorf("%w: %s from client", protocol.ErrUnknownMessage, msg.Type)
}

// Tombstones returns the number of invisible entries held for docID.
func (c *Coordinator) Tombstones(ctx context.Context, docID string) (int, error) {
	a, ok, err := c.existing(docID)
	if err != nil || !ok {
		return 0, err
	}
	var n int
	if err := a.do(ctx, func() { n = a.doc.Tombstones() }); err != nil {
		return 0, err
	}
	return n, nil
}

// Compact drops tombstones of docID deleted before cutoff.
func (c *Coordinator) Compact(ctx context.Context, docID string, cutoff time.Time) (int, error) {
	a, ok, err := c.existing(docID)
	if err != nil || !ok {
		return 0, err
	}
	var n int
	if err := a.do(ctx, func() { n = a.doc.Compact(cutoff) }); err != nil {
		return 0, err
	}
	compactedTotal.Add(float64(n))
	return n, nil
}

// Documents returns the ids of all documents touched so far.
func (c *Coordinator) Documents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.docs))
	for id := range c.docs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close stops every actor. Pending requests fail with ErrClosed.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for _, a := range c.docs {
		close(a.quit)
	}
	liveDocuments.Sub(float64(len(c.docs)))
	c.mu.Unlock()
	c.wg.Wait()
}
