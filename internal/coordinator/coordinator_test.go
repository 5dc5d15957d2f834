package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quill/internal/anchor"
	"quill/internal/crdt"
	"quill/internal/ident"
	"quill/internal/protocol"
)

type recorder struct {
	mu   sync.Mutex
	msgs []protocol.Message
	fail bool
}

func (r *recorder) Send(m protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("buffer full")
	}
	r.msgs = append(r.msgs, m)
	return nil
}

func (r *recorder) ofType(t protocol.MessageType) []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Message
	for _, m := range r.msgs {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (r *recorder) operations() []crdt.Operation {
	var out []crdt.Operation
	for _, m := range r.ofType(protocol.TypeOperation) {
		out = append(out, *m.Operation)
	}
	return out
}

type mirrorRecorder struct {
	mu  sync.Mutex
	ops []crdt.Operation
}

func (m *mirrorRecorder) Publish(_ string, op crdt.Operation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, op)
}

func newCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	c := New(Options{Site: "hub", Logger: zerolog.Nop()})
	t.Cleanup(c.Close)
	return c
}

// adopt applies a broadcast to a replica-side document the way a replica
// does, dropping speculative ids that the coordinator replaced.
func adopt(t *testing.T, d *crdt.Document, op crdt.Operation) {
	t.Helper()
	for _, id := range op.Replaces {
		d.Forget(id)
	}
	require.NoError(t, d.Apply(op))
}

func TestTwoWriters(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t)
	a, b := &recorder{}, &recorder{}
	require.NoError(t, c.Join(ctx, "doc", "replica-a", a))
	require.NoError(t, c.Join(ctx, "doc", "replica-b", b))

	docA := crdt.NewDocument(ident.NewAllocator("replica-a"))
	docB := crdt.NewDocument(ident.NewAllocator("replica-b"))
	opA, err := docA.LocalInsert(0, "hello")
	require.NoError(t, err)
	opB, err := docB.LocalInsert(0, "X")
	require.NoError(t, err)
	require.Equal(t, "start", opB.Anchor.Strings()[0])

	_, err = c.Submit(ctx, "doc", opA)
	require.NoError(t, err)
	_, err = c.Submit(ctx, "doc", opB)
	require.NoError(t, err)

	snap, err := c.Sync(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "Xhello", snap.Text)
	assert.Len(t, snap.IDs, 6)

	for _, op := range a.operations() {
		adopt(t, docA, op)
	}
	for _, op := range b.operations() {
		adopt(t, docB, op)
	}
	assert.Equal(t, "Xhello", docA.Text())
	assert.Equal(t, "Xhello", docB.Text())
	assert.Equal(t, snap.IDs, docB.VisibleIDs())
}

func TestRebroadcast(t *testing.T) {
	ctx := context.Background()

	t.Run("Echo Suppressed", func(t *testing.T) {
		c := newCoordinator(t)
		c1, c2 := &recorder{}, &recorder{}
		require.NoError(t, c.Join(ctx, "d", "c1", c1))
		require.NoError(t, c.Join(ctx, "d", "c2", c2))

		op, err := crdt.NewDocument(ident.NewAllocator("c1")).LocalInsert(0, "hi")
		require.NoError(t, err)
		out, err := c.Submit(ctx, "d", op)
		require.NoError(t, err)
		assert.False(t, out.Rewritten)

		assert.Empty(t, c1.operations())
		got := c2.operations()
		require.Len(t, got, 1)
		assert.Equal(t, op.IDs, got[0].IDs)
		assert.Equal(t, op.Anchor.Strings(), got[0].Anchor.Strings())
	})

	t.Run("Duplicate Resend", func(t *testing.T) {
		c := newCoordinator(t)
		c2 := &recorder{}
		require.NoError(t, c.Join(ctx, "d", "c2", c2))

		before := testutil.ToFloat64(duplicatesTotal)
		src := crdt.NewDocument(ident.NewAllocator("c1"))
		ins, _ := src.LocalInsert(0, "abc")
		del, _ := src.LocalDelete(1)
		for i := 0; i < 2; i++ {
			_, err := c.Submit(ctx, "d", ins)
			require.NoError(t, err)
			_, err = c.Submit(ctx, "d", del)
			require.NoError(t, err)
		}
		assert.Len(t, c2.operations(), 2)
		assert.Equal(t, before+2, testutil.ToFloat64(duplicatesTotal))

		snap, err := c.Sync(ctx, "d")
		require.NoError(t, err)
		assert.Equal(t, "ac", snap.Text)
	})

	t.Run("Slow Subscriber Dropped", func(t *testing.T) {
		c := newCoordinator(t)
		slow, ok := &recorder{}, &recorder{}
		require.NoError(t, c.Join(ctx, "d", "slow", slow))
		require.NoError(t, c.Join(ctx, "d", "ok", ok))
		slow.fail = true

		op, _ := crdt.NewDocument(ident.NewAllocator("w")).LocalInsert(0, "x")
		_, err := c.Submit(ctx, "d", op)
		require.NoError(t, err)

		lists := ok.ofType(protocol.TypeUserList)
		require.NotEmpty(t, lists)
		assert.Equal(t, []string{"ok"}, lists[len(lists)-1].Users)
	})

	t.Run("Mirrored", func(t *testing.T) {
		m := &mirrorRecorder{}
		c := New(Options{Logger: zerolog.Nop(), Mirror: m})
		defer c.Close()
		op, _ := crdt.NewDocument(ident.NewAllocator("w")).LocalInsert(0, "x")
		_, err := c.Submit(ctx, "d", op)
		require.NoError(t, err)
		_, err = c.Submit(ctx, "d", op)
		require.NoError(t, err)
		assert.Len(t, m.ops, 1)
	})
}

func TestRewrite(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t)
	base, _ := crdt.NewDocument(ident.NewAllocator("seed")).LocalInsert(0, "ab")
	_, err := c.Submit(ctx, "d", base)
	require.NoError(t, err)
	writer := &recorder{}
	require.NoError(t, c.Join(ctx, "d", "writer", writer))

	// Ids sorting after "ab" but anchored at the start cannot be kept.
	guess := ident.ID{Digits: []uint16{30000, 5}, Site: "writer", Clock: 1}
	ins := crdt.Operation{
		Kind:    crdt.OpInsert,
		Content: "Z",
		Anchor:  anchor.StartPath(),
		Origin:  "writer",
		IDs:     []ident.ID{guess},
	}
	out, err := c.Submit(ctx, "d", ins)
	require.NoError(t, err)
	require.True(t, out.Rewritten)
	assert.Equal(t, []ident.ID{guess}, out.Op.Replaces)

	echo := writer.operations()
	require.Len(t, echo, 1, "originator receives the rewritten insert")
	assert.Equal(t, out.Op.IDs, echo[0].IDs)

	snap, _ := c.Sync(ctx, "d")
	assert.Equal(t, "Zab", snap.Text)

	t.Run("Anchors Through Alias", func(t *testing.T) {
		after := crdt.Operation{
			Kind:    crdt.OpInsert,
			Content: "!",
			Anchor:  anchor.AfterPath(guess),
			Origin:  "writer",
			IDs:     []ident.ID{{Digits: []uint16{30000, 6}, Site: "writer", Clock: 2}},
		}
		_, err := c.Submit(ctx, "d", after)
		require.NoError(t, err)
		snap, _ := c.Sync(ctx, "d")
		assert.Equal(t, "Z!ab", snap.Text)
	})

	t.Run("Delete Through Alias", func(t *testing.T) {
		del := crdt.Operation{
			Kind:    crdt.OpDelete,
			Content: "Z",
			Anchor:  anchor.AtChars([]ident.ID{guess}),
			Origin:  "writer",
		}
		out, err := c.Submit(ctx, "d", del)
		require.NoError(t, err)
		assert.False(t, out.Duplicate)
		snap, _ := c.Sync(ctx, "d")
		assert.Equal(t, "!ab", snap.Text)
	})

	t.Run("Resend Of Rewritten Insert", func(t *testing.T) {
		out, err := c.Submit(ctx, "d", ins)
		require.NoError(t, err)
		assert.True(t, out.Duplicate)
	})
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t)
	op, _ := crdt.NewDocument(ident.NewAllocator("w")).LocalInsert(0, "abc")
	_, err := c.Submit(ctx, "d", op)
	require.NoError(t, err)

	a, err := c.actor("d")
	require.NoError(t, err)
	require.NoError(t, a.do(ctx, func() { a.shadow = a.shadow[:1] }))

	before := testutil.ToFloat64(reconciliationsTotal)
	snap, err := c.Sync(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, "abc", snap.Text)
	assert.Len(t, snap.IDs, 3)
	assert.Equal(t, before+1, testutil.ToFloat64(reconciliationsTotal))
}

func TestHandle(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t)

	err := c.Handle(ctx, "stranger", protocol.NewSyncRequest("stranger", "d"))
	assert.ErrorIs(t, err, ErrNotJoined)

	r := &recorder{}
	require.NoError(t, c.Join(ctx, "d", "c1", r))
	op, _ := crdt.NewDocument(ident.NewAllocator("c1")).LocalInsert(0, "hey")
	require.NoError(t, c.Handle(ctx, "c1", protocol.NewOperation("c1", "d", op)))
	require.NoError(t, c.Handle(ctx, "c1", protocol.NewSyncRequest("c1", "d")))

	resp := r.ofType(protocol.TypeSyncResponse)
	require.Len(t, resp, 1)
	assert.Equal(t, "hey", resp[0].Content)
	assert.Equal(t, op.IDs, resp[0].CharacterIDs)

	err = c.Handle(ctx, "c1", protocol.NewUserList("c1", "d", nil))
	assert.ErrorIs(t, err, protocol.ErrUnknownMessage)

	bad := crdt.Operation{Kind: crdt.OpDelete, Anchor: anchor.StartPath()}
	err = c.Handle(ctx, "c1", protocol.NewOperation("c1", "d", bad))
	assert.ErrorIs(t, err, crdt.ErrMalformedOperation)
}

func TestPresence(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t)
	c1, c2 := &recorder{}, &recorder{}
	require.NoError(t, c.Join(ctx, "d", "c1", c1))
	require.NoError(t, c.Join(ctx, "d", "c2", c2))

	joins := c1.ofType(protocol.TypeUserJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, "c2", joins[0].ClientID)
	assert.Empty(t, c2.ofType(protocol.TypeUserJoin))

	lists := c2.ofType(protocol.TypeUserList)
	require.NotEmpty(t, lists)
	assert.Equal(t, []string{"c1", "c2"}, lists[len(lists)-1].Users)

	t.Run("Stale Leave", func(t *testing.T) {
		again := &recorder{}
		require.NoError(t, c.Join(ctx, "d", "c2", again))
		require.NoError(t, c.Leave(ctx, "d", "c2", c2))
		lists := c1.ofType(protocol.TypeUserList)
		assert.Equal(t, []string{"c1", "c2"}, lists[len(lists)-1].Users)

		require.NoError(t, c.Leave(ctx, "d", "c2", again))
		lists = c1.ofType(protocol.TypeUserList)
		assert.Equal(t, []string{"c1"}, lists[len(lists)-1].Users)
	})
}

func TestConcurrentDocuments(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			docID := fmt.Sprintf("doc-%d", i)
			local := crdt.NewDocument(ident.NewAllocator(fmt.Sprintf("w%d", i)))
			for j := 0; j < 20; j++ {
				op, err := local.LocalInsert(local.Len(), "x")
				if err != nil {
					t.Error(err)
					return
				}
				if _, err := c.Submit(ctx, docID, op); err != nil {
					t.Error(err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	docs := c.Documents()
	require.Len(t, docs, 8)
	for _, id := range docs {
		snap, err := c.Sync(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, strings.Repeat("x", 20), snap.Text)
	}
}

func TestCompactAndClose(t *testing.T) {
	ctx := context.Background()
	c := New(Options{Logger: zerolog.Nop()})
	src := crdt.NewDocument(ident.NewAllocator("w"))
	ins, _ := src.LocalInsert(0, "abcd")
	del, _ := src.LocalDeleteRange(0, 2)
	_, err := c.Submit(ctx, "d", ins)
	require.NoError(t, err)
	_, err = c.Submit(ctx, "d", del)
	require.NoError(t, err)

	n, err := c.Tombstones(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = c.Tombstones(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{"d"}, c.Documents(), "lookups must not create documents")

	c.Close()
	_, err = c.Submit(ctx, "d", ins)
	assert.ErrorIs(t, err, ErrClosed)
	c.Close()
}

func TestDeleteBeforeInsert(t *testing.T) {
	ctx := context.Background()

	t.Run("Peer Sees Tombstone", func(t *testing.T) {
		c := newCoordinator(t)
		peer := &recorder{}
		require.NoError(t, c.Join(ctx, "d", "peer", peer))

		src := crdt.NewDocument(ident.NewAllocator("w"))
		ins, _ := src.LocalInsert(0, "xy")
		del, _ := src.LocalDelete(0)

		_, err := c.Submit(ctx, "d", del)
		require.NoError(t, err)
		out, err := c.Submit(ctx, "d", ins)
		require.NoError(t, err)
		require.NotNil(t, out.Follow)
		assert.Equal(t, []ident.ID{ins.IDs[0]}, out.Follow.Targets())

		replica := crdt.NewDocument(ident.NewAllocator("peer"))
		for _, op := range peer.operations() {
			adopt(t, replica, op)
		}
		snap, err := c.Sync(ctx, "d")
		require.NoError(t, err)
		assert.Equal(t, "y", snap.Text)
		assert.Equal(t, snap.Text, replica.Text())
	})

	t.Run("Rewritten Ids Stay Deleted", func(t *testing.T) {
		c := newCoordinator(t)
		base, _ := crdt.NewDocument(ident.NewAllocator("seed")).LocalInsert(0, "ab")
		_, err := c.Submit(ctx, "d", base)
		require.NoError(t, err)
		peer := &recorder{}
		require.NoError(t, c.Join(ctx, "d", "peer", peer))

		guess := ident.ID{Digits: []uint16{30000, 5}, Site: "w", Clock: 1}
		del := crdt.Operation{Kind: crdt.OpDelete, Content: "Z", Anchor: anchor.AtChars([]ident.ID{guess}), Origin: "w"}
		ins := crdt.Operation{Kind: crdt.OpInsert, Content: "Z", Anchor: anchor.StartPath(), Origin: "w", IDs: []ident.ID{guess}}
		_, err = c.Submit(ctx, "d", del)
		require.NoError(t, err)
		out, err := c.Submit(ctx, "d", ins)
		require.NoError(t, err)
		require.True(t, out.Rewritten)
		require.NotNil(t, out.Follow)

		snap, _ := c.Sync(ctx, "d")
		assert.Equal(t, "ab", snap.Text)

		replica := crdt.NewDocument(ident.NewAllocator("peer"))
		require.NoError(t, replica.Load(snap.Text, snap.IDs))
		for _, op := range peer.operations() {
			adopt(t, replica, op)
		}
		assert.Equal(t, "ab", replica.Text())
	})
}

func TestMalformedIdentifiers(t *testing.T) {
	ctx := context.Background()
	c := newCoordinator(t)

	floor := crdt.Operation{
		Kind:    crdt.OpInsert,
		Content: "x",
		Anchor:  anchor.StartPath(),
		Origin:  "z",
		IDs:     []ident.ID{{Digits: []uint16{0}, Site: "z", Clock: 1}},
	}
	_, err := c.Submit(ctx, "d", floor)
	assert.ErrorIs(t, err, crdt.ErrMalformedOperation)

	// Two ids with the same digits leave no room for the coordinator's
	// site between them.
	lo := ident.ID{Digits: []uint16{5, 7}, Site: "a", Clock: 1}
	hi := ident.ID{Digits: []uint16{5, 7}, Site: "b", Clock: 1}
	pair := crdt.Operation{Kind: crdt.OpInsert, Content: "ab", Anchor: anchor.StartPath(), Origin: "a", IDs: []ident.ID{lo, hi}}
	_, err = c.Submit(ctx, "d", pair)
	require.NoError(t, err)
	wedge := crdt.Operation{
		Kind:    crdt.OpInsert,
		Content: "!",
		Anchor:  anchor.AfterPath(lo),
		Origin:  "c",
		IDs:     []ident.ID{{Digits: []uint16{9000, 1}, Site: "c", Clock: 1}},
	}
	_, err = c.Submit(ctx, "d", wedge)
	assert.ErrorIs(t, err, ident.ErrNoRoom)

	// The actor survives and keeps serving the document.
	op, _ := crdt.NewDocument(ident.NewAllocator("w")).LocalInsert(0, "ok ")
	_, err = c.Submit(ctx, "d", op)
	require.NoError(t, err)
	snap, err := c.Sync(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, "ok ab", snap.Text)
}

func TestBatchDeleteOrder(t *testing.T) {
	ctx := context.Background()
	for _, order := range [][]int{{5, 2, 8}, {8, 2, 5}, {2, 5, 8}} {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			c := newCoordinator(t)
			ins, _ := crdt.NewDocument(ident.NewAllocator("w")).LocalInsert(0, "abcdefghi")
			_, err := c.Submit(ctx, "d", ins)
			require.NoError(t, err)

			targets := make([]ident.ID, len(order))
			for i, n := range order {
				targets[i] = ins.IDs[n]
			}
			del := crdt.Operation{Kind: crdt.OpDelete, Anchor: anchor.AtChars(targets), Origin: "w"}
			_, err = c.Submit(ctx, "d", del)
			require.NoError(t, err)

			snap, err := c.Sync(ctx, "d")
			require.NoError(t, err)
			assert.Equal(t, "abdegh", snap.Text)
			want := []ident.ID{ins.IDs[0], ins.IDs[1], ins.IDs[3], ins.IDs[4], ins.IDs[6], ins.IDs[7]}
			assert.Equal(t, want, snap.IDs)
		})
	}
}
