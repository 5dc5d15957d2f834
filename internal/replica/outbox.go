package replica

import (
	"time"

	"quill/internal/crdt"
	"quill/internal/crdt/compact"
	"quill/internal/ident"
)

// outbox holds the replica's outgoing operations in origin order.
type outbox struct {
	queue []crdt.Operation
	// deleting is a delete run still open for coalescing; hole is the
	// visible index the run collapsed into.
	deleting   *crdt.Operation
	hole       int
	lastDelete time.Time
	// window holds the latest sent operations, resent after a reconnect.
	window []crdt.Operation

	connected    bool
	awaitingSync bool
}

func (o *outbox) enqueue(op crdt.Operation) {
	o.queue = append(o.queue, op)
}

// flushDeletes closes the open delete run.
func (o *outbox) flushDeletes() {
	if o.deleting == nil {
		return
	}
	o.queue = append(o.queue, *o.deleting)
	o.deleting = nil
}

func (o *outbox) head() (crdt.Operation, bool) {
	if len(o.queue) == 0 {
		return crdt.Operation{}, false
	}
	return o.queue[0], true
}

func (o *outbox) pop() {
	o.queue = o.queue[1:]
	if len(o.queue) == 0 {
		o.queue = nil
	}
}

func (o *outbox) record(op crdt.Operation, limit int) {
	o.window = append(o.window, op)
	if len(o.window) > limit {
		o.window = append([]crdt.Operation(nil), o.window[len(o.window)-limit:]...)
	}
}

func (o *outbox) takeWindow() []crdt.Operation {
	w := o.window
	o.window = nil
	return w
}

// unsent returns the queued operations followed by the open delete run.
func (o *outbox) unsent() []crdt.Operation {
	out := append([]crdt.Operation(nil), o.queue...)
	if o.deleting != nil {
		out = append(out, *o.deleting)
	}
	return out
}

// synced forgets the sent window once a snapshot covers it.
func (o *outbox) synced() {
	o.window = nil
	o.awaitingSync = false
}

// cancelPairs drops unsent characters that were inserted and deleted again
// before ever leaving the replica.
func (o *outbox) cancelPairs() {
	o.queue = compact.CancelPairs(o.queue)
}

// rewrite renames ids in the anchors of everything not yet sent.
func (o *outbox) rewrite(fn func(ident.ID) ident.ID) {
	for i := range o.queue {
		o.queue[i].Anchor = o.queue[i].Anchor.Rewrite(fn)
	}
	if o.deleting != nil {
		o.deleting.Anchor = o.deleting.Anchor.Rewrite(fn)
	}
}

func (o *outbox) len() int {
	n := len(o.queue)
	if o.deleting != nil {
		n++
	}
	return n
}
