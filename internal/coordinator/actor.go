package coordinator

import (
	"context"
	"slices"
	"sort"

	"github.com/rs/zerolog"

	"quill/internal/anchor"
	"quill/internal/crdt"
	"quill/internal/ident"
	"quill/internal/protocol"
)

// shadowSeq is the coordinator's parallel list of visible identifiers.
type shadowSeq []ident.ID

func (s shadowSeq) Len() int { return len(s) }

func (s shadowSeq) IDAt(i int) (ident.ID, bool) {
	if i < 0 || i >= len(s) {
		return ident.ID{}, false
	}
	return s[i], true
}

func (s shadowSeq) IndexOf(id ident.ID) (int, bool) {
	for i, x := range s {
		if x.Equal(id) {
			return i, true
		}
	}
	return -1, false
}

// docActor owns one document. All of its state is touched only from the
// goroutine running run; everything else goes through do.
type docActor struct {
	id     string
	site   string
	alloc  *ident.Allocator
	doc    *crdt.Document
	shadow shadowSeq
	// aliases maps a replica's speculative id to the canonical id that
	// replaced it.
	aliases map[string]ident.ID
	subs    map[string]Sink
	mirror  Mirror
	log     zerolog.Logger

	inbox chan func()
	quit  chan struct{}
}

func newDocActor(id string, alloc *ident.Allocator, mirror Mirror, inbox int, log zerolog.Logger) *docActor {
	return &docActor{
		id:      id,
		site:    alloc.Site(),
		alloc:   alloc,
		doc:     crdt.NewDocument(alloc),
		aliases: make(map[string]ident.ID),
		subs:    make(map[string]Sink),
		mirror:  mirror,
		log:     log.With().Str("doc", id).Logger(),
		inbox:   make(chan func(), inbox),
		quit:    make(chan struct{}),
	}
}

func (a *docActor) run() {
	for {
		select {
		case fn := <-a.inbox:
			fn()
		case <-a.quit:
			return
		}
	}
}

// do runs fn on the actor goroutine and waits for it to finish.
func (a *docActor) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case a.inbox <- func() { fn(); close(done) }:
	case <-a.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-a.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// canonical follows the alias table from a speculative id to the id the
// store actually holds.
func (a *docActor) canonical(id ident.ID) ident.ID {
	for i := 0; i <= len(a.aliases); i++ {
		next, ok := a.aliases[id.Key()]
		if !ok {
			return id
		}
		id = next
	}
	return id
}

func (a *docActor) known(id ident.ID) bool {
	if _, ok := a.aliases[id.Key()]; ok {
		return true
	}
	return a.doc.Has(id)
}

func (a *docActor) onOperation(op crdt.Operation) (Outcome, error) {
	if err := op.Validate(); err != nil {
		return Outcome{}, err
	}
	op = op.Clone()
	op.Anchor = op.Anchor.Rewrite(a.canonical)

	var out Outcome
	switch op.Kind {
	case crdt.OpInsert:
		var err error
		if out, err = a.insert(op); err != nil {
			rejectedTotal.Inc()
			a.log.Warn().Err(err).Str("client", op.Origin).Msg("rejecting insert")
			return Outcome{}, err
		}
	case crdt.OpDelete:
		out = a.delete(op)
	}
	if out.Duplicate {
		duplicatesTotal.Inc()
		a.log.Debug().Str("client", op.Origin).Str("kind", op.Kind.String()).Msg("duplicate operation ignored")
		return out, nil
	}
	operationsTotal.WithLabelValues(op.Kind.String()).Inc()
	a.reconcile()
	a.mirror.Publish(a.id, out.Op)
	a.broadcast(out)
	if out.Follow != nil {
		a.mirror.Publish(a.id, *out.Follow)
		a.broadcast(Outcome{Op: *out.Follow})
	}
	return out, nil
}

func (a *docActor) insert(op crdt.Operation) (Outcome, error) {
	op.Replaces = nil
	runes := []rune(op.Content)

	// A resend carries ids the store already holds; keep only the new ones.
	if len(op.IDs) > 0 {
		var keepRunes []rune
		var keepIDs []ident.ID
		for i, id := range op.IDs {
			if a.known(id) {
				continue
			}
			keepRunes = append(keepRunes, runes[i])
			keepIDs = append(keepIDs, id)
		}
		if len(keepIDs) == 0 {
			return Outcome{Op: op, Duplicate: true}, nil
		}
		runes = keepRunes
		op.Content = string(keepRunes)
		op.IDs = keepIDs
	}

	// Ids whose delete overtook them stay deleted whatever ids they end up
	// with.
	buried := make([]bool, len(op.IDs))
	for i, id := range op.IDs {
		buried[i] = a.doc.Buried(id)
	}

	index := anchor.ResolveInsert(a.shadow, op.Anchor)
	var left, right *ident.ID
	if index > 0 {
		l := a.shadow[index-1]
		left = &l
	}
	if index < len(a.shadow) {
		r := a.shadow[index]
		right = &r
	}

	rewritten := false
	if !fits(op.IDs, left, right) {
		fresh := make([]ident.ID, len(runes))
		prev := left
		for i := range fresh {
			id, err := a.alloc.Allocate(prev, right)
			if err != nil {
				return Outcome{}, err
			}
			fresh[i] = id
			prev = &fresh[i]
		}
		for i, old := range op.IDs {
			a.aliases[old.Key()] = fresh[i]
		}
		op.Replaces = op.IDs
		op.IDs = fresh
		rewritten = true
		rewritesTotal.Inc()
		a.log.Debug().Str("client", op.Origin).Int("index", index).Msg("rewrote insert identifiers")
	}

	if err := a.doc.Apply(op); err != nil {
		// Validated above; a failure here means the store disagrees with
		// the checks, which reconcile will surface.
		a.log.Error().Err(err).Msg("applying insert")
	}
	out := Outcome{Op: op, Rewritten: rewritten}
	var visible, hidden []ident.ID
	var hiddenRunes []rune
	for i, id := range op.IDs {
		if (i < len(buried) && buried[i]) || !a.doc.IsVisible(id) {
			hidden = append(hidden, id)
			hiddenRunes = append(hiddenRunes, runes[i])
			continue
		}
		visible = append(visible, id)
	}
	if len(hidden) > 0 {
		del := crdt.Operation{
			Kind:      crdt.OpDelete,
			Content:   string(hiddenRunes),
			Anchor:    anchor.AtChars(hidden),
			Timestamp: op.Timestamp,
			Origin:    op.Origin,
		}
		if err := a.doc.Apply(del); err != nil {
			a.log.Error().Err(err).Msg("burying insert")
		}
		out.Follow = &del
	}
	a.shadow = slices.Insert(a.shadow, index, visible...)
	return out, nil
}

// fits reports whether ids are strictly ascending and lie between the
// visible neighbours, so that applying them unchanged places the run at
// the resolved index.
func fits(ids []ident.ID, left, right *ident.ID) bool {
	if len(ids) == 0 {
		return false
	}
	for i := 1; i < len(ids); i++ {
		if !ids[i-1].Less(ids[i]) {
			return false
		}
	}
	if left != nil && !left.Less(ids[0]) {
		return false
	}
	if right != nil && !ids[len(ids)-1].Less(*right) {
		return false
	}
	return true
}

func (a *docActor) delete(op crdt.Operation) Outcome {
	op.IDs, op.Replaces = nil, nil
	changes := false
	for _, id := range op.Targets() {
		if !a.doc.Has(id) || a.doc.IsVisible(id) {
			changes = true
			break
		}
	}
	if !changes {
		return Outcome{Op: op, Duplicate: true}
	}
	indices := anchor.ResolveDelete(a.shadow, op.Anchor)
	if err := a.doc.Apply(op); err != nil {
		a.log.Error().Err(err).Msg("applying delete")
	}
	// Descending, so earlier removals never shift later ones.
	for _, i := range indices {
		a.shadow = slices.Delete(a.shadow, i, i+1)
	}
	return Outcome{Op: op}
}

// reconcile rebuilds the shadow index from the store when their lengths
// disagree. It never fails the operation that triggered it.
func (a *docActor) reconcile() {
	if len(a.shadow) == a.doc.Len() {
		return
	}
	reconciliationsTotal.Inc()
	a.log.Warn().
		Int("shadow", len(a.shadow)).
		Int("visible", a.doc.Len()).
		Msg("shadow index out of sync with store, rebuilding")
	a.shadow = a.doc.VisibleIDs()
}

func (a *docActor) broadcast(out Outcome) {
	msg := protocol.NewOperation(out.Op.Origin, a.id, out.Op)
	dropped := false
	for clientID, sink := range a.subs {
		// The originator already shows its own edit unless its ids changed.
		if clientID == out.Op.Origin && !out.Rewritten {
			continue
		}
		if !a.send(clientID, sink, msg) {
			dropped = true
		}
	}
	if dropped {
		a.announce()
	}
}

// send delivers msg, dropping the subscriber when its sink refuses it.
func (a *docActor) send(clientID string, sink Sink, msg protocol.Message) bool {
	if err := sink.Send(msg); err != nil {
		droppedSubscribersTotal.Inc()
		a.log.Warn().Err(err).Str("client", clientID).Msg("dropping subscriber")
		delete(a.subs, clientID)
		return false
	}
	return true
}

func (a *docActor) users() []string {
	out := make([]string, 0, len(a.subs))
	for id := range a.subs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// announce sends the current user list to every subscriber.
func (a *docActor) announce() {
	for {
		users := a.users()
		dropped := false
		for clientID, sink := range a.subs {
			if !a.send(clientID, sink, protocol.NewUserList(a.site, a.id, users)) {
				dropped = true
			}
		}
		if !dropped {
			return
		}
	}
}

func (a *docActor) join(clientID string, sink Sink) {
	a.subs[clientID] = sink
	users := a.users()
	for id, s := range a.subs {
		if id != clientID {
			a.send(id, s, protocol.NewUserJoin(clientID, a.id, users))
		}
	}
	a.announce()
	a.log.Info().Str("client", clientID).Int("users", len(a.subs)).Msg("client joined")
}

func (a *docActor) leave(clientID string, sink Sink) {
	if cur, ok := a.subs[clientID]; !ok || cur != sink {
		return
	}
	delete(a.subs, clientID)
	a.announce()
	a.log.Info().Str("client", clientID).Int("users", len(a.subs)).Msg("client left")
}

func (a *docActor) snapshot() Snapshot {
	a.reconcile()
	return Snapshot{Text: a.doc.Text(), IDs: slices.Clone([]ident.ID(a.shadow))}
}
