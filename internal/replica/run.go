package replica

import (
	"context"
	"errors"
	"time"

	"quill/internal/protocol"
)

// Conn is the transport as the replica sees it.
type Conn interface {
	Sender
	// Inbound yields messages from the coordinator.
	Inbound() <-chan protocol.Message
	// Status yields true whenever the link comes up and false when it
	// drops.
	Status() <-chan bool
}

type EditKind int

const (
	EditText EditKind = iota
	EditUndo
	EditRedo
	EditShow
)

// Edit is a request from the editor. Text is the new full text for
// EditText. When Reply is set it receives the document text once the edit
// is handled.
type Edit struct {
	Kind  EditKind
	Text  string
	Reply chan<- string
}

// Run services the connection, the editor and the flush ticker one event
// at a time until ctx is done.
func (e *Engine) Run(ctx context.Context, conn Conn, edits <-chan Edit) error {
	e.Attach(conn)
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	inbound, status := conn.Inbound(), conn.Status()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			if err := e.ApplyRemote(msg); err != nil {
				e.log.Error().Err(err).Str("type", string(msg.Type)).Msg("applying remote message")
			}
		case up, ok := <-status:
			if !ok {
				status = nil
				continue
			}
			if !up {
				e.Disconnected(errors.New("link down"))
				continue
			}
			if err := e.Connected(ctx); err != nil {
				e.log.Warn().Err(err).Msg("resync failed")
			}
		case ed, ok := <-edits:
			if !ok {
				edits = nil
				continue
			}
			if err := e.handleEdit(ed); err != nil {
				e.log.Error().Err(err).Msg("local edit")
			}
			if ed.Reply != nil {
				select {
				case ed.Reply <- e.Text():
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		case now := <-ticker.C:
			if err := e.Tick(ctx, now); err != nil {
				e.log.Debug().Err(err).Msg("flush")
			}
		}
	}
}

func (e *Engine) handleEdit(ed Edit) error {
	switch ed.Kind {
	case EditText:
		return e.OnTextChange(e.Text(), ed.Text)
	case EditUndo:
		return e.Undo()
	case EditRedo:
		return e.Redo()
	}
	return nil
}
