package compact

import (
	"testing"

	"quill/internal/crdt"
	"quill/internal/ident"
)

func TestCancelPairs(t *testing.T) {
	t.Run("Insert Then Delete", func(t *testing.T) {
		d := crdt.NewDocument(ident.NewAllocator("r"))
		ins, _ := d.LocalInsert(0, "abc")
		del, _ := d.LocalDeleteRange(1, 2)

		out := CancelPairs([]crdt.Operation{ins, del})
		if len(out) != 1 {
			t.Fatalf("Expected a single insert left, got %d ops", len(out))
		}
		if out[0].Kind != crdt.OpInsert || out[0].Content != "a" || len(out[0].IDs) != 1 {
			t.Errorf("Unexpected remaining op %s", out[0])
		}
		if !out[0].IDs[0].Equal(ins.IDs[0]) {
			t.Error("Remaining insert lost its identifier")
		}
	})

	t.Run("Fully Cancelled", func(t *testing.T) {
		d := crdt.NewDocument(ident.NewAllocator("r"))
		ins, _ := d.LocalInsert(0, "xy")
		del, _ := d.LocalDeleteRange(0, 2)
		if out := CancelPairs([]crdt.Operation{ins, del}); len(out) != 0 {
			t.Errorf("Expected nothing to send, got %v", out)
		}
	})

	t.Run("Referenced By Later Anchor", func(t *testing.T) {
		d := crdt.NewDocument(ident.NewAllocator("r"))
		d.LocalInsert(0, "zz")
		ins, _ := d.LocalInsert(1, "a")
		after, _ := d.LocalInsert(2, "b")
		del, _ := d.LocalDelete(1)

		out := CancelPairs([]crdt.Operation{ins, after, del})
		if len(out) != 3 {
			t.Fatalf("Expected all ops kept, got %d", len(out))
		}
	})

	t.Run("Delete Of Sent Character", func(t *testing.T) {
		d := crdt.NewDocument(ident.NewAllocator("r"))
		d.LocalInsert(0, "hello")
		ins, _ := d.LocalInsert(5, "!")
		del, _ := d.LocalDeleteRange(4, 2)

		out := CancelPairs([]crdt.Operation{ins, del})
		if len(out) != 1 {
			t.Fatalf("Expected only the delete of o, got %d ops", len(out))
		}
		if out[0].Kind != crdt.OpDelete || out[0].Content != "o" || len(out[0].Targets()) != 1 {
			t.Errorf("Unexpected remaining op %s", out[0])
		}
	})

	t.Run("Nothing To Cancel", func(t *testing.T) {
		d := crdt.NewDocument(ident.NewAllocator("r"))
		a, _ := d.LocalInsert(0, "a")
		b, _ := d.LocalInsert(1, "b")
		if out := CancelPairs([]crdt.Operation{a, b}); len(out) != 2 {
			t.Errorf("Expected both inserts kept, got %d", len(out))
		}
	})
}
