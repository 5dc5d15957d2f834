package crdt

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"quill/internal/anchor"
	"quill/internal/ident"
)

var ErrMalformedOperation = errors.New("malformed operation")

// OpKind represents the type of operation
type OpKind int

const (
	OpInsert OpKind = iota
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "INSERT"
	case OpDelete:
		return "DELETE"
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

func (k OpKind) MarshalText() ([]byte, error) {
	if k != OpInsert && k != OpDelete {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformedOperation, int(k))
	}
	return []byte(k.String()), nil
}

func (k *OpKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "INSERT":
		*k = OpInsert
	case "DELETE":
		*k = OpDelete
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedOperation, b)
	}
	return nil
}

// Operation is the wire and log form of one edit. An Insert carries one
// identifier per rune of Content; a Delete names its targets in Anchor.
type Operation struct {
	Kind      OpKind      `json:"kind"`
	Content   string      `json:"content"`
	Anchor    anchor.Path `json:"anchor"`
	Timestamp int64       `json:"timestamp"` // unix milliseconds
	Origin    string      `json:"originId"`

	// IDs are the identifiers of the inserted runes.
	IDs []ident.ID `json:"ids,omitempty"`
	// Replaces lists the originator's ids that the coordinator swapped for
	// IDs, index for index.
	Replaces []ident.ID `json:"replaces,omitempty"`
}

// Targets returns the identifiers a Delete addresses.
func (o *Operation) Targets() []ident.ID {
	if o.Kind != OpDelete {
		return nil
	}
	return o.Anchor.IDs()
}

// Validate checks the structural invariants of the operation.
func (o *Operation) Validate() error {
	switch o.Kind {
	case OpInsert:
		if o.Content == "" {
			return fmt.Errorf("%w: empty insert", ErrMalformedOperation)
		}
		n := utf8.RuneCountInString(o.Content)
		if len(o.IDs) != 0 && len(o.IDs) != n {
			return fmt.Errorf("%w: %d ids for %d runes", ErrMalformedOperation, len(o.IDs), n)
		}
		if len(o.Replaces) != 0 && len(o.Replaces) != len(o.IDs) {
			return fmt.Errorf("%w: %d replaced ids for %d ids", ErrMalformedOperation, len(o.Replaces), len(o.IDs))
		}
	case OpDelete:
		if !o.Anchor.IsAtChars() {
			return fmt.Errorf("%w: delete anchor must list characters", ErrMalformedOperation)
		}
		if o.Content != "" && utf8.RuneCountInString(o.Content) != len(o.Anchor) {
			return fmt.Errorf("%w: delete content does not match %d targets", ErrMalformedOperation, len(o.Anchor))
		}
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrMalformedOperation, int(o.Kind))
	}
	for _, ids := range [][]ident.ID{o.IDs, o.Replaces, o.Anchor.IDs()} {
		for _, id := range ids {
			if err := id.Validate(); err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedOperation, err)
			}
		}
	}
	return nil
}

// CanCombine checks if other can be folded into o: both deletes from the
// same origin issued within window of each other. Adjacency of the two
// runs is the caller's concern.
func (o *Operation) CanCombine(other *Operation, window time.Duration) bool {
	if o.Kind != OpDelete || other.Kind != OpDelete {
		return false
	}
	if o.Origin != other.Origin {
		return false
	}
	gap := time.Duration(other.Timestamp-o.Timestamp) * time.Millisecond
	return gap >= 0 && gap <= window
}

// Combine merges another delete into this one. With before set the other
// run precedes o in the document (backspace); otherwise it follows
// (forward delete).
func (o *Operation) Combine(other *Operation, before bool) {
	if before {
		o.Content = other.Content + o.Content
		o.Anchor = append(append(anchor.Path(nil), other.Anchor...), o.Anchor...)
	} else {
		o.Content += other.Content
		o.Anchor = append(o.Anchor, other.Anchor...)
	}
	o.Timestamp = other.Timestamp
}

// Clone returns a deep copy.
func (o Operation) Clone() Operation {
	c := o
	c.Anchor = append(anchor.Path(nil), o.Anchor...)
	c.IDs = append([]ident.ID(nil), o.IDs...)
	c.Replaces = append([]ident.ID(nil), o.Replaces...)
	return c
}

// Inverse returns the operation that cancels o: an Insert becomes a Delete
// of the same characters, a Delete becomes an Insert of the same content.
// The inverse insert has no ids or anchor yet; the caller decides where the
// content goes and allocates fresh identifiers.
func (o Operation) Inverse() Operation {
	switch o.Kind {
	case OpInsert:
		return Operation{
			Kind:    OpDelete,
			Content: o.Content,
			Anchor:  anchor.AtChars(o.IDs),
			Origin:  o.Origin,
		}
	default:
		return Operation{
			Kind:    OpInsert,
			Content: o.Content,
			Origin:  o.Origin,
		}
	}
}

func (o Operation) String() string {
	return fmt.Sprintf("%s %q at %v from %s", o.Kind, o.Content, o.Anchor.Strings(), o.Origin)
}
