// Package anchor encodes edit locations as symbolic paths over identifiers
// and resolves them against whatever the sequence currently looks like.
package anchor

import (
	"errors"
	"fmt"
	"strings"

	"quill/internal/ident"
)

type Kind int

const (
	Start Kind = iota
	End
	After
	Char
)

const (
	startToken  = "start"
	endToken    = "end"
	afterPrefix = "after-"
	charPrefix  = "char-"
)

var ErrMalformedToken = errors.New("malformed path token")

// Token is one element of a Path. ID is set for After and Char tokens.
type Token struct {
	Kind Kind
	ID   ident.ID
}

// Path is a position-independent reference to an edit location.
type Path []Token

func StartPath() Path { return Path{{Kind: Start}} }
func EndPath() Path   { return Path{{Kind: End}} }

func AfterPath(id ident.ID) Path { return Path{{Kind: After, ID: id}} }

// AtChars returns a path naming each of ids.
func AtChars(ids []ident.ID) Path {
	p := make(Path, len(ids))
	for i, id := range ids {
		p[i] = Token{Kind: Char, ID: id}
	}
	return p
}

func (t Token) String() string {
	switch t.Kind {
	case Start:
		return startToken
	case End:
		return endToken
	case After:
		return afterPrefix + t.ID.String()
	case Char:
		return charPrefix + t.ID.String()
	}
	return fmt.Sprintf("kind(%d)", int(t.Kind))
}

// ParseToken decodes the wire form of a token.
func ParseToken(s string) (Token, error) {
	switch {
	case s == startToken:
		return Token{Kind: Start}, nil
	case s == endToken:
		return Token{Kind: End}, nil
	case strings.HasPrefix(s, afterPrefix):
		id, err := ident.Parse(s[len(afterPrefix):])
		if err != nil {
			return Token{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
		return Token{Kind: After, ID: id}, nil
	case strings.HasPrefix(s, charPrefix):
		id, err := ident.Parse(s[len(charPrefix):])
		if err != nil {
			return Token{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
		}
		return Token{Kind: Char, ID: id}, nil
	}
	return Token{}, fmt.Errorf("%w: %q", ErrMalformedToken, s)
}

func (t Token) MarshalText() ([]byte, error) {
	if t.Kind < Start || t.Kind > Char {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformedToken, int(t.Kind))
	}
	return []byte(t.String()), nil
}

func (t *Token) UnmarshalText(b []byte) error {
	tok, err := ParseToken(string(b))
	if err != nil {
		return err
	}
	*t = tok
	return nil
}

// ParsePath decodes a list of wire tokens.
func ParsePath(ss []string) (Path, error) {
	p := make(Path, 0, len(ss))
	for _, s := range ss {
		t, err := ParseToken(s)
		if err != nil {
			return nil, err
		}
		p = append(p, t)
	}
	return p, nil
}

func (p Path) Strings() []string {
	out := make([]string, len(p))
	for i, t := range p {
		out[i] = t.String()
	}
	return out
}

// IDs returns the identifiers named by the path, in token order.
func (p Path) IDs() []ident.ID {
	var out []ident.ID
	for _, t := range p {
		if t.Kind == After || t.Kind == Char {
			out = append(out, t.ID)
		}
	}
	return out
}

// Rewrite returns a copy of p with every identifier passed through fn.
func (p Path) Rewrite(fn func(ident.ID) ident.ID) Path {
	out := make(Path, len(p))
	for i, t := range p {
		if t.Kind == After || t.Kind == Char {
			t.ID = fn(t.ID)
		}
		out[i] = t
	}
	return out
}

// IsAtChars reports whether the path is a non-empty list of Char tokens.
func (p Path) IsAtChars() bool {
	if len(p) == 0 {
		return false
	}
	for _, t := range p {
		if t.Kind != Char {
			return false
		}
	}
	return true
}
