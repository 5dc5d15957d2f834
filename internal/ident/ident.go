// Package ident implements the dense, totally ordered character identifiers
// shared by every replica and the coordinator.
package ident

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// Base is the number of distinct values a single digit can take.
	Base     = 1 << 15
	MinDigit = 0
	MaxDigit = Base - 1
)

var (
	ErrMalformedID = errors.New("malformed identifier")
	ErrNoRoom      = errors.New("no identifier fits between bounds")
)

// ID identifies one character independently of its current index.
// IDs are immutable once allocated; callers must not modify Digits.
type ID struct {
	Digits []uint16
	Site   string
	Clock  uint64
}

// Compare orders identifiers by digits (a strict prefix sorts first),
// then site id, then clock.
func (a ID) Compare(b ID) int {
	la, lb := len(a.Digits), len(b.Digits)
	for i := 0; i < la && i < lb; i++ {
		if a.Digits[i] < b.Digits[i] {
			return -1
		}
		if a.Digits[i] > b.Digits[i] {
			return 1
		}
	}
	if la < lb {
		return -1
	}
	if la > lb {
		return 1
	}
	if c := strings.Compare(a.Site, b.Site); c != 0 {
		return c
	}
	if a.Clock < b.Clock {
		return -1
	}
	if a.Clock > b.Clock {
		return 1
	}
	return 0
}

func (a ID) Less(b ID) bool  { return a.Compare(b) < 0 }
func (a ID) Equal(b ID) bool { return a.Compare(b) == 0 }

// IsZero reports whether a is the zero value, which is never allocated.
func (a ID) IsZero() bool {
	return len(a.Digits) == 0 && a.Site == "" && a.Clock == 0
}

// SameDigits reports whether a and b share the exact same digit path.
func (a ID) SameDigits(b ID) bool {
	if len(a.Digits) != len(b.Digits) {
		return false
	}
	for i := range a.Digits {
		if a.Digits[i] != b.Digits[i] {
			return false
		}
	}
	return true
}

// String encodes the id as "d1.d2...@site:clock".
func (a ID) String() string {
	var b strings.Builder
	for i, d := range a.Digits {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(strconv.FormatUint(uint64(d), 10))
	}
	b.WriteByte('@')
	b.WriteString(a.Site)
	b.WriteByte(':')
	b.WriteString(strconv.FormatUint(a.Clock, 10))
	return b.String()
}

// Key is the map key form of an id.
func (a ID) Key() string { return a.String() }

// Parse decodes the String form.
func Parse(s string) (ID, error) {
	at := strings.IndexByte(s, '@')
	colon := strings.LastIndexByte(s, ':')
	if at <= 0 || colon < at {
		return ID{}, fmt.Errorf("%w: %q", ErrMalformedID, s)
	}
	parts := strings.Split(s[:at], ".")
	digits := make([]uint16, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 16)
		if err != nil || v > MaxDigit {
			return ID{}, fmt.Errorf("%w: digit %q in %q", ErrMalformedID, p, s)
		}
		digits[i] = uint16(v)
	}
	clock, err := strconv.ParseUint(s[colon+1:], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: clock in %q", ErrMalformedID, s)
	}
	id := ID{Digits: digits, Site: s[at+1 : colon], Clock: clock}
	if err := id.Validate(); err != nil {
		return ID{}, err
	}
	return id, nil
}

// Validate checks that a could have come from an Allocator: at least one
// digit, none above MaxDigit, and a non-zero last digit. An id ending in
// zero leaves no room below it.
func (a ID) Validate() error {
	if len(a.Digits) == 0 {
		return fmt.Errorf("%w: no digits", ErrMalformedID)
	}
	for _, d := range a.Digits {
		if d > MaxDigit {
			return fmt.Errorf("%w: digit %d in %s", ErrMalformedID, d, a)
		}
	}
	if a.Digits[len(a.Digits)-1] == MinDigit {
		return fmt.Errorf("%w: %s ends in %d", ErrMalformedID, a, MinDigit)
	}
	return nil
}

func (a ID) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *ID) UnmarshalText(b []byte) error {
	id, err := Parse(string(b))
	if err != nil {
		return err
	}
	*a = id
	return nil
}

// Strings encodes a slice of ids.
func Strings(ids []ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// ParseAll decodes a slice produced by Strings.
func ParseAll(ss []string) ([]ID, error) {
	out := make([]ID, len(ss))
	for i, s := range ss {
		id, err := Parse(s)
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}
