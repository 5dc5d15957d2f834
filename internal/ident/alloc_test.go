package ident

import (
	"errors"
	"testing"
)

func TestBetween(t *testing.T) {
	alloc := NewAllocator("site-a")

	t.Run("Open Bounds", func(t *testing.T) {
		id := alloc.Between(nil, nil)
		if len(id.Digits) == 0 {
			t.Fatal("expected digits")
		}
		if id.Site != "site-a" || id.Clock != 1 {
			t.Errorf("unexpected site/clock: %s", id)
		}
	})

	t.Run("Strictly Between", func(t *testing.T) {
		cases := [][2]*ID{
			{nil, {Digits: []uint16{1}, Site: "z"}},
			{{Digits: []uint16{MaxDigit}, Site: "z"}, nil},
			{{Digits: []uint16{4}, Site: "z"}, {Digits: []uint16{5}, Site: "z"}},
			{{Digits: []uint16{5}, Site: "z"}, {Digits: []uint16{5, 1}, Site: "z"}},
			{{Digits: []uint16{4, MaxDigit, MaxDigit}, Site: "z"}, {Digits: []uint16{5}, Site: "z"}},
			{{Digits: []uint16{7, 3}, Site: "z"}, {Digits: []uint16{7, 4, 2}, Site: "z"}},
		}
		for _, c := range cases {
			id := alloc.Between(c[0], c[1])
			if c[0] != nil && !c[0].Less(id) {
				t.Errorf("%s is not above low %s", id, c[0])
			}
			if c[1] != nil && !id.Less(*c[1]) {
				t.Errorf("%s is not below high %s", id, c[1])
			}
		}
	})

	t.Run("Clock Is Monotonic", func(t *testing.T) {
		a := NewAllocator("m")
		prev := uint64(0)
		for i := 0; i < 10; i++ {
			id := a.Between(nil, nil)
			if id.Clock <= prev {
				t.Fatalf("clock went from %d to %d", prev, id.Clock)
			}
			prev = id.Clock
		}
		a.Witness(100)
		if id := a.Between(nil, nil); id.Clock != 101 {
			t.Errorf("expected clock 101 after Witness, got %d", id.Clock)
		}
	})

	t.Run("Same Gap Different Sites", func(t *testing.T) {
		a := NewAllocator("alpha").Between(nil, nil)
		b := NewAllocator("beta").Between(nil, nil)
		if a.SameDigits(b) {
			t.Errorf("expected distinct digit paths, got %s and %s", a, b)
		}
	})

	t.Run("Same Digits Own Site", func(t *testing.T) {
		a := NewAllocator("b")
		low := ID{Digits: []uint16{9, 9}, Site: "a", Clock: 4}
		high := ID{Digits: []uint16{9, 9}, Site: "c", Clock: 1}
		id := a.Between(&low, &high)
		if !low.Less(id) || !id.Less(high) {
			t.Errorf("%s not between %s and %s", id, low, high)
		}
	})
}

func TestBetweenDensity(t *testing.T) {
	sites := []*Allocator{NewAllocator("left"), NewAllocator("right")}
	lo := &ID{Digits: []uint16{100}, Site: "seed", Clock: 1}
	hi := &ID{Digits: []uint16{101}, Site: "seed", Clock: 2}
	a, b := *lo, *hi

	seen := make(map[string]bool)
	for i := 0; i < 1200; i++ {
		id := sites[i%2].Between(lo, hi)
		if !a.Less(id) || !id.Less(b) {
			t.Fatalf("bisection %d: %s escaped (%s, %s)", i, id, a, b)
		}
		if !lo.Less(id) || !id.Less(*hi) {
			t.Fatalf("bisection %d: %s not strictly between %s and %s", i, id, lo, hi)
		}
		if seen[id.Key()] {
			t.Fatalf("bisection %d: collision on %s", i, id)
		}
		seen[id.Key()] = true
		next := id
		if i%3 == 0 {
			lo = &next
		} else {
			hi = &next
		}
	}
}

func TestBetweenPanicsOnBadBounds(t *testing.T) {
	alloc := NewAllocator("p")
	x := ID{Digits: []uint16{3}, Site: "p", Clock: 1}
	y := ID{Digits: []uint16{2}, Site: "p", Clock: 1}
	for name, bounds := range map[string][2]*ID{
		"identical": {&x, &x},
		"inverted":  {&x, &y},
	} {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("expected panic")
				}
			}()
			alloc.Between(bounds[0], bounds[1])
		})
	}
}

func TestAllocate(t *testing.T) {
	alloc := NewAllocator("p")

	t.Run("Zero Upper Bound", func(t *testing.T) {
		floor := ID{Digits: []uint16{0}, Site: "z", Clock: 1}
		if _, err := alloc.Allocate(nil, &floor); !errors.Is(err, ErrNoRoom) {
			t.Errorf("Allocate(nil, %s) error = %v, want ErrNoRoom", floor, err)
		}
		if err := floor.Validate(); !errors.Is(err, ErrMalformedID) {
			t.Errorf("Validate(%s) = %v, want ErrMalformedID", floor, err)
		}
	})

	t.Run("Same Digits Without Room", func(t *testing.T) {
		lo := ID{Digits: []uint16{5, 7}, Site: "a", Clock: 1}
		hi := ID{Digits: []uint16{5, 7}, Site: "b", Clock: 1}
		if _, err := alloc.Allocate(&lo, &hi); !errors.Is(err, ErrNoRoom) {
			t.Errorf("Allocate(%s, %s) error = %v, want ErrNoRoom", lo, hi, err)
		}
	})

	t.Run("Valid Bounds", func(t *testing.T) {
		hi := ID{Digits: []uint16{0, 0, 3}, Site: "z", Clock: 1}
		got, err := alloc.Allocate(nil, &hi)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Less(hi) {
			t.Errorf("%s does not sort below %s", got, hi)
		}
		if err := got.Validate(); err != nil {
			t.Errorf("allocated id invalid: %v", err)
		}
	})
}
