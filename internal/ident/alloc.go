package ident

import (
	"fmt"
	"hash/fnv"
	"sync"
)

// Allocator mints identifiers for one site. It is safe for concurrent use.
type Allocator struct {
	mu    sync.Mutex
	site  string
	clock uint64
	tag   []uint16
}

// NewAllocator returns an allocator for site. The site id must be unique
// among the replicas of a document (a uuid in practice).
func NewAllocator(site string) *Allocator {
	return &Allocator{site: site, tag: siteTag(site)}
}

// siteTag derives two non-zero digits from the site id. Appending them to
// every allocated path keeps two sites that pick the same gap from ending
// up with identical digit paths.
func siteTag(site string) []uint16 {
	h := fnv.New32a()
	h.Write([]byte(site))
	sum := h.Sum32()
	return []uint16{
		uint16(1 + (sum>>16)%MaxDigit),
		uint16(1 + (sum&0xffff)%MaxDigit),
	}
}

func (a *Allocator) Site() string { return a.site }

// Clock returns the last clock value handed out.
func (a *Allocator) Clock() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.clock
}

// Witness advances the clock past c, used when a snapshot brings back ids
// this site allocated before.
func (a *Allocator) Witness(c uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c > a.clock {
		a.clock = c
	}
}

// Between returns a new identifier strictly between low and high. A nil low
// stands for -inf and a nil high for +inf.
//
// Between panics if low >= high: callers guarantee the ordering. Bounds
// that arrive from the network go through Allocate instead.
func (a *Allocator) Between(low, high *ID) ID {
	id, err := a.Allocate(low, high)
	if err != nil {
		panic("ident: " + err.Error())
	}
	return id
}

// Allocate is Between returning ErrNoRoom instead of panicking.
func (a *Allocator) Allocate(low, high *ID) (ID, error) {
	if low != nil && high != nil && low.Compare(*high) >= 0 {
		return ID{}, fmt.Errorf("%w: low %s >= high %s", ErrNoRoom, low, high)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if low != nil && high != nil && low.SameDigits(*high) {
		return a.sameDigitsLocked(*low, *high)
	}

	var lo, hi []uint16
	if low != nil {
		lo = low.Digits
	}
	if high != nil {
		hi = high.Digits
	}

	var path []uint16
	bounded := high != nil // high still constrains this level
	for i := 0; ; i++ {
		l := MinDigit
		if i < len(lo) {
			l = int(lo[i])
		}
		r := Base
		if bounded {
			if i >= len(hi) {
				// high is exhausted: either low > high, or high ends in
				// MinDigit and nothing sorts below it at this depth.
				return ID{}, fmt.Errorf("%w: low %s, high %s", ErrNoRoom, low, high)
			}
			r = int(hi[i])
		}
		if r-l >= 2 {
			path = append(path, uint16(l+(r-l)/2))
			break
		}
		path = append(path, uint16(l))
		if l < r {
			bounded = false
		}
	}
	path = append(path, a.tag...)

	a.clock++
	return ID{Digits: path, Site: a.site, Clock: a.clock}, nil
}

// sameDigitsLocked handles two bounds with identical digit paths. Only the
// site/clock tie-break can separate them, so room exists only when this
// site sorts between the two.
func (a *Allocator) sameDigitsLocked(low, high ID) (ID, error) {
	next := a.clock + 1
	cand := ID{Digits: append([]uint16(nil), low.Digits...), Site: a.site, Clock: next}
	if low.Compare(cand) < 0 && cand.Compare(high) < 0 {
		a.clock = next
		return cand, nil
	}
	return ID{}, fmt.Errorf("%w: %s and %s for site %s", ErrNoRoom, low, high, a.site)
}
