// Package portalloc hands out collision-free, offset-correlated host port
// pairs for session containers.
package portalloc

import (
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"

	"github.com/Strob0t/agentdesk/internal/config"
	"github.com/Strob0t/agentdesk/internal/domain"
	"github.com/Strob0t/agentdesk/internal/domain/session"
)

// ProbeFunc reports whether a host port can currently be bound.
type ProbeFunc func(port int) bool

// pool tracks one range as an allocated set plus an ascending free list of offsets.
type pool struct {
	base      int
	size      int
	allocated map[int]struct{}
	free      []int
}

func newPool(r config.PortRange) *pool {
	p := &pool{
		base:      r.Start,
		size:      r.Size(),
		allocated: make(map[int]struct{}),
		free:      make([]int, 0, r.Size()),
	}
	for off := range p.size {
		p.free = append(p.free, off)
	}
	return p
}

func (p *pool) offset(port int) (int, bool) {
	off := port - p.base
	return off, off >= 0 && off < p.size
}

func (p *pool) isFree(off int) bool {
	_, taken := p.allocated[off]
	return !taken
}

func (p *pool) take(off int) {
	p.allocated[off] = struct{}{}
	if i, ok := slices.BinarySearch(p.free, off); ok {
		p.free = slices.Delete(p.free, i, i+1)
	}
}

func (p *pool) give(off int) {
	if _, ok := p.allocated[off]; !ok {
		return
	}
	delete(p.allocated, off)
	i, _ := slices.BinarySearch(p.free, off)
	p.free = slices.Insert(p.free, i, off)
}

// Allocator owns the display and web ranges. One mutex guards both so an
// allocate or release is always observed as a whole pair.
type Allocator struct {
	mu      sync.Mutex
	display *pool
	web     *pool
	probe   ProbeFunc
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithProbe skips pairs whose ports the probe reports as busy on the host.
func WithProbe(fn ProbeFunc) Option {
	return func(a *Allocator) { a.probe = fn }
}

// New creates an Allocator over the given ranges.
func New(display, web config.PortRange, opts ...Option) *Allocator {
	a := &Allocator{display: newPool(display), web: newPool(web)}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Allocate reserves the lowest offset free in both ranges.
func (a *Allocator) Allocate() (session.PortPair, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, off := range a.display.free {
		if off >= a.web.size || !a.web.isFree(off) {
			continue
		}
		pair := session.PortPair{Display: a.display.base + off, Web: a.web.base + off}
		if a.probe != nil && (!a.probe(pair.Display) || !a.probe(pair.Web)) {
			continue
		}
		a.display.take(off)
		a.web.take(off)
		return pair, nil
	}
	return session.PortPair{}, domain.ErrPoolExhausted
}

// Release returns a pair to the free lists. Releasing a pair that is already
// free is a no-op.
func (a *Allocator) Release(pair session.PortPair) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	dOff, dOK := a.display.offset(pair.Display)
	wOff, wOK := a.web.offset(pair.Web)
	if !dOK || !wOK {
		return fmt.Errorf("release %d/%d: outside configured ranges: %w", pair.Display, pair.Web, domain.ErrValidation)
	}
	if dOff != wOff {
		return fmt.Errorf("release %d/%d: ports are not a pair: %w", pair.Display, pair.Web, domain.ErrValidation)
	}
	a.display.give(dOff)
	a.web.give(wOff)
	return nil
}

// Snapshot is a point-in-time copy of both ranges, in port numbers.
type Snapshot struct {
	DisplayAllocated []int `json:"display_allocated"`
	DisplayFree      []int `json:"display_free"`
	WebAllocated     []int `json:"web_allocated"`
	WebFree          []int `json:"web_free"`
}

// Snapshot returns a consistent copy of the pool state.
func (a *Allocator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		DisplayAllocated: a.display.allocatedPorts(),
		DisplayFree:      a.display.freePorts(),
		WebAllocated:     a.web.allocatedPorts(),
		WebFree:          a.web.freePorts(),
	}
}

// FreePairs returns how many pairs could still be allocated, ignoring the probe.
func (a *Allocator) FreePairs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, off := range a.display.free {
		if off < a.web.size && a.web.isFree(off) {
			n++
		}
	}
	return n
}

func (p *pool) allocatedPorts() []int {
	out := make([]int, 0, len(p.allocated))
	for off := range p.allocated {
		out = append(out, p.base+off)
	}
	slices.Sort(out)
	return out
}

func (p *pool) freePorts() []int {
	out := make([]int, len(p.free))
	for i, off := range p.free {
		out[i] = p.base + off
	}
	return out
}

// ListenProbe returns a ProbeFunc that tries to bind host:port over TCP.
func ListenProbe(host string) ProbeFunc {
	return func(port int) bool {
		l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return false
		}
		_ = l.Close()
		return true
	}
}
