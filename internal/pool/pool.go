//go:build !ios && !android && (amd64 || arm64)

// Package pool hands out exclusive leases on Decoder instances.
//
// Decoders are keyed by (path, pixel format). Multiple concurrent leases on
// the same file are served by independent instances, up to a pool-wide cap;
// when the cap is reached and every decoder is busy, Lease blocks until a
// release or the caller's context is cancelled. Idle decoders above the idle cap are evicted least
// recently used first, on release and on insertion.
package pool

import (
	"context"
	"errors"
	"sync"

	"github.com/obinnaokechukwu/vframed/internal/decoder"
)

// Instance is the slice of decoder.Decoder the pool manages. The tests
// substitute counters behind it.
type Instance interface {
	SetOutputGeometry(w, h int) error
	Render(frame int64) error
	Raster() []byte
	Info() decoder.Info
	Stats() decoder.Stats
	Close() error
}

// Factory opens a decoder on path producing rasters in the given pixel
// format.
type Factory func(path string, pixFmt int32) (Instance, error)

// Options bounds the pool.
type Options struct {
	MaxDecoders int // total instances, busy + idle
	MaxIdle     int // idle instances kept warm
}

// Stats is a snapshot of pool occupancy.
type Stats struct {
	Open    int
	Busy    int
	Idle    int
	Created uint64
	Evicted uint64
}

var ErrClosed = errors.New("pool: closed")

type slot struct {
	dec      Instance
	path     string
	pixFmt   int32
	busy     bool
	doomed   bool // close on release (purge, discard)
	lastUsed uint64
}

// Pool is safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	factory Factory
	opts    Options
	slots   []*slot
	seq     uint64
	created uint64
	evicted uint64
	closed  bool
}

// New returns a pool creating decoders with factory.
func New(opts Options, factory Factory) *Pool {
	if opts.MaxDecoders <= 0 {
		opts.MaxDecoders = 8
	}
	if opts.MaxIdle < 0 {
		opts.MaxIdle = 0
	}
	if opts.MaxIdle > opts.MaxDecoders {
		opts.MaxIdle = opts.MaxDecoders
	}
	p := &Pool{factory: factory, opts: opts}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Lease returns an exclusive lease on a decoder for path, configured to the
// requested output geometry. When the pool is at capacity with no matching
// idle decoder, the least recently used idle decoder is closed to make room;
// it blocks only while every decoder is busy. Cancelling ctx aborts the wait.
func (p *Pool) Lease(ctx context.Context, path string, pixFmt int32, w, h int) (*Lease, error) {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.mu.Unlock()
		p.cond.Broadcast()
	})
	defer stop()

	p.mu.Lock()
	var s *slot
	for {
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return nil, err
		}
		if s = p.idleMatchLocked(path, pixFmt); s != nil {
			s.busy = true
			break
		}
		if len(p.slots) < p.opts.MaxDecoders {
			s = &slot{path: path, pixFmt: pixFmt, busy: true}
			p.slots = append(p.slots, s)
			p.created++
			break
		}
		// Full: make room by evicting the coldest idle decoder, else wait.
		if victim := p.oldestIdleLocked(); victim != nil {
			p.dropLocked(victim)
			continue
		}
		p.cond.Wait()
	}
	p.mu.Unlock()

	if s.dec == nil {
		dec, err := p.factory(path, pixFmt)
		if err != nil {
			p.mu.Lock()
			p.removeLocked(s)
			p.mu.Unlock()
			p.cond.Broadcast()
			return nil, err
		}
		p.mu.Lock()
		s.dec = dec
		p.mu.Unlock()
	}

	if err := s.dec.SetOutputGeometry(w, h); err != nil {
		l := &Lease{p: p, s: s}
		l.Discard()
		p.Release(l)
		return nil, err
	}
	return &Lease{p: p, s: s}, nil
}

// Release returns a leased decoder to the pool and evicts over-cap idle
// decoders, least recently used first.
func (p *Pool) Release(l *Lease) {
	if l == nil || l.s == nil {
		return
	}
	p.mu.Lock()
	s := l.s
	l.s = nil
	s.busy = false
	p.seq++
	s.lastUsed = p.seq

	if s.doomed || p.closed {
		p.dropLocked(s)
	}
	for p.idleCountLocked() > p.opts.MaxIdle {
		victim := p.oldestIdleLocked()
		if victim == nil {
			break
		}
		p.dropLocked(victim)
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Purge closes all idle decoders for path; busy ones are closed on release.
func (p *Pool) Purge(path string) {
	p.mu.Lock()
	for _, s := range append([]*slot(nil), p.slots...) {
		if s.path != path {
			continue
		}
		if s.busy {
			s.doomed = true
		} else {
			p.dropLocked(s)
		}
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Close drops all idle decoders and marks the pool closed. Busy decoders
// are closed as their leases are released.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	for _, s := range append([]*slot(nil), p.slots...) {
		if s.busy {
			s.doomed = true
		} else {
			p.dropLocked(s)
		}
	}
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{Open: len(p.slots), Created: p.created, Evicted: p.evicted}
	for _, s := range p.slots {
		if s.busy {
			st.Busy++
		} else {
			st.Idle++
		}
	}
	return st
}

func (p *Pool) idleMatchLocked(path string, pixFmt int32) *slot {
	var best *slot
	for _, s := range p.slots {
		if s.busy || s.doomed || s.dec == nil || s.path != path || s.pixFmt != pixFmt {
			continue
		}
		if best == nil || s.lastUsed > best.lastUsed {
			best = s
		}
	}
	return best
}

func (p *Pool) oldestIdleLocked() *slot {
	var oldest *slot
	for _, s := range p.slots {
		if s.busy || s.dec == nil {
			continue
		}
		if oldest == nil || s.lastUsed < oldest.lastUsed {
			oldest = s
		}
	}
	return oldest
}

func (p *Pool) idleCountLocked() int {
	n := 0
	for _, s := range p.slots {
		if !s.busy {
			n++
		}
	}
	return n
}

func (p *Pool) dropLocked(s *slot) {
	if s.dec != nil {
		s.dec.Close()
	}
	p.evicted++
	p.removeLocked(s)
}

func (p *Pool) removeLocked(s *slot) {
	for i, cand := range p.slots {
		if cand == s {
			p.slots = append(p.slots[:i], p.slots[i+1:]...)
			return
		}
	}
}

// Lease is an exclusive handle on one decoder. A Lease must be released
// exactly once; the decoder is never observed by two callers at once.
type Lease struct {
	p *Pool
	s *slot
}

// Decoder returns the leased instance.
func (l *Lease) Decoder() Instance { return l.s.dec }

// Path returns the file the leased decoder is bound to.
func (l *Lease) Path() string { return l.s.path }

// Discard flags the decoder to be closed instead of returned to the idle
// set when the lease is released. Used after internal decoder failures.
func (l *Lease) Discard() {
	if l.s != nil {
		l.p.mu.Lock()
		l.s.doomed = true
		l.p.mu.Unlock()
	}
}
