package ccmap

// Epoch-based reclamation (EBR) substrate.
//
// The global epoch is one of {0,1,2}. Every participant that wants to
// dereference a published pointer (a *CellArray, an overflow node, ...)
// first takes a Barrier, which pins the participant's view of the epoch
// for as long as the Barrier is held. Objects retired while a Barrier is
// held anywhere in the process are not reclaimed until every such Barrier
// has been released and the epoch has advanced twice past the one the
// object was retired in.
//
// Go has no portable thread-local storage, so "current thread" becomes
// "a participant cached per-P via sync.Pool" here: a Barrier checks out a
// *participant from the pool, pins it, and returns it on release. This is
// an approximation, not literal TLS — see DESIGN.md Open Question #1.
// Its correctness depends on never performing a blocking operation other
// than a Cell lock wait while a Barrier is held.
//
// Advancing the global epoch is only safe once every currently active
// participant has been observed at the current epoch: a participant still
// pinned at an older epoch may be mid-scan over an object the epoch
// two-back's garbage bag is about to free. domain keeps every pinned
// participant in a registry (readers) so tryAdvance can check this before
// moving global forward, the way this pack's epoch reclaimer scans its
// live-reader set before collecting.

import (
	"runtime"
	"sync"
	"sync/atomic"
)

const numEpochs = 3

// participant is one goroutine-ish slot's view of the epoch.
type participant struct {
	// active holds 1 while the participant is inside a Barrier, 0 otherwise.
	active atomic.Uint32
	// epoch is the global epoch this participant last observed on entry.
	epoch atomic.Uint32
}

// garbageNode is a single retired object awaiting reclamation.
type garbageNode struct {
	next    atomic.Pointer[garbageNode]
	dispose func()
}

// garbageBag is a lock-free intrusive stack of retired objects for one epoch.
type garbageBag struct {
	head atomic.Pointer[garbageNode]
}

func (b *garbageBag) push(n *garbageNode) {
	for {
		head := b.head.Load()
		n.next.Store(head)
		if b.head.CompareAndSwap(head, n) {
			return
		}
	}
}

// drain empties the bag and runs every disposer. Only safe to call once
// the caller has established no reader can still observe these objects.
func (b *garbageBag) drain() int {
	n := b.head.Swap(nil)
	count := 0
	for n != nil {
		next := n.next.Load()
		n.dispose()
		count++
		n = next
	}
	return count
}

// domain is the process-wide EBR coordinator. A single instance backs
// every HashMap in the process.
type domain struct {
	global    atomic.Uint32 // current epoch, 0..2
	garbage   [numEpochs]garbageBag
	advancing atomic.Bool // single-byte mutex: at most one advance in flight
	pool      sync.Pool
	// readers holds every *participant currently checked out of pool,
	// keyed by itself. tryAdvance ranges over it to find whether any
	// active participant still lags the current epoch; pin/Release
	// add and remove entries around the pool checkout.
	readers sync.Map
}

func newDomain() *domain {
	d := &domain{}
	d.pool.New = func() any { return &participant{} }
	return d
}

var globalDomain = newDomain()

// Barrier is a scoped guard marking a participant as active in the
// current epoch. It must be released (Release, typically deferred)
// before the calling goroutine performs anything that could park it for
// an unbounded time.
type Barrier struct {
	d    *domain
	p    *participant
	used bool
}

// Pin creates a new Barrier against the process-wide EBR domain.
func Pin() *Barrier {
	return globalDomain.pin()
}

func (d *domain) pin() *Barrier {
	p := d.pool.Get().(*participant)
	p.epoch.Store(d.global.Load())
	p.active.Store(1)
	d.readers.Store(p, struct{}{})
	return &Barrier{d: d, p: p}
}

// Release ends the barrier's participation in the epoch and returns the
// participant to the pool. Calling Release more than once is a no-op.
func (b *Barrier) Release() {
	if b == nil || b.used {
		return
	}
	b.used = true
	b.p.active.Store(0)
	b.d.readers.Delete(b.p)
	b.d.pool.Put(b.p)
	// Advancing is opportunistic and cheap relative to the work a Barrier
	// guards, so we attempt it on every release rather than only on
	// retirement.
	b.d.tryAdvance()
}

// Epoch returns the epoch this barrier pinned on creation.
func (b *Barrier) Epoch() uint32 {
	return b.p.epoch.Load()
}

// retire schedules dispose to run once no barrier pinned at an earlier
// epoch remains. dispose goes into the bag of the global epoch loaded at
// retirement time.
func (d *domain) retire(dispose func()) {
	e := d.global.Load()
	d.garbage[e%numEpochs].push(&garbageNode{dispose: dispose})
	d.tryAdvance()
}

// tryAdvance moves the global epoch forward by one (mod 3) if and only if
// every currently active participant has already been observed at the
// current epoch, then reclaims the bag two epochs behind the new one.
// Advance cadence is driven by Release()/retire() frequency: attempted on
// every retirement and on every barrier release.
func (d *domain) tryAdvance() {
	if !d.advancing.CompareAndSwap(false, true) {
		return
	}
	defer d.advancing.Store(false)

	current := d.global.Load()
	if !d.allCaughtUp(current) {
		return
	}
	next := (current + 1) % numEpochs
	if !d.global.CompareAndSwap(current, next) {
		return
	}
	// Every active participant was at `current` just before this CAS, so
	// none is more than one epoch behind `next` now. The bag two epochs
	// behind `next` was last written to by participants at `current - 1`
	// (mod 3), all of whom must have since advanced past it by the same
	// argument on the prior call — it can no longer be observed by any
	// participant, active or new.
	reclaim := (next + 1) % numEpochs
	d.garbage[reclaim].drain()
	runtime.Gosched()
}

// allCaughtUp reports whether every participant currently registered as
// active has pinned epoch == target. A participant that pins between this
// scan and the subsequent CAS loads global before the CAS can possibly
// succeed, so it is either accounted for here or harmlessly excluded
// because it hadn't registered yet — in the latter case its own pinned
// epoch still equals the pre-CAS global, so the invariant holds either
// way.
func (d *domain) allCaughtUp(target uint32) bool {
	caughtUp := true
	d.readers.Range(func(key, _ any) bool {
		p := key.(*participant)
		if p.active.Load() == 1 && p.epoch.Load() != target {
			caughtUp = false
			return false
		}
		return true
	})
	return caughtUp
}

// Arc is an owning, reference-counted handle to a heap object whose
// destruction must be deferred until no Barrier from an earlier epoch
// could still observe it.
type Arc[T any] struct {
	value *T
	strong atomic.Int64
	dom    *domain
}

// NewArc wraps value in a fresh Arc with a strong count of 1.
func NewArc[T any](value *T) *Arc[T] {
	a := &Arc[T]{value: value, dom: globalDomain}
	a.strong.Store(1)
	return a
}

// Get returns the wrapped pointer. Valid for as long as the caller holds
// a Barrier (or otherwise knows the Arc cannot be concurrently dropped).
func (a *Arc[T]) Get() *T {
	if a == nil {
		return nil
	}
	return a.value
}

// Clone bumps the strong count and returns the same Arc, mirroring a
// reference-counted clone.
func (a *Arc[T]) Clone() *Arc[T] {
	a.strong.Add(1)
	return a
}

// Release drops one strong reference. When the count reaches zero the
// underlying value is retired into the current epoch's garbage bag
// rather than freed immediately — see DESIGN.md Open Question #3 for why
// this module always retires through EBR instead of special-casing "no
// barrier active on this thread".
func (a *Arc[T]) Release() {
	if a == nil {
		return
	}
	if a.strong.Add(-1) == 0 {
		v := a.value
		a.dom.retire(func() { _ = v })
	}
}

// AtomicArc is an atomic slot holding either nil or an *Arc[T].
type AtomicArc[T any] struct {
	ptr atomic.Pointer[Arc[T]]
}

// Load returns the Arc currently published in the slot, or nil.
func (a *AtomicArc[T]) Load(_ *Barrier) *Arc[T] {
	return a.ptr.Load()
}

// Store publishes a new Arc, releasing whatever was previously there.
func (a *AtomicArc[T]) Store(next *Arc[T]) {
	prev := a.ptr.Swap(next)
	if prev != nil {
		prev.Release()
	}
}

// CompareAndSwap atomically replaces old with next if the slot still
// holds old. On success the previous Arc is released (retired if its
// strong count reaches zero).
func (a *AtomicArc[T]) CompareAndSwap(old, next *Arc[T]) bool {
	if a.ptr.CompareAndSwap(old, next) {
		if old != nil {
			old.Release()
		}
		return true
	}
	return false
}
