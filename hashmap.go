package ccmap

// HashMap orchestrates the EBR substrate, Cell, and CellArray layers:
// it routes a key to a cell via the top bits of its hash, drives
// incremental rehash on every access that finds a predecessor array
// still draining, and runs the resize-trigger policy below.
//
// Method naming follows this pack's own sync.Map-flavored concurrent
// maps (tef-crow's LockedMap/BoxedMap: Load/Store/Swap/CompareAndSwap/
// LoadOrStore/Range/Clear), generalized to a richer Insert/Read/Update/
// Upsert/Remove/Retain surface. Go methods can't introduce their own
// type parameters, so the handful of operations that need a result type
// distinct from (K, V) — Read, ReadWith, Update — are package-level
// generic functions taking *HashMap as their first argument instead of
// methods.

import (
	"context"
	"math/bits"
	"sync/atomic"

	"go.uber.org/zap"
)

const defaultMinimumCapacity = 64

// HashMap is a scalable, incrementally-resizing concurrent hash map.
type HashMap[K comparable, V any] struct {
	array AtomicArc[CellArray[K, V]]

	minimumCapacity    uint64
	additionalCapacity atomic.Uint64
	resizing           atomic.Bool

	hasher  BuildHasher[K]
	logger  *zap.Logger
	metrics metricsSink
}

// New constructs a HashMap whose actual capacity is at least
// max(capacity, 64), rounded up to the next cell-aligned power of two.
func New[K comparable, V any](capacity int, opts ...Option[K, V]) *HashMap[K, V] {
	cfg := defaultConfig[K, V]()
	for _, o := range opts {
		o(cfg)
	}

	target := uint64(capacity)
	if target < defaultMinimumCapacity {
		target = defaultMinimumCapacity
	}
	cells := cellsForCapacity(target)

	m := &HashMap[K, V]{
		minimumCapacity: target,
		hasher:          cfg.hasher,
		logger:          cfg.logger,
		metrics:         noopMetrics{},
	}
	if cfg.metrics != "" {
		m.metrics = newPromMetrics(cfg.registry, cfg.metrics)
	}
	arr := newCellArray[K, V](log2(cells), nil)
	m.array.Store(NewArc(arr))
	m.metrics.observeCapacity(cells * cellCapacity)
	return m
}

// NewDefault constructs a HashMap with the default capacity of 64.
func NewDefault[K comparable, V any](opts ...Option[K, V]) *HashMap[K, V] {
	return New[K, V](defaultMinimumCapacity, opts...)
}

func (m *HashMap[K, V]) currentArray(b *Barrier) *CellArray[K, V] {
	return m.array.Load(b).Get()
}

// --- capacity accounting --------------------------------------------------

func nextPow2(n uint64) uint64 {
	if n <= 1 {
		return 1
	}
	return uint64(1) << bits.Len64(n-1)
}

func log2(n uint64) uint {
	if n <= 1 {
		return 0
	}
	return uint(bits.Len64(n - 1))
}

// cellsForCapacity returns the minimal power-of-two cell count whose
// nominal capacity (cells * cellCapacity) is at least capacity.
func cellsForCapacity(capacity uint64) uint64 {
	if capacity == 0 {
		capacity = 1
	}
	cells := (capacity + cellCapacity - 1) / cellCapacity
	if cells < 1 {
		cells = 1
	}
	return nextPow2(cells)
}

func negUint64(n uint64) uint64 { return ^n + 1 }

// Capacity returns the current array's nominal capacity (cells * 32).
func (m *HashMap[K, V]) Capacity() int {
	b := Pin()
	defer b.Release()
	return int(m.currentArray(b).Capacity() * cellCapacity)
}

// ActualCapacity returns the capacity still partly in effect while a
// resize is draining: the predecessor array's capacity if one is still
// being migrated, else the same value as Capacity.
func (m *HashMap[K, V]) ActualCapacity() int {
	b := Pin()
	defer b.Release()
	arr := m.currentArray(b)
	if old := arr.OldArray(b); old != nil {
		return int(old.Capacity() * cellCapacity)
	}
	return int(arr.Capacity() * cellCapacity)
}

// Len walks every cell and sums live occupancy, including any
// not-yet-migrated cells in a draining predecessor array. O(N).
func (m *HashMap[K, V]) Len() int {
	b := Pin()
	defer b.Release()
	arr := m.currentArray(b)
	total := 0
	for _, c := range arr.cells {
		total += c.Occupancy()
	}
	if old := arr.OldArray(b); old != nil {
		for _, c := range old.cells {
			if !c.Killed() {
				total += c.Occupancy()
			}
		}
	}
	m.metrics.observeLen(total)
	return total
}

func (m *HashMap[K, V]) IsEmpty() bool { return m.Len() == 0 }

// --- resize ----------------------------------------------------------------

// resize attempts to acquire the single-resize-in-flight mutex; if
// already held it returns immediately, since only one resize may run
// at a time.
func (m *HashMap[K, V]) resize(b *Barrier) {
	if !m.resizing.CompareAndSwap(false, true) {
		return
	}
	defer m.resizing.Store(false)

	oldArc := m.array.Load(b)
	cur := oldArc.Get()
	if cur.OldArray(b) != nil {
		// a previous resize's migration hasn't drained yet; starting
		// another now would chain two predecessor arrays behind one
		// CellArray, which migrateSourceCell does not support. Let the
		// in-flight migration finish (driven by ordinary reads/writes)
		// before considering another resize.
		return
	}
	n := cur.Capacity()

	sampleN := 16
	if uint64(sampleN) > n {
		sampleN = int(n)
	}
	_, estimated := cur.sampleOccupancy(sampleN)

	demand := m.minimumCapacity + m.additionalCapacity.Load()
	minCells := cellsForCapacity(demand)

	var targetCells uint64
	switch {
	case estimated*8 >= n*cellCapacity || minCells > n:
		targetEntries := estimated * 2
		if demand > targetEntries {
			targetEntries = demand
		}
		targetCells = cellsForCapacity(targetEntries)
		if targetCells < minCells {
			targetCells = minCells
		}
	case estimated*8 <= n*cellCapacity/8 && n > minCells:
		targetCells = n / 2
		if targetCells < minCells {
			targetCells = minCells
		}
		if targetCells < 1 {
			targetCells = 1
		}
	default:
		return
	}
	if targetCells == n {
		return
	}

	newArr := newCellArray[K, V](log2(targetCells), oldArc.Clone())
	newArc := NewArc(newArr)
	if !m.array.CompareAndSwap(oldArc, newArc) {
		newArc.Release()
		return
	}
	m.metrics.incResize()
	m.metrics.observeCapacity(targetCells * cellCapacity)
	if m.logger != nil {
		m.logger.Debug("ccmap: resized",
			zap.Uint64("from_cells", n),
			zap.Uint64("to_cells", targetCells),
			zap.Uint64("estimated_entries", estimated),
		)
	}
}

// ShrinkToFit forces the same resize decision a natural low-load trigger
// would make, without waiting for another mutating operation to notice.
func (m *HashMap[K, V]) ShrinkToFit() {
	b := Pin()
	defer b.Release()
	m.resize(b)
}

// --- Ticket / Reserve --------------------------------------------------

// Ticket is a scoped capacity reservation: while held, it raises the
// map's effective minimum capacity by the amount requested.
type Ticket struct {
	n        uint64
	released atomic.Bool
	release  func(uint64)
}

// Release ends the reservation. Safe to call more than once.
func (t *Ticket) Release() {
	if t.released.CompareAndSwap(false, true) {
		t.release(t.n)
	}
}

// Reserve raises the map's minimum capacity by n for the lifetime of the
// returned Ticket. Returns ErrCapacityOverflow if minimum + additional +
// n would overflow.
func (m *HashMap[K, V]) Reserve(n uint64) (*Ticket, error) {
	for {
		cur := m.additionalCapacity.Load()
		next := cur + n
		if next < cur || m.minimumCapacity+next < m.minimumCapacity {
			return nil, ErrCapacityOverflow
		}
		if m.additionalCapacity.CompareAndSwap(cur, next) {
			break
		}
	}
	b := Pin()
	m.resize(b)
	b.Release()

	return &Ticket{
		n: n,
		release: func(released uint64) {
			m.additionalCapacity.Add(negUint64(released))
			rb := Pin()
			m.resize(rb)
			rb.Release()
		},
	}, nil
}

// --- insert ----------------------------------------------------------------

// triggerResizeIfHot asks for a resize if the cell's occupancy spilled
// into its overflow chain.
func (m *HashMap[K, V]) triggerResizeIfHot(b *Barrier, cell *Cell[K, V]) {
	if cell.Occupancy() > cellCapacity {
		m.resize(b)
	}
}

// Insert adds (key, value) if key is absent. If key is already present,
// it returns a *KeyExistsError[K,V] wrapping the rejected pair;
// errors.Is(err, ErrKeyExists) reports true.
func (m *HashMap[K, V]) Insert(key K, value V) error {
	b := Pin()
	defer b.Release()
	full, partial := m.hasher(key)

	for {
		arr := m.currentArray(b)
		if arr.OldArray(b) != nil {
			arr.ensureSourceMigrated(key, b, m.hasher)
			m.metrics.incRehashStep()
		}
		cell := arr.cellAt(full)
		locker := cell.Lock(b)
		if locker == nil {
			// cell was killed by a rehash that completed concurrently;
			// the current array reference is stale, retry from the top.
			continue
		}
		if _, found := locker.Search(key, partial); found {
			locker.Unlock()
			return &KeyExistsError[K, V]{Key: key, Value: value}
		}
		locker.Insert(key, value, partial)
		locker.Unlock()
		m.triggerResizeIfHot(b, cell)
		return nil
	}
}

// TryInsert is the non-blocking, cooperative-API variant: it never
// parks. It returns ErrWouldBlock if the target cell's lock is
// contended, or if a resize is currently draining an old array (the
// cooperative surface defers to whichever synchronous caller is driving
// that migration rather than attempting a lock-free partial step of its
// own — see DESIGN.md).
func (m *HashMap[K, V]) TryInsert(key K, value V) error {
	b := Pin()
	defer b.Release()
	full, partial := m.hasher(key)

	arr := m.currentArray(b)
	if arr.OldArray(b) != nil {
		return ErrWouldBlock
	}
	cell := arr.cellAt(full)
	locker, err := cell.TryLock(b)
	if err != nil {
		return err
	}
	if locker == nil {
		return ErrWouldBlock
	}
	if _, found := locker.Search(key, partial); found {
		locker.Unlock()
		return &KeyExistsError[K, V]{Key: key, Value: value}
	}
	locker.Insert(key, value, partial)
	locker.Unlock()
	m.triggerResizeIfHot(b, cell)
	return nil
}

// InsertAsync is the "future" rendition of Insert: a buffered channel
// delivering the eventual result, so a caller can fan out many inserts
// without blocking its own goroutine on each one.
func (m *HashMap[K, V]) InsertAsync(ctx context.Context, key K, value V) <-chan error {
	ch := make(chan error, 1)
	go func() {
		select {
		case <-ctx.Done():
			ch <- ctx.Err()
		default:
			ch <- m.Insert(key, value)
		}
	}()
	return ch
}

// --- read --------------------------------------------------------------

// Read looks up key and, if present, returns fn(key, value) with ok
// true. Read is a package-level function (not a method) because Go
// methods can't introduce their own type parameters.
func Read[K comparable, V any, R any](m *HashMap[K, V], key K, fn func(K, V) R) (R, bool) {
	b := Pin()
	defer b.Release()
	return ReadWith(m, key, fn, b)
}

// ReadWith is Read with an explicit, caller-owned Barrier, letting a
// caller amortize one barrier across several lookups.
func ReadWith[K comparable, V any, R any](m *HashMap[K, V], key K, fn func(K, V) R, b *Barrier) (R, bool) {
	var zero R
	full, partial := m.hasher(key)

	for {
		arr := m.currentArray(b)
		if old := arr.OldArray(b); old != nil {
			arr.partialRehash(b, m.hasher)
			source := old.cellAt(full)
			if !source.Killed() {
				if guard := source.ReadShared(b); guard != nil {
					if v, ok := guard.Search(key, partial); ok {
						guard.Unlock()
						return fn(key, v), true
					}
					guard.Unlock()
				}
			}
		}
		cell := arr.cellAt(full)
		guard := cell.ReadShared(b)
		if guard == nil {
			// array changed concurrently; retry against the new array.
			continue
		}
		v, ok := guard.Search(key, partial)
		guard.Unlock()
		if !ok {
			return zero, false
		}
		return fn(key, v), true
	}
}

// Contains reports whether key is present.
func (m *HashMap[K, V]) Contains(key K) bool {
	_, ok := Read(m, key, func(K, V) struct{} { return struct{}{} })
	return ok
}

// --- update / upsert -----------------------------------------------------

// Update mutates the value stored at key in place via fn and returns
// fn's result, or false if key is absent.
func Update[K comparable, V any, R any](m *HashMap[K, V], key K, fn func(K, *V) R) (R, bool) {
	b := Pin()
	defer b.Release()
	var zero R
	full, partial := m.hasher(key)

	for {
		arr := m.currentArray(b)
		if arr.OldArray(b) != nil {
			arr.ensureSourceMigrated(key, b, m.hasher)
		}
		cell := arr.cellAt(full)
		locker := cell.Lock(b)
		if locker == nil {
			continue
		}
		var result R
		var found bool
		found = locker.Update(key, partial, func(k K, v *V) { result = fn(k, v) })
		locker.Unlock()
		if !found {
			return zero, false
		}
		return result, true
	}
}

// Upsert inserts init() if key is absent, else applies update in place.
func (m *HashMap[K, V]) Upsert(key K, init func() V, update func(K, *V)) {
	b := Pin()
	defer b.Release()
	full, partial := m.hasher(key)

	for {
		arr := m.currentArray(b)
		if arr.OldArray(b) != nil {
			arr.ensureSourceMigrated(key, b, m.hasher)
		}
		cell := arr.cellAt(full)
		locker := cell.Lock(b)
		if locker == nil {
			continue
		}
		if locker.Update(key, partial, update) {
			locker.Unlock()
			return
		}
		locker.Insert(key, init(), partial)
		locker.Unlock()
		m.triggerResizeIfHot(b, cell)
		return
	}
}

// TryUpdate is the cooperative, non-blocking variant of Update.
func TryUpdate[K comparable, V any, R any](m *HashMap[K, V], key K, fn func(K, *V) R) (R, error) {
	b := Pin()
	defer b.Release()
	var zero R
	full, partial := m.hasher(key)

	arr := m.currentArray(b)
	if arr.OldArray(b) != nil {
		return zero, ErrWouldBlock
	}
	cell := arr.cellAt(full)
	locker, err := cell.TryLock(b)
	if err != nil {
		return zero, err
	}
	if locker == nil {
		return zero, ErrWouldBlock
	}
	var result R
	found := locker.Update(key, partial, func(k K, v *V) { result = fn(k, v) })
	locker.Unlock()
	if !found {
		return zero, nil
	}
	return result, nil
}

// --- remove ----------------------------------------------------------------

// Remove deletes key if present, returning its value.
func (m *HashMap[K, V]) Remove(key K) (V, bool) {
	return m.RemoveIf(key, func(K, V) bool { return true })
}

// RemoveIf deletes key only if pred(key, value) returns true.
func (m *HashMap[K, V]) RemoveIf(key K, pred func(K, V) bool) (V, bool) {
	b := Pin()
	defer b.Release()
	var zero V
	full, partial := m.hasher(key)

	for {
		arr := m.currentArray(b)
		if arr.OldArray(b) != nil {
			arr.ensureSourceMigrated(key, b, m.hasher)
		}
		cell := arr.cellAt(full)
		locker := cell.Lock(b)
		if locker == nil {
			continue
		}
		v, found := locker.Search(key, partial)
		if !found || !pred(key, v) {
			locker.Unlock()
			return zero, false
		}
		removed, _ := locker.Erase(key, partial)
		locker.Unlock()
		return removed, true
	}
}

// TryRemove is the cooperative, non-blocking variant of Remove.
func (m *HashMap[K, V]) TryRemove(key K) (V, error) {
	b := Pin()
	defer b.Release()
	var zero V
	full, partial := m.hasher(key)

	arr := m.currentArray(b)
	if arr.OldArray(b) != nil {
		return zero, ErrWouldBlock
	}
	cell := arr.cellAt(full)
	locker, err := cell.TryLock(b)
	if err != nil {
		return zero, err
	}
	if locker == nil {
		return zero, ErrWouldBlock
	}
	v, found := locker.Erase(key, partial)
	locker.Unlock()
	if !found {
		return zero, nil
	}
	return v, nil
}

// RemoveAsync mirrors InsertAsync for Remove.
func (m *HashMap[K, V]) RemoveAsync(ctx context.Context, key K) <-chan removeResult[V] {
	ch := make(chan removeResult[V], 1)
	go func() {
		if ctx.Err() != nil {
			ch <- removeResult[V]{err: ctx.Err()}
			return
		}
		v, ok := m.Remove(key)
		ch <- removeResult[V]{value: v, ok: ok}
	}()
	return ch
}

type removeResult[V any] struct {
	value V
	ok    bool
	err   error
}

// --- bulk operations ---------------------------------------------------

// ForEach visits every live entry. Mutating the map from within fn is
// not supported; use Retain for that.
func (m *HashMap[K, V]) ForEach(fn func(K, V)) {
	m.Retain(func(k K, v V) bool {
		fn(k, v)
		return true
	})
}

// Retain keeps only the entries for which pred returns true, erasing the
// rest, and reports (retained, removed). Entries still sitting in a
// draining predecessor array are migrated into the current array before
// the sweep.
//
// If the backing array changes mid-sweep (a resize begins or completes),
// the sweep restarts against the new array. `retained` resets to zero on
// restart but `removed` does not — callers should treat the returned
// pair as a best-effort hint, not an exact count, whenever a concurrent
// resize is possible.
func (m *HashMap[K, V]) Retain(pred func(K, V) bool) (retained, removed int) {
	b := Pin()
	defer b.Release()

restart:
	arr := m.currentArray(b)
	retained = 0

	if oldArc := arr.old.Load(); oldArc != nil {
		if old := oldArc.Get(); old != nil {
			for _, c := range old.cells {
				arr.migrateSourceCell(c, b, m.hasher, oldArc, uint64(len(old.cells)))
			}
		}
	}

	for _, cell := range arr.cells {
		locker := cell.Lock(b)
		if locker == nil {
			// a concurrent resize killed this cell out from under us
			goto restart
		}
		v, e := locker.ForEach(pred)
		locker.Unlock()
		retained += v - e
		removed += e

		if m.currentArray(b) != arr {
			goto restart
		}
	}

	if removed >= retained {
		m.resize(b)
	}
	return retained, removed
}

// Clear removes every entry and returns how many were removed.
func (m *HashMap[K, V]) Clear() int {
	_, removed := m.Retain(func(K, V) bool { return false })
	return removed
}

// ForEachAsync/RetainAsync/ClearAsync mirror the synchronous bulk
// operations, running on a separate goroutine and delivering the result
// on a channel.

func (m *HashMap[K, V]) ForEachAsync(ctx context.Context, fn func(K, V)) <-chan error {
	ch := make(chan error, 1)
	go func() {
		if ctx.Err() != nil {
			ch <- ctx.Err()
			return
		}
		m.ForEach(fn)
		ch <- nil
	}()
	return ch
}

type retainResult struct {
	retained, removed int
	err               error
}

func (m *HashMap[K, V]) RetainAsync(ctx context.Context, pred func(K, V) bool) <-chan retainResult {
	ch := make(chan retainResult, 1)
	go func() {
		if ctx.Err() != nil {
			ch <- retainResult{err: ctx.Err()}
			return
		}
		r, d := m.Retain(pred)
		ch <- retainResult{retained: r, removed: d}
	}()
	return ch
}

func (m *HashMap[K, V]) ClearAsync(ctx context.Context) <-chan int {
	ch := make(chan int, 1)
	go func() {
		if ctx.Err() != nil {
			ch <- 0
			return
		}
		ch <- m.Clear()
	}()
	return ch
}
