package ccmap

// CellArray: a power-of-two array of cells backing the map at one
// capacity, plus the incremental rehash step that migrates entries out
// of a predecessor array.
//
// Cell selection uses the top bits of the 64-bit hash (not the low
// bits), so growing from 2^k to 2^(k+1) cells is a clean 2-way split and
// shrinking is a clean 2-way merge.

import (
	"sync/atomic"
)

const rehashBatchSize = 16

// CellArray is the unit of resize: a contiguous 2^k array of cells, plus
// an optional link to the predecessor array it is migrating entries out
// of.
type CellArray[K comparable, V any] struct {
	cells     []*Cell[K, V]
	bits      uint // k, where len(cells) == 1<<bits
	shift     uint // 64 - bits: top-bits cell selection

	old atomic.Pointer[Arc[CellArray[K, V]]]

	// rehashNext is the next source-cell index a generic (non-targeted)
	// caller should try, reserved by compare-and-swap in batches of
	// rehashBatchSize.
	rehashNext atomic.Uint64
	// rehashDone counts source cells that have actually reached Killed.
	// Once it reaches len(old.cells), old is retired. A cell can only
	// ever be counted once: the Cell.Lock() that performs the count is
	// the same lock that performs the migration, and Lock() returns nil
	// on an already-Killed cell.
	rehashDone atomic.Uint64
}

// newCellArray allocates a fresh array of 2^bits cells, linked to old
// (nil if this is the first array the map ever had).
func newCellArray[K comparable, V any](bits uint, old *Arc[CellArray[K, V]]) *CellArray[K, V] {
	n := uint64(1) << bits
	ca := &CellArray[K, V]{
		cells: make([]*Cell[K, V], n),
		bits:  bits,
		shift: 64 - bits,
	}
	for i := range ca.cells {
		ca.cells[i] = newCell[K, V]()
	}
	if old != nil {
		ca.old.Store(old)
	}
	return ca
}

func (ca *CellArray[K, V]) Len() int { return len(ca.cells) }

func (ca *CellArray[K, V]) Capacity() uint64 { return uint64(len(ca.cells)) }

// cellIndex routes a full hash to a cell via its top `bits` bits.
func (ca *CellArray[K, V]) cellIndex(fullHash uint64) uint64 {
	if ca.shift >= 64 {
		return 0
	}
	return fullHash >> ca.shift
}

func (ca *CellArray[K, V]) cellAt(fullHash uint64) *Cell[K, V] {
	return ca.cells[ca.cellIndex(fullHash)]
}

// OldArray returns the predecessor array still being drained, or nil.
func (ca *CellArray[K, V]) OldArray(_ *Barrier) *CellArray[K, V] {
	a := ca.old.Load()
	if a == nil {
		return nil
	}
	return a.Get()
}

// partialRehash reserves and migrates a batch of up to rehashBatchSize
// source cells from the predecessor array into ca. Reads that find
// old_array non-null invoke it in passing (as opposed to a writer
// ensuring its own key's source cell specifically — see
// ensureSourceMigrated).
func (ca *CellArray[K, V]) partialRehash(b *Barrier, hasher BuildHasher[K]) {
	oldArc := ca.old.Load()
	if oldArc == nil {
		return
	}
	old := oldArc.Get()
	if old == nil {
		return
	}

	total := uint64(len(old.cells))
	start := ca.rehashNext.Load()
	if start >= total {
		return
	}
	batch := uint64(rehashBatchSize)
	if start+batch > total {
		batch = total - start
	}
	if !ca.rehashNext.CompareAndSwap(start, start+batch) {
		return
	}
	for s := start; s < start+batch; s++ {
		ca.migrateSourceCell(old.cells[s], b, hasher, oldArc, total)
	}
}

// ensureSourceMigrated guarantees that, by the time it returns, the
// source cell owning key in the predecessor array is Killed (either
// migrated by this call or by a racing one). A writer needs this before
// it can trust that its key's home cell is the current array's, not the
// predecessor's — a generic batch sweep alone can't promise that for
// any one particular key.
func (ca *CellArray[K, V]) ensureSourceMigrated(key K, b *Barrier, hasher BuildHasher[K]) {
	oldArc := ca.old.Load()
	if oldArc == nil {
		return
	}
	old := oldArc.Get()
	if old == nil {
		return
	}
	full, _ := hasher(key)
	source := old.cellAt(full)
	if source.Killed() {
		return
	}
	ca.migrateSourceCell(source, b, hasher, oldArc, uint64(len(old.cells)))
}

// migrateSourceCell drains one source cell, reinserting each of its
// entries into ca under the target cell's own exclusive lock, then kills
// the source cell. Lock ordering is always source-then-target: since
// source indices and target indices each partition their own array,
// no two threads can ever want the opposite order.
func (ca *CellArray[K, V]) migrateSourceCell(source *Cell[K, V], b *Barrier, hasher BuildHasher[K], oldArc *Arc[CellArray[K, V]], total uint64) {
	locker := source.Lock(b)
	if locker == nil {
		// already killed by a racing migrator
		return
	}
	locker.TakeAll(func(key K, value V, partialHash uint8) {
		full, _ := hasher(key)
		target := ca.cellAt(full)
		tl := target.Lock(b)
		if tl == nil {
			// Not reached: ca's cells are killed only once ca is itself
			// a predecessor, and resize publishes no successor while
			// ca.old is set, which stays set until this source cell has
			// been killed too. Were it reached, this entry (already
			// taken out of source) would not be reinserted anywhere.
			return
		}
		tl.Insert(key, value, partialHash)
		tl.Unlock()
	})
	locker.Kill()

	if ca.rehashDone.Add(1) == total {
		ca.finishRehash(oldArc)
	}
}

func (ca *CellArray[K, V]) finishRehash(oldArc *Arc[CellArray[K, V]]) {
	if ca.old.CompareAndSwap(oldArc, nil) {
		oldArc.Release()
	}
}

// sampleOccupancy inspects up to n cells (spaced evenly) to estimate the
// array's live entry count, feeding the resize trigger in hashmap.go.
func (ca *CellArray[K, V]) sampleOccupancy(n int) (sampledCells int, estimatedEntries uint64) {
	total := len(ca.cells)
	if total == 0 {
		return 0, 0
	}
	if n > total {
		n = total
	}
	if n <= 0 {
		n = 1
	}
	stride := total / n
	if stride == 0 {
		stride = 1
	}
	var sum uint64
	count := 0
	for i := 0; i < total && count < n; i += stride {
		sum += uint64(ca.cells[i].Occupancy())
		count++
	}
	if count == 0 {
		return 0, 0
	}
	avg := sum / uint64(count)
	return count, avg * uint64(total)
}
