package ccmap

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestNewDefaultCapacity(t *testing.T) {
	m := NewDefault[string, int]()
	require.Equal(t, 64, m.Capacity())
}

func TestInsertReadRemove(t *testing.T) {
	m := NewDefault[string, int]()

	require.NoError(t, m.Insert("a", 1))
	v, ok := Read(m, "a", func(_ string, v int) int { return v })
	require.True(t, ok)
	require.Equal(t, 1, v)

	require.True(t, m.Contains("a"))
	require.False(t, m.Contains("missing"))

	removed, ok := m.Remove("a")
	require.True(t, ok)
	require.Equal(t, 1, removed)
	require.False(t, m.Contains("a"))
}

func TestInsertDuplicateReturnsKeyExistsError(t *testing.T) {
	m := NewDefault[string, int]()
	require.NoError(t, m.Insert("a", 1))

	err := m.Insert("a", 2)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrKeyExists)

	var keyErr *KeyExistsError[string, int]
	require.True(t, errors.As(err, &keyErr))
	require.Equal(t, "a", keyErr.Key)
	require.Equal(t, 2, keyErr.Value)

	// the original value must be untouched by the rejected insert.
	v, ok := Read(m, "a", func(_ string, v int) int { return v })
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestUpdateMutatesInPlace(t *testing.T) {
	m := NewDefault[string, int]()
	require.NoError(t, m.Insert("a", 1))

	result, ok := Update(m, "a", func(_ string, v *int) int {
		*v += 10
		return *v
	})
	require.True(t, ok)
	require.Equal(t, 11, result)

	v, _ := Read(m, "a", func(_ string, v int) int { return v })
	require.Equal(t, 11, v)

	_, ok = Update(m, "missing", func(_ string, v *int) int { return *v })
	require.False(t, ok)
}

func TestUpsertInsertsThenUpdates(t *testing.T) {
	m := NewDefault[string, int]()

	m.Upsert("a", func() int { return 1 }, func(_ string, v *int) { *v++ })
	v, ok := Read(m, "a", func(_ string, v int) int { return v })
	require.True(t, ok)
	require.Equal(t, 1, v)

	m.Upsert("a", func() int { return 1 }, func(_ string, v *int) { *v++ })
	v, _ = Read(m, "a", func(_ string, v int) int { return v })
	require.Equal(t, 2, v)
}

func TestRemoveIfPredicateGatesRemoval(t *testing.T) {
	m := NewDefault[string, int]()
	require.NoError(t, m.Insert("a", 1))

	_, removed := m.RemoveIf("a", func(_ string, v int) bool { return v > 10 })
	require.False(t, removed)
	require.True(t, m.Contains("a"))

	v, removed := m.RemoveIf("a", func(_ string, v int) bool { return v == 1 })
	require.True(t, removed)
	require.Equal(t, 1, v)
}

func TestTryOperationsWouldBlockOnContendedCell(t *testing.T) {
	m := NewDefault[string, int]()
	require.NoError(t, m.Insert("a", 1))

	b := Pin()
	full, _ := m.hasher("a")
	cell := m.currentArray(b).cellAt(full)
	locker := cell.Lock(b)
	defer func() {
		locker.Unlock()
		b.Release()
	}()

	err := m.TryInsert("a", 2)
	require.ErrorIs(t, err, ErrWouldBlock)

	_, err = TryUpdate(m, "a", func(_ string, v *int) int { return *v })
	require.ErrorIs(t, err, ErrWouldBlock)

	_, err = m.TryRemove("a")
	require.ErrorIs(t, err, ErrWouldBlock)
}

func TestInsertAsyncDeliversResult(t *testing.T) {
	m := NewDefault[string, int]()
	ctx := context.Background()
	err := <-m.InsertAsync(ctx, "a", 1)
	require.NoError(t, err)
	require.True(t, m.Contains("a"))
}

func TestForEachRetainClear(t *testing.T) {
	m := NewDefault[int, int]()
	for i := 0; i < 200; i++ {
		require.NoError(t, m.Insert(i, i))
	}
	require.Equal(t, 200, m.Len())

	var seen int
	m.ForEach(func(int, int) { seen++ })
	require.Equal(t, 200, seen)

	retained, removed := m.Retain(func(k, v int) bool { return k%2 == 0 })
	require.Equal(t, 100, retained)
	require.Equal(t, 100, removed)
	require.Equal(t, 100, m.Len())

	cleared := m.Clear()
	require.Equal(t, 100, cleared)
	require.Equal(t, 0, m.Len())
	require.True(t, m.IsEmpty())
}

func TestReserveTicketRaisesCapacity(t *testing.T) {
	m := NewDefault[string, int]()

	ticket, err := m.Reserve(10000)
	require.NoError(t, err)
	require.GreaterOrEqual(t, m.Capacity(), 16384)

	ticket.Release()
	ticket.Release() // double release is a no-op
}

func TestReserveOverflowRejected(t *testing.T) {
	m := NewDefault[string, int]()
	_, err := m.Reserve(^uint64(0))
	require.ErrorIs(t, err, ErrCapacityOverflow)
}

func TestResizeGrowsPastThousandInserts(t *testing.T) {
	m := NewDefault[int, int]()
	for i := 0; i < 1024; i++ {
		require.NoError(t, m.Insert(i, i))
	}
	require.GreaterOrEqual(t, m.Capacity(), 2048)
	require.Equal(t, 1024, m.Len())

	for i := 0; i < 1024; i++ {
		v, ok := Read(m, i, func(_, v int) int { return v })
		require.True(t, ok, "key %d", i)
		require.Equal(t, i, v)
	}
}

func TestShrinkToFitReclaimsAfterBulkRemoval(t *testing.T) {
	m := NewDefault[int, int]()
	for i := 0; i < 2000; i++ {
		require.NoError(t, m.Insert(i, i))
	}
	grown := m.Capacity()

	for i := 0; i < 1990; i++ {
		m.Remove(i)
	}
	m.ShrinkToFit()
	require.Less(t, m.Capacity(), grown)
}

func TestConcurrentInsertAndRead(t *testing.T) {
	m := NewDefault[int, int]()
	var g errgroup.Group

	for w := 0; w < 16; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				key := w*200 + i
				if err := m.Insert(key, key*2); err != nil {
					return fmt.Errorf("insert %d: %w", key, err)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 16*200, m.Len())

	var rg errgroup.Group
	for w := 0; w < 16; w++ {
		w := w
		rg.Go(func() error {
			for i := 0; i < 200; i++ {
				key := w*200 + i
				v, ok := Read(m, key, func(_, v int) int { return v })
				if !ok || v != key*2 {
					return fmt.Errorf("bad read for %d: got %d, ok=%v", key, v, ok)
				}
			}
			return nil
		})
	}
	require.NoError(t, rg.Wait())
}

func TestConcurrentInsertDuringResize(t *testing.T) {
	m := New[int, int](64)
	var g errgroup.Group

	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 500; i++ {
				key := w*10000 + i
				if err := m.Insert(key, key); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 8*500, m.Len())
}
