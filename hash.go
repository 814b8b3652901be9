package ccmap

// Key hashing, pluggable via the Option surface but with a real default
// so callers never have to supply one: hash(key) -> (full_hash uint64,
// partial_hash uint8). The default here uses xxhash, the way this pack's
// own generic caches default a key hasher via a type switch over
// `any(key)`.

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// BuildHasher produces the (full, partial) hash pair for a key. partial
// is never zero: implementations must remap a genuine zero byte to 1,
// since Cell uses partialHash==0 to mean "slot empty".
type BuildHasher[K comparable] func(key K) (full uint64, partial uint8)

// defaultBuildHasher returns the xxhash-based hasher used when callers
// don't supply their own via WithHasher.
func defaultBuildHasher[K comparable]() BuildHasher[K] {
	return func(key K) (uint64, uint8) {
		full := xxhashKey(key)
		partial := uint8(full)
		if partial == 0 {
			partial = 1
		}
		return full, partial
	}
}

func xxhashKey[K comparable](key K) uint64 {
	switch k := any(key).(type) {
	case string:
		return xxhash.Sum64String(k)
	case []byte:
		return xxhash.Sum64(k)
	case int:
		return xxhash.Sum64(uint64ToBytes(uint64(k)))
	case int32:
		return xxhash.Sum64(uint64ToBytes(uint64(k)))
	case int64:
		return xxhash.Sum64(uint64ToBytes(uint64(k)))
	case uint:
		return xxhash.Sum64(uint64ToBytes(uint64(k)))
	case uint32:
		return xxhash.Sum64(uint64ToBytes(uint64(k)))
	case uint64:
		return xxhash.Sum64(uint64ToBytes(k))
	default:
		return xxhash.Sum64String(fmt.Sprintf("%v", key))
	}
}

func uint64ToBytes(v uint64) []byte {
	return []byte{
		byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
		byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56),
	}
}
