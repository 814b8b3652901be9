package ccmap

// Error taxonomy. Every sentinel here is a plain stdlib error (no
// third-party errors package is wired — see DESIGN.md's stdlib
// justification for this concern).

import (
	"errors"
	"fmt"
)

// ErrKeyExists is returned by Insert/InsertAsync when the key is already
// present; the rejected pair is recovered with errors.As into a
// *KeyExistsError[K,V].
var ErrKeyExists = errors.New("ccmap: key already exists")

// ErrWouldBlock signals that a lock could not be acquired without
// waiting. It only ever escapes through the Try*/cooperative surface;
// the synchronous API loops internally until it can park instead.
var ErrWouldBlock = errors.New("ccmap: operation would block")

// ErrCapacityOverflow is returned by Reserve when minimum + additional +
// n would overflow the capacity accounting.
var ErrCapacityOverflow = errors.New("ccmap: capacity overflow")

// KeyExistsError wraps ErrKeyExists with the rejected (key, value) pair,
// giving callers back ownership of both.
type KeyExistsError[K comparable, V any] struct {
	Key   K
	Value V
}

func (e *KeyExistsError[K, V]) Error() string {
	return fmt.Sprintf("ccmap: key %v already exists", e.Key)
}

func (e *KeyExistsError[K, V]) Unwrap() error {
	return ErrKeyExists
}
