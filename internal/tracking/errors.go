package tracking

import (
	"errors"
	"fmt"
)

// ErrPersistence matches every *PersistenceError via errors.Is.
var ErrPersistence = errors.New("tracking: persistence failed")

// PersistenceError reports a store write that failed. The in-memory state was
// left untouched.
type PersistenceError struct {
	Op  string
	Key Key
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("tracking: %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }
