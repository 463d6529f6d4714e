package store

import (
	"errors"
	"fmt"
)

// Errors returned by the update store.
//
// These can be checked with errors.Is():
//
//	if errors.Is(err, store.ErrCorruptFragment) {
//	    // skip this fragment and keep loading
//	}
var (
	// ErrCorruptFragment is returned when a fragment file is unreadable
	// or structurally invalid. Callers skip and log rather than aborting
	// the whole document load.
	ErrCorruptFragment = errors.New("corrupt fragment")

	// ErrWriteFailure is returned when an update could not be durably
	// written. The update is not persisted and must be retried by the
	// caller; it is never silently dropped.
	ErrWriteFailure = errors.New("update write failure")
)

// CorruptFragmentError carries the path of the fragment that failed to read
// or decode. It matches ErrCorruptFragment under errors.Is.
type CorruptFragmentError struct {
	Path string
	Err  error
}

func (e *CorruptFragmentError) Error() string {
	return fmt.Sprintf("corrupt fragment %s: %v", e.Path, e.Err)
}

func (e *CorruptFragmentError) Unwrap() error { return e.Err }

func (e *CorruptFragmentError) Is(target error) bool { return target == ErrCorruptFragment }
