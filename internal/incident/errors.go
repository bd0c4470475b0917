package incident

import (
	"fmt"

	"github.com/linnemanlabs/go-core/xerrors"
)

var (
	// ErrNotFound is returned when a key has no record.
	ErrNotFound = xerrors.New("incident: not found")
	// ErrConflict is returned by a conditional write whose expected version is stale.
	ErrConflict = xerrors.New("incident: version conflict")
	// ErrAlreadyResolved is returned for stale resolution or outcome writes.
	ErrAlreadyResolved = xerrors.New("incident: already resolved")
	// ErrInFlight is returned when another handler holds a fresh claim.
	ErrInFlight = xerrors.New("incident: plan in flight")
	// ErrPersistence classifies PersistenceError.
	ErrPersistence = xerrors.New("incident: persistence failure")
)

// PersistenceError is returned when the store could not be written within
// the retry budget. The event that caused it must be safe to redeliver.
type PersistenceError struct {
	Op       string
	Key      string
	Attempts int
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("incident %s %s: gave up after %d attempts: %v", e.Op, e.Key, e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }
