package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is returned when a new identity registers while the registry is full.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrPersistence is returned when the store is unreachable or rejects a write.
	ErrPersistence = errors.New("persistence failure")

	// ErrNotFound is returned when a referenced group or conversation does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidIdentity is returned for empty or malformed identities.
	ErrInvalidIdentity = errors.New("invalid identity")

	// ErrNotRegistered is returned when a connection sends content before registerUser.
	ErrNotRegistered = errors.New("not registered")

	// ErrInvalidMessage is returned when a message payload fails validation.
	ErrInvalidMessage = errors.New("invalid message")
)

// CapacityError carries the registry occupancy at the time of rejection.
type CapacityError struct {
	Current int
	Max     int
}

func (e CapacityError) Error() string {
	return fmt.Sprintf("%s: %d/%d", ErrCapacityExceeded.Error(), e.Current, e.Max)
}

func (e CapacityError) Unwrap() error { return ErrCapacityExceeded }

// PersistenceError wraps a store failure with the gateway operation that failed.
// The underlying driver error stays reachable through errors.As/Is.
type PersistenceError struct {
	Op  string
	Err error
}

func (e PersistenceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, ErrPersistence)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrPersistence, e.Err)
}

// Unwrap exposes both the sentinel kind and the cause.
func (e PersistenceError) Unwrap() []error { return []error{ErrPersistence, e.Err} }

// NotFoundError reports a missing referenced resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %v", e.Resource, ErrNotFound)
	}
	return fmt.Sprintf("%s %q: %v", e.Resource, e.ID, ErrNotFound)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

func persistenceErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return PersistenceError{Op: op, Err: err}
}

// IsCapacityExceeded reports whether err represents ErrCapacityExceeded.
func IsCapacityExceeded(err error) bool { return errors.Is(err, ErrCapacityExceeded) }

// IsPersistence reports whether err represents ErrPersistence.
func IsPersistence(err error) bool { return errors.Is(err, ErrPersistence) }

// IsNotFound reports whether err represents ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
