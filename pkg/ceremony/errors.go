package ceremony

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled is returned when the operator declines a confirmation
	// or leaves a required prompt empty. The run loop goes back to the
	// menu.
	ErrCancelled = errors.New("operation cancelled by operator")

	// ErrVersionNotIncreasing is returned for a TrustList version that is
	// not above the stored one.
	ErrVersionNotIncreasing = errors.New("trust list version must increase")

	// ErrCardServiceDisabled is returned by cloud key operations when no
	// app token is configured.
	ErrCardServiceDisabled = errors.New("card service is not configured")

	errExit = errors.New("exit")
)

// FatalError ends the ceremony. It wraps signer and hardware failures,
// store corruption and hierarchy violations.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// fatal wraps err as a FatalError unless it already is one or is a
// cancellation.
func fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *FatalError
	if errors.As(err, &fe) || errors.Is(err, ErrCancelled) || errors.Is(err, errExit) {
		return err
	}
	return &FatalError{Op: op, Err: err}
}
