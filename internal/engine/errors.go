package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrUnavailable is returned when the engine cannot be reached.
	ErrUnavailable = errors.New("detection engine unavailable")

	// ErrTimeout is returned when the engine does not answer in time.
	ErrTimeout = errors.New("detection engine timeout")

	// ErrBadResponse is returned for non-success statuses or undecodable bodies.
	ErrBadResponse = errors.New("detection engine bad response")

	// ErrNotFound is returned when the engine reports a missing resource.
	ErrNotFound = errors.New("detection engine resource not found")
)

// classify wraps a transport error with the matching sentinel.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrBadResponse) || errors.Is(err, ErrNotFound) {
		return err
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
