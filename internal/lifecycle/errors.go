package lifecycle

import (
	"errors"
	"strings"
)

var (
	// ErrAlreadyClaimed is returned to every claimer except the one that won.
	ErrAlreadyClaimed = errors.New("request is no longer available")
	// ErrInvalidTransition means the requested move is not an edge from the current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidCode means the supplied secret code did not match. Nothing changed.
	ErrInvalidCode = errors.New("invalid secret code")
	// ErrAlreadyCompleted is returned once a request has been delivered.
	ErrAlreadyCompleted = errors.New("request already delivered")
)

// ValidationError lists every problem found in a caller's input.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

func invalid(problems ...string) error {
	return &ValidationError{Problems: problems}
}

// IsValidation reports whether err carries a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
