package punishment

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied    = errors.New("punishment: bot lacks hierarchy or permissions")
	ErrTargetNotResolvable = errors.New("punishment: target is not a guild member")
	ErrMissingRole         = errors.New("punishment: role not found")
)

// PlatformError wraps a failed platform mutation. Nothing was recorded.
type PlatformError struct {
	Op  string
	Err error
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("platform %s: %v", e.Op, e.Err)
}

func (e *PlatformError) Unwrap() error { return e.Err }

// IsFatal reports whether err points at an unavailable store or network
// rather than an expected refusal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrTargetNotResolvable) || errors.Is(err, ErrMissingRole) {
		return false
	}
	var platformErr *PlatformError
	if errors.As(err, &platformErr) {
		return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	}
	return true
}

func denied(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermissionDenied, fmt.Sprintf(format, args...))
}
