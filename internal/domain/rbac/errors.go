package rbac

import (
	"errors"
	"fmt"
)

// Failure kinds returned by the service. Callers branch with errors.Is; the
// HTTP handler maps them to status codes.
var (
	ErrNotFound        = errors.New("not found")
	ErrAccessDenied    = errors.New("access denied")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrConflict        = errors.New("conflict")
)

// errCopyExists marks a unique violation on the (parent_role_id, org_id)
// copy index. The copy-on-write path re-fetches the existing copy instead of
// surfacing it; any other key collision stays a plain Conflict.
var errCopyExists = fmt.Errorf("role copy already exists: %w", ErrConflict)

func notFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

func accessDeniedf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrAccessDenied)...)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalidArgument)...)
}

func conflictf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

func IsNotFound(err error) bool        { return errors.Is(err, ErrNotFound) }
func IsAccessDenied(err error) bool    { return errors.Is(err, ErrAccessDenied) }
func IsInvalidArgument(err error) bool { return errors.Is(err, ErrInvalidArgument) }
func IsConflict(err error) bool        { return errors.Is(err, ErrConflict) }
