package encounter

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedInput marks an ingestion unit (request body or snapshot row)
	// that could not be turned into an Encounter. The unit is dropped.
	ErrMalformedInput = errors.New("malformed input")

	// ErrInvalidCoordinate is a MalformedInput for non-finite or out-of-range
	// latitude/longitude values.
	ErrInvalidCoordinate = fmt.Errorf("%w: invalid coordinate", ErrMalformedInput)
)

// Malformed wraps a parse failure so it matches ErrMalformedInput.
func Malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedInput, fmt.Sprintf(format, args...))
}

// RowError reports a malformed snapshot row. Line is 1-based and counts the
// header row.
type RowError struct {
	Line int
	Err  error
}

func (e *RowError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }

func (e *RowError) Unwrap() error { return e.Err }
