package sdk

import (
	"errors"
	"fmt"
	"io"
)

// ErrTimedOut returns a timeout event when our deadline is exceeded
var ErrTimedOut = errors.New("timeout")

// ErrTimeoutExhausted is returned when a query window has been shrunk to its
// minimum duration and the export still cannot complete in time
var ErrTimeoutExhausted = errors.New("export too large for smallest possible query window, cannot subdivide any further")

// HTTPError is returned if the error is a non-200 status code
type HTTPError struct {
	StatusCode int
	Body       io.Reader
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP Error: %d", e.StatusCode)
}

// IsHTTPError returns true if an error is a HTTP error
func IsHTTPError(err error) (bool, int, io.Reader) {
	var e *HTTPError
	if errors.As(err, &e) {
		return true, e.StatusCode, e.Body
	}
	return false, 0, nil
}

// NonRectangularError is returned by the export file parser when a data row
// doesn't have the same number of columns as the header row. An export that
// produces one is corrupt and must be thrown away, not resumed.
type NonRectangularError struct {
	FileID string
	Line   int
	Found  int
	Want   int
}

func (e *NonRectangularError) Error() string {
	return fmt.Sprintf("file %s is non-rectangular: found row at line %d with %d entries, expected %d entries from header line", e.FileID, e.Line, e.Found, e.Want)
}

// IsNonRectangularError returns true if an error is a non-rectangular export error
func IsNonRectangularError(err error) bool {
	var e *NonRectangularError
	return errors.As(err, &e)
}

// StaleFileError is returned when a resumed export file id is no longer
// recognized by the upstream service
type StaleFileError struct {
	FileID string
}

func (e *StaleFileError) Error() string {
	return fmt.Sprintf("file %s has been deleted upstream, making the sync window invalid", e.FileID)
}

// IsStaleFileError returns true if an error is a stale file error
func IsStaleFileError(err error) bool {
	var e *StaleFileError
	return errors.As(err, &e)
}

// ExportFailedError is returned when the upstream service reports a terminal
// failure for an export job
type ExportFailedError struct {
	JobID   string
	Message string
}

func (e *ExportFailedError) Error() string {
	return fmt.Sprintf("export job %s failed: %s", e.JobID, e.Message)
}

// ConfigError is a fatal configuration problem detected before any state is mutated
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return "configuration error: " + e.Message
}

// NewConfigError returns a new ConfigError
func NewConfigError(format string, args ...interface{}) *ConfigError {
	return &ConfigError{Message: fmt.Sprintf(format, args...)}
}
