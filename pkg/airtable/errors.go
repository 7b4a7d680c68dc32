package airtable

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoTableSelected is returned by table-scoped calls made before SelectTable.
	ErrNoTableSelected = errors.New("no table selected: call SelectTable first")

	// ErrEmptyTableName is returned when a table name argument is blank.
	ErrEmptyTableName = errors.New("table name must not be empty")

	// ErrInvalidSortDirection is returned for a direction other than asc or desc.
	ErrInvalidSortDirection = errors.New("sort direction must be \"asc\" or \"desc\"")

	// ErrRecordNotFound is wrapped by a RemoteError when the remote answers 404 for a record.
	ErrRecordNotFound = errors.New("record not found")

	// ErrTableVanished is wrapped by a RemoteError when the selected table is no
	// longer present in freshly fetched metadata.
	ErrTableVanished = errors.New("selected table no longer exists in base metadata")
)

// ConfigurationError reports a missing or invalid client setting
type ConfigurationError struct {
	Missing []string // names of the missing settings
	Reason  string
}

func (e *ConfigurationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if e.Reason != "" {
		parts = append(parts, e.Reason)
	}
	if len(parts) == 0 {
		return "invalid configuration"
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// TableNotFoundError is returned by SelectTable when the name is absent from the base
type TableNotFoundError struct {
	Name      string
	Available []string
}

func (e *TableNotFoundError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("table %q not found in base", e.Name)
	}
	return fmt.Sprintf("table %q not found in base (available: %s)", e.Name, strings.Join(e.Available, ", "))
}

// RemoteError wraps any transport, authentication or remote-validation failure.
type RemoteError struct {
	Op         string // operation that failed, e.g. "get record"
	StatusCode int    // HTTP status, 0 for transport failures
	Type       string // remote error type, e.g. INVALID_REQUEST_UNKNOWN
	Message    string // remote error message
	Err        error  // underlying cause
}

func (e *RemoteError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(" failed")
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " with status %d", e.StatusCode)
	}
	if e.Type != "" {
		b.WriteString(": ")
		b.WriteString(e.Type)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err means a missing record or table
func IsNotFound(err error) bool {
	var tnf *TableNotFoundError
	return errors.Is(err, ErrRecordNotFound) || errors.Is(err, ErrTableVanished) || errors.As(err, &tnf)
}
