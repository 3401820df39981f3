package magreflow

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrInvalidConfig is wrapped by every ConfigError.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrDocumentNotFound is returned by sources when the reference does not resolve.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrUnauthorized is returned by sources when credentials are rejected.
	ErrUnauthorized = errors.New("document source unauthorized")

	// ErrNotPDF is returned when fetched bytes are not a PDF document.
	ErrNotPDF = errors.New("document is not a PDF")
)

// ConfigError reports a missing or invalid setting. It is never retried.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

// SourceError reports a failure to fetch the source document.
type SourceError struct {
	Ref string
	Err error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("fetch document %q: %v", e.Ref, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// PersistenceError reports a failure to upload the final job artifact.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// DatabaseError reports a failed upsert into the relational store. The job
// artifact it refers to has already been uploaded.
type DatabaseError struct {
	Table string
	Err   error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("upsert %s: %v", e.Table, e.Err)
}

func (e *DatabaseError) Unwrap() error { return e.Err }

// IsConfigError reports whether err is a ConfigError.
func IsConfigError(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}

// IsSourceError reports whether err is a SourceError.
func IsSourceError(err error) bool {
	var target *SourceError
	return errors.As(err, &target)
}

// IsPersistenceError reports whether err is a PersistenceError.
func IsPersistenceError(err error) bool {
	var target *PersistenceError
	return errors.As(err, &target)
}

// IsDatabaseError reports whether err is a DatabaseError.
func IsDatabaseError(err error) bool {
	var target *DatabaseError
	return errors.As(err, &target)
}
