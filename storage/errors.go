package storage

import "errors"

// Storage error constants
var (
	// ErrAlertNotFound is returned when an alert is not found
	ErrAlertNotFound = errors.New("alert not found")

	// ErrAuditEntryNotFound is returned when an audit entry is not found
	ErrAuditEntryNotFound = errors.New("audit entry not found")

	// ErrDuplicateAlert is returned when inserting an alert whose ID already exists
	ErrDuplicateAlert = errors.New("alert already exists")

	// ErrDatabaseClosed is returned when attempting to use a closed database connection
	ErrDatabaseClosed = errors.New("database is closed")

	// ErrNotFound is a generic "not found" error
	ErrNotFound = errors.New("not found")
)
