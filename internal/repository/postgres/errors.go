package postgres

import "errors"

var (
	// ErrInvalidTable is returned for table names that are not plain identifiers.
	ErrInvalidTable = errors.New("postgres: invalid table name")
	// ErrRecordNotFound is returned when a commit matches no row.
	ErrRecordNotFound = errors.New("postgres: record not found")
)
