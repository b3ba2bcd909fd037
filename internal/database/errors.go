package database

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Kind tells callers whether retrying can help.
type Kind int

const (
	// Transient failures (unreachable endpoint, server starting up, serialization
	// conflicts) are expected to clear on their own.
	Transient Kind = iota
	// Permanent failures (rejected credentials, missing database, missing privilege)
	// need a change to the Game before a retry can succeed.
	Permanent
)

func (k Kind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "transient"
}

// Error wraps every failure returned by Accessor.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("database %s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a database failure worth retrying with backoff.
func IsTransient(err error) bool {
	var dbErr *Error
	return errors.As(err, &dbErr) && dbErr.Kind == Transient
}

// IsPermanent reports whether err is a database failure that retries cannot fix.
func IsPermanent(err error) bool {
	var dbErr *Error
	return errors.As(err, &dbErr) && dbErr.Kind == Permanent
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var dbErr *Error
	if errors.As(err, &dbErr) {
		return err
	}
	return &Error{Kind: kindOf(err), Op: op, Err: err}
}

// Unknown failures count as transient: a stalled retry is recoverable, a wrongly
// terminal World is not.
func kindOf(err error) Kind {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "28": // invalid_authorization_specification
			return Permanent
		case pqErr.Code == "3D000": // invalid_catalog_name
			return Permanent
		case pqErr.Code == "42501": // insufficient_privilege
			return Permanent
		}
	}
	return Transient
}

// isUndefinedTable matches lib/pq's undefined_table. Other drivers supply their
// own matcher through WithMissingTable.
func isUndefinedTable(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "42P01"
}

// Concurrent CREATE TABLE IF NOT EXISTS can still race on the catalog.
func isDuplicateTable(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "42P07" || pqErr.Code == "23505"
	}
	return false
}
