package sqlite

import (
	"errors"
	"fmt"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const resourceTypeCheck = "csvimport_record_resource_type_check"

// describe prefixes SQLite errors with a readable cause. The driver error
// stays reachable through errors.As.
func describe(err error) error {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return err
	}
	if strings.Contains(se.Error(), resourceTypeCheck) {
		return fmt.Errorf("unsupported resource type: %w", err)
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return fmt.Errorf("duplicate key: %w", err)
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return fmt.Errorf("unknown reference: %w", err)
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return fmt.Errorf("database is locked: %w", err)
	}
	return err
}
