package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the sink reacts to.
const (
	codeNotNullViolation    = "23502"
	codeForeignKeyViolation = "23503"
	codeCheckViolation      = "23514"
	codeSerialization       = "40001"
	codeDeadlock            = "40P01"
)

const resourceTypeCheck = "csvimport_record_resource_type_check"

// describe prefixes Postgres errors with a readable cause. The original
// *pgconn.PgError stays reachable through errors.As.
func describe(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeCheckViolation:
		if pgErr.ConstraintName == resourceTypeCheck {
			return fmt.Errorf("unsupported resource type: %w", err)
		}
		return fmt.Errorf("check %s failed: %w", pgErr.ConstraintName, err)
	case codeForeignKeyViolation:
		return fmt.Errorf("unknown reference from %s: %w", pgErr.TableName, err)
	case codeNotNullViolation:
		return fmt.Errorf("missing value for %s: %w", pgErr.ColumnName, err)
	case codeSerialization, codeDeadlock:
		return fmt.Errorf("deadlock or serialization conflict: %w", err)
	}
	return err
}
