package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/diwise/restless/pkg/storage"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// convertDBError turns driver specific constraint failures into storage
// integrity errors. Other errors are returned unchanged.
func convertDBError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, err.Error())
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return storage.NewIntegrityError(sqliteConstraint(sqliteErr.ExtendedCode), sqliteErr.Error(), err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		detail := pgErr.Detail
		if detail == "" {
			detail = pgErr.Message
		}
		return storage.NewIntegrityError(postgresConstraint(pgErr.Code), detail, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == "23" {
		detail := pqErr.Detail
		if detail == "" {
			detail = pqErr.Message
		}
		return storage.NewIntegrityError(postgresConstraint(string(pqErr.Code)), detail, err)
	}

	return err
}

func sqliteConstraint(code sqlite3.ErrNoExtended) string {
	switch code {
	case sqlite3.ErrConstraintUnique:
		return "unique"
	case sqlite3.ErrConstraintPrimaryKey:
		return "primary key"
	case sqlite3.ErrConstraintNotNull:
		return "not null"
	case sqlite3.ErrConstraintForeignKey:
		return "foreign key"
	case sqlite3.ErrConstraintCheck:
		return "check"
	default:
		return ""
	}
}

func postgresConstraint(code string) string {
	switch code {
	case "23505":
		return "unique"
	case "23503":
		return "foreign key"
	case "23514":
		return "check"
	case "23502":
		return "not null"
	default:
		return ""
	}
}
