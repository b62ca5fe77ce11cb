package database

import (
	"fmt"
	"strings"

	"github.com/diwise/restless/pkg/schema"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

// DialectFor maps a database/sql driver name to its SQL dialect
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite3", "sqlite":
		return SQLite, nil
	case "pgx", "postgres":
		return Postgres, nil
	default:
		return 0, fmt.Errorf("unsupported database driver %s", driver)
	}
}

func (d Dialect) placeholder(n int) string {
	if d == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (d Dialect) placeholders(from, count int) []string {
	p := make([]string, 0, count)
	for i := 0; i < count; i++ {
		p = append(p, d.placeholder(from+i))
	}
	return p
}

func (d Dialect) columnType(k schema.Kind) string {
	switch k {
	case schema.Integer:
		if d == Postgres {
			return "BIGINT"
		}
		return "INTEGER"
	case schema.Boolean:
		return "BOOLEAN"
	case schema.Date:
		return "DATE"
	case schema.DateTime:
		return "TIMESTAMP"
	case schema.Time:
		return "TIME"
	case schema.Duration:
		if d == Postgres {
			return "DOUBLE PRECISION"
		}
		return "REAL"
	case schema.Decimal:
		return "NUMERIC"
	default:
		return "TEXT"
	}
}

func (d Dialect) primaryKeyColumn(spec schema.AttributeSpec) string {
	if spec.Kind == schema.Integer {
		if d == Postgres {
			return "BIGSERIAL PRIMARY KEY"
		}
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
	return d.columnType(spec.Kind) + " PRIMARY KEY"
}

func quote(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func columnOf(spec schema.AttributeSpec) string {
	if spec.Column != "" {
		return spec.Column
	}
	return spec.Name
}
