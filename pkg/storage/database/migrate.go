package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/diwise/restless/pkg/schema"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

// CreateTables creates a table for every registered entity type that does
// not have one yet. Tables are created after the tables they refer to.
func (s *Session) CreateTables(ctx context.Context) error {
	log := logging.GetFromContext(ctx)

	for _, d := range s.tableOrder() {
		statement := s.createTable(d)

		log.Debug("creating table", "table", d.Table())

		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("failed to create table %s: %w", d.Table(), err)
		}
	}

	return nil
}

func (s *Session) createTable(d *schema.Descriptor) string {
	columns := []string{}

	for _, spec := range d.Attributes() {
		if spec.Computed() {
			continue
		}

		if spec.Name == d.PrimaryKey() {
			columns = append(columns, fmt.Sprintf("%s %s", quote(columnOf(spec)), s.dialect.primaryKeyColumn(spec)))
			continue
		}

		column := fmt.Sprintf("%s %s", quote(columnOf(spec)), s.dialect.columnType(spec.Kind))
		if !spec.Nullable {
			column += " NOT NULL"
		}
		if spec.Unique {
			column += " UNIQUE"
		}
		columns = append(columns, column)
	}

	for _, rel := range d.Relationships() {
		if rel.Cardinality != schema.One {
			continue
		}

		target, _ := s.registry.Get(rel.Target)
		pk := target.PrimaryKeySpec()

		columns = append(columns, fmt.Sprintf(
			"%s %s REFERENCES %s(%s)",
			quote(rel.ForeignKey), s.dialect.columnType(pk.Kind), quote(target.Table()), quote(columnOf(pk)),
		))
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quote(d.Table()), strings.Join(columns, ", "))
}

// tableOrder returns the descriptors with the targets of to-one
// relationships first. Cycles fall back to registration order.
func (s *Session) tableOrder() []*schema.Descriptor {
	names := s.registry.Names()
	done := map[string]bool{}
	ordered := []*schema.Descriptor{}

	var visit func(name string, path map[string]bool)
	visit = func(name string, path map[string]bool) {
		if done[name] || path[name] {
			return
		}
		path[name] = true

		d, _ := s.registry.Get(name)
		for _, rel := range d.Relationships() {
			if rel.Cardinality == schema.One {
				visit(rel.Target, path)
			}
		}

		done[name] = true
		ordered = append(ordered, d)
	}

	for _, name := range names {
		visit(name, map[string]bool{})
	}

	return ordered
}
