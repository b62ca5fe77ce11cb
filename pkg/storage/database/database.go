package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/diwise/restless/pkg/schema"
	"github.com/diwise/restless/pkg/storage"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
)

// Session is a unit-of-work on top of a SQL database. Added entities are
// written in a single transaction when Commit is called.
type Session struct {
	mu       sync.Mutex
	db       *sql.DB
	dialect  Dialect
	registry *schema.Registry
	staged   []*schema.Entity
}

// Open connects to the database identified by driver and dsn. Supported
// drivers are sqlite3, pgx and postgres.
func Open(ctx context.Context, driver, dsn string, registry *schema.Registry) (*Session, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}

	if dialect == SQLite {
		driver = "sqlite3"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == SQLite {
		// every sqlite connection to an in memory dsn is a database of its own
		db.SetMaxOpenConns(1)
	}

	if err = db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return NewSession(db, dialect, registry), nil
}

func NewSession(db *sql.DB, dialect Dialect, registry *schema.Registry) *Session {
	return &Session{db: db, dialect: dialect, registry: registry}
}

func (s *Session) Close() error {
	return s.db.Close()
}

func (s *Session) Add(_ context.Context, entity *schema.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.registry.Get(entity.Type()); !ok {
		return fmt.Errorf("entity type %s is not registered", entity.Type())
	}

	for _, e := range s.staged {
		if e == entity {
			return nil
		}
	}

	s.staged = append(s.staged, entity)
	return nil
}

func (s *Session) Rollback(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.staged = nil
	return nil
}

func (s *Session) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.staged) == 0 {
		return nil
	}

	ordered, err := insertOrder(s.staged)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	keys := map[*schema.Entity]any{}

	for _, e := range ordered {
		id, err := s.insert(ctx, tx, e, keys)
		if err != nil {
			return err
		}
		keys[e] = id
	}

	for _, e := range ordered {
		if err := s.linkMembers(ctx, tx, e, keys); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return convertDBError(fmt.Errorf("failed to commit transaction: %w", err))
	}

	for e, id := range keys {
		e.SetPrimaryKey(id)
	}

	s.staged = nil
	return nil
}

func keyOf(e *schema.Entity, keys map[*schema.Entity]any) (any, bool) {
	if id, ok := keys[e]; ok {
		return id, true
	}
	id := e.PrimaryKeyValue()
	return id, id != nil
}

func (s *Session) insert(ctx context.Context, tx *sql.Tx, e *schema.Entity, keys map[*schema.Entity]any) (any, error) {
	d := e.Descriptor()
	pk := d.PrimaryKeySpec()

	columns := []string{}
	values := []any{}

	for _, spec := range d.Attributes() {
		if spec.Computed() || !e.IsSet(spec.Name) {
			continue
		}

		v, _ := e.Get(spec.Name)
		if spec.Name == d.PrimaryKey() && v == nil {
			continue
		}

		cv, err := toColumn(spec.Kind, v)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", d.Name(), spec.Name, err)
		}

		columns = append(columns, quote(columnOf(spec)))
		values = append(values, cv)
	}

	for _, rel := range d.Relationships() {
		if rel.Cardinality != schema.One {
			continue
		}

		related, ok := e.Related(rel.Name)
		if !ok {
			continue
		}

		var fk any
		if related != nil {
			id, ok := keyOf(related, keys)
			if !ok {
				return nil, storage.NewIntegrityError("foreign key", fmt.Sprintf("%s.%s refers to an unsaved %s", d.Name(), rel.Name, related.Type()), nil)
			}
			target, _ := s.registry.Get(related.Type())
			fk, _ = toColumn(target.PrimaryKeySpec().Kind, id)
		}

		columns = append(columns, quote(rel.ForeignKey))
		values = append(values, fk)
	}

	var query string
	if len(columns) == 0 {
		query = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING %s", quote(d.Table()), quote(columnOf(pk)))
	} else {
		query = fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
			quote(d.Table()),
			strings.Join(columns, ", "),
			strings.Join(s.dialect.placeholders(1, len(values)), ", "),
			quote(columnOf(pk)),
		)
	}

	var returned any
	if err := tx.QueryRowContext(ctx, query, values...).Scan(&returned); err != nil {
		logging.GetFromContext(ctx).Debug("insert failed", "table", d.Table(), "err", err.Error())
		return nil, convertDBError(err)
	}

	return fromColumn(pk.Kind, returned)
}

// linkMembers writes the to-many relationships of e, either by pointing the
// inverse foreign key of each member at e or by inserting one row per member
// into the association table
func (s *Session) linkMembers(ctx context.Context, tx *sql.Tx, e *schema.Entity, keys map[*schema.Entity]any) error {
	d := e.Descriptor()
	ownerID, _ := keyOf(e, keys)
	owner, _ := toColumn(d.PrimaryKeySpec().Kind, ownerID)

	for _, rel := range d.Relationships() {
		if rel.Cardinality != schema.Many {
			continue
		}

		target, _ := s.registry.Get(rel.Target)

		for _, m := range e.RelatedMany(rel.Name) {
			memberID, ok := keyOf(m, keys)
			if !ok {
				return storage.NewIntegrityError("foreign key", fmt.Sprintf("%s.%s refers to an unsaved %s", d.Name(), rel.Name, m.Type()), nil)
			}
			member, _ := toColumn(target.PrimaryKeySpec().Kind, memberID)

			var query string

			if rel.Backing == schema.PlainList {
				inverse, _ := target.Relationship(rel.Inverse)
				query = fmt.Sprintf(
					"UPDATE %s SET %s = %s WHERE %s = %s",
					quote(target.Table()), quote(inverse.ForeignKey), s.dialect.placeholder(1),
					quote(columnOf(target.PrimaryKeySpec())), s.dialect.placeholder(2),
				)
			} else {
				through, _ := s.registry.Get(rel.Association.Entity)
				local, _ := through.Relationship(rel.Association.Local)
				remote, _ := through.Relationship(rel.Association.Remote)
				query = fmt.Sprintf(
					"INSERT INTO %s (%s, %s) VALUES (%s)",
					quote(through.Table()), quote(local.ForeignKey), quote(remote.ForeignKey),
					strings.Join(s.dialect.placeholders(1, 2), ", "),
				)
			}

			if _, err := tx.ExecContext(ctx, query, owner, member); err != nil {
				return convertDBError(err)
			}
		}
	}

	return nil
}

func (s *Session) Get(ctx context.Context, d *schema.Descriptor, id any) (*schema.Entity, error) {
	pk := d.PrimaryKeySpec()

	key, err := toColumn(pk.Kind, id)
	if err != nil {
		return nil, fmt.Errorf("bad key for %s: %w", d.Name(), err)
	}

	columns := []string{}
	kinds := []schema.Kind{}
	targets := []string{}

	for _, spec := range d.Attributes() {
		if spec.Computed() {
			continue
		}
		columns = append(columns, quote(columnOf(spec)))
		kinds = append(kinds, spec.Kind)
		targets = append(targets, spec.Name)
	}

	toOne := []schema.RelationshipSpec{}
	for _, rel := range d.Relationships() {
		if rel.Cardinality == schema.One {
			columns = append(columns, quote(rel.ForeignKey))
			toOne = append(toOne, rel)
		}
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s = %s",
		strings.Join(columns, ", "), quote(d.Table()), quote(columnOf(pk)), s.dialect.placeholder(1),
	)

	raw := make([]any, len(columns))
	dest := make([]any, len(columns))
	for i := range raw {
		dest[i] = &raw[i]
	}

	if err := s.db.QueryRowContext(ctx, query, key).Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no %s with id %v: %w", d.Name(), id, storage.ErrNotFound)
		}
		return nil, err
	}

	e := schema.NewEntity(d)

	for i, name := range targets {
		v, err := fromColumn(kinds[i], raw[i])
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", d.Name(), name, err)
		}

		e.Load(name, v)
	}

	for i, rel := range toOne {
		stub, err := s.stub(rel.Target, raw[len(targets)+i])
		if err != nil {
			return nil, err
		}
		e.SetRelated(rel.Name, stub)
	}

	for _, rel := range d.Relationships() {
		if rel.Cardinality != schema.Many {
			continue
		}

		members, err := s.members(ctx, d, rel, key)
		if err != nil {
			return nil, err
		}

		if err = e.AddRelated(rel.Name, members...); err != nil {
			return nil, err
		}
	}

	return e, nil
}

func (s *Session) members(ctx context.Context, d *schema.Descriptor, rel schema.RelationshipSpec, key any) ([]*schema.Entity, error) {
	target, _ := s.registry.Get(rel.Target)

	var query string
	if rel.Backing == schema.PlainList {
		inverse, _ := target.Relationship(rel.Inverse)
		query = fmt.Sprintf(
			"SELECT %s FROM %s WHERE %s = %s ORDER BY 1",
			quote(columnOf(target.PrimaryKeySpec())), quote(target.Table()), quote(inverse.ForeignKey), s.dialect.placeholder(1),
		)
	} else {
		through, _ := s.registry.Get(rel.Association.Entity)
		local, _ := through.Relationship(rel.Association.Local)
		remote, _ := through.Relationship(rel.Association.Remote)
		query = fmt.Sprintf(
			"SELECT %s FROM %s WHERE %s = %s ORDER BY %s",
			quote(remote.ForeignKey), quote(through.Table()), quote(local.ForeignKey), s.dialect.placeholder(1),
			quote(columnOf(through.PrimaryKeySpec())),
		)
	}

	rows, err := s.db.QueryContext(ctx, query, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s.%s: %w", d.Name(), rel.Name, err)
	}
	defer rows.Close()

	members := []*schema.Entity{}
	for rows.Next() {
		var raw any
		if err = rows.Scan(&raw); err != nil {
			return nil, err
		}

		m, err := s.stub(rel.Target, raw)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}

	return members, rows.Err()
}

// stub creates an entity that only carries its primary key, enough to build
// resource linkage
func (s *Session) stub(entityType string, raw any) (*schema.Entity, error) {
	if raw == nil {
		return nil, nil
	}

	d, _ := s.registry.Get(entityType)
	id, err := fromColumn(d.PrimaryKeySpec().Kind, raw)
	if err != nil {
		return nil, fmt.Errorf("bad key for %s: %w", entityType, err)
	}

	e := schema.NewEntity(d)
	e.SetPrimaryKey(id)
	return e, nil
}

// insertOrder sorts staged entities so that the targets of to-one
// relationships are inserted before the entities that refer to them
func insertOrder(staged []*schema.Entity) ([]*schema.Entity, error) {
	pending := map[*schema.Entity]bool{}
	for _, e := range staged {
		pending[e] = true
	}

	ordered := make([]*schema.Entity, 0, len(staged))

	for len(ordered) < len(staged) {
		progress := false

		for _, e := range staged {
			if !pending[e] || !dependenciesDone(e, pending) {
				continue
			}
			ordered = append(ordered, e)
			delete(pending, e)
			progress = true
		}

		if !progress {
			return nil, fmt.Errorf("circular to-one relationships between staged entities")
		}
	}

	return ordered, nil
}

func dependenciesDone(e *schema.Entity, pending map[*schema.Entity]bool) bool {
	for _, rel := range e.Descriptor().Relationships() {
		if rel.Cardinality != schema.One {
			continue
		}
		if related, ok := e.Related(rel.Name); ok && related != nil && related != e && pending[related] {
			return false
		}
	}
	return true
}
