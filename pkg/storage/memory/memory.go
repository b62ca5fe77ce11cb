package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/diwise/restless/pkg/jsonapi"
	"github.com/diwise/restless/pkg/schema"
	"github.com/diwise/restless/pkg/storage"
)

type table struct {
	rows   map[string]*schema.Entity
	nextID int64
}

// Session is an in-memory unit-of-work that enforces primary key, unique,
// not null and foreign key constraints when committing. Get returns copies
// of the stored entities, so they can be read while others commit.
type Session struct {
	mu       sync.Mutex
	registry *schema.Registry
	tables   map[string]*table
	staged   []*schema.Entity
}

func NewSession(registry *schema.Registry) *Session {
	s := &Session{
		registry: registry,
		tables:   map[string]*table{},
	}

	for _, name := range registry.Names() {
		s.tables[name] = &table{rows: map[string]*schema.Entity{}, nextID: 1}
	}

	return s
}

func (s *Session) Add(_ context.Context, entity *schema.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tables[entity.Type()]; !ok {
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

func (s *Session) Get(_ context.Context, d *schema.Descriptor, id any) (*schema.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[d.Name()]
	if !ok {
		return nil, fmt.Errorf("entity type %s is not registered", d.Name())
	}

	e, ok := t.rows[jsonapi.FormatID(id)]
	if !ok {
		return nil, fmt.Errorf("no %s with id %v: %w", d.Name(), id, storage.ErrNotFound)
	}

	return e.Clone(), nil
}

func (s *Session) Rollback(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.staged = nil
	return nil
}

// Commit validates every staged entity before applying any of them, a
// failed commit leaves the stored state untouched
func (s *Session) Commit(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.staged) == 0 {
		return nil
	}

	staged := s.staged
	for _, e := range staged {
		throughs, err := s.associationsFor(e)
		if err != nil {
			return err
		}
		staged = append(staged, throughs...)
	}

	keys, counters, err := s.assignKeys(staged)
	if err != nil {
		return err
	}

	for _, e := range staged {
		if err := s.validate(e, keys, staged); err != nil {
			return err
		}
	}

	// rows are private copies so that entities held by callers are never
	// changed by later commits
	rows := make([]*schema.Entity, 0, len(staged))
	copies := map[*schema.Entity]*schema.Entity{}

	for _, e := range staged {
		if e.PrimaryKeyValue() == nil {
			e.SetPrimaryKey(keys[e])
		}
		row := e.Clone()
		copies[e] = row
		rows = append(rows, row)
	}

	stored := func(e *schema.Entity) *schema.Entity {
		if row, ok := copies[e]; ok {
			return row
		}
		if row, ok := s.tables[e.Type()].rows[e.ID()]; ok {
			return row
		}
		return e
	}

	for _, row := range rows {
		row.Relink(stored)
		s.tables[row.Type()].rows[row.ID()] = row
	}

	for _, row := range rows {
		s.link(row)
	}

	for entityType, id := range counters {
		s.tables[entityType].nextID = id
	}

	s.staged = nil
	return nil
}

// associationsFor creates the intermediate entities for the association
// proxied relationships of e
func (s *Session) associationsFor(e *schema.Entity) ([]*schema.Entity, error) {
	throughs := []*schema.Entity{}

	for _, rel := range e.Descriptor().Relationships() {
		if rel.Backing != schema.AssociationBacked {
			continue
		}

		members := e.RelatedMany(rel.Name)
		if len(members) == 0 {
			continue
		}

		through, _ := s.registry.Get(rel.Association.Entity)

		for _, m := range members {
			a := schema.NewEntity(through)
			if err := a.SetRelated(rel.Association.Local, e); err != nil {
				return nil, err
			}
			if err := a.SetRelated(rel.Association.Remote, m); err != nil {
				return nil, err
			}
			throughs = append(throughs, a)
		}
	}

	return throughs, nil
}

func (s *Session) assignKeys(staged []*schema.Entity) (map[*schema.Entity]any, map[string]int64, error) {
	keys := map[*schema.Entity]any{}
	next := map[string]int64{}

	for _, e := range staged {
		if e.PrimaryKeyValue() == nil {
			continue
		}

		keys[e] = e.PrimaryKeyValue()
		if id, ok := e.PrimaryKeyValue().(int64); ok && id >= s.nextID(e.Type(), next) {
			next[e.Type()] = id + 1
		}
	}

	for _, e := range staged {
		if e.PrimaryKeyValue() != nil {
			continue
		}

		d := e.Descriptor()
		if d.PrimaryKeySpec().Kind != schema.Integer {
			return nil, nil, storage.NewIntegrityError("not null", fmt.Sprintf("%s.%s is required", d.Name(), d.PrimaryKey()), nil)
		}

		id := s.nextID(e.Type(), next)
		next[e.Type()] = id + 1
		keys[e] = id
	}

	return keys, next, nil
}

// nextID returns the lowest free autoincrement key at or above the counter
func (s *Session) nextID(entityType string, pending map[string]int64) int64 {
	if id, ok := pending[entityType]; ok {
		return id
	}

	t := s.tables[entityType]
	id := t.nextID
	for {
		if _, taken := t.rows[jsonapi.FormatID(id)]; !taken {
			return id
		}
		id++
	}
}

func (s *Session) validate(e *schema.Entity, keys map[*schema.Entity]any, staged []*schema.Entity) error {
	d := e.Descriptor()
	id := jsonapi.FormatID(keys[e])
	rows := s.tables[d.Name()].rows

	if existing, taken := rows[id]; taken && existing != e {
		return storage.NewIntegrityError("primary key", fmt.Sprintf("%s with id %s already exists", d.Name(), id), nil)
	}

	for _, other := range staged {
		if other != e && other.Type() == e.Type() && jsonapi.FormatID(keys[other]) == id {
			return storage.NewIntegrityError("primary key", fmt.Sprintf("%s with id %s added twice", d.Name(), id), nil)
		}
	}

	for _, spec := range d.Attributes() {
		if spec.Computed() || spec.Name == d.PrimaryKey() {
			continue
		}

		value, _ := e.Get(spec.Name)

		if value == nil {
			if !spec.Nullable {
				return storage.NewIntegrityError("not null", fmt.Sprintf("%s.%s must not be null", d.Name(), spec.Name), nil)
			}
			continue
		}

		if !spec.Unique {
			continue
		}

		for _, candidate := range candidates(rows, staged, d.Name()) {
			if candidate == e {
				continue
			}
			other, _ := candidate.Get(spec.Name)
			if other != nil && equalValues(other, value) {
				return storage.NewIntegrityError("unique", fmt.Sprintf("%s.%s %v already exists", d.Name(), spec.Name, value), nil)
			}
		}
	}

	for _, rel := range d.Relationships() {
		if rel.Cardinality != schema.One {
			continue
		}

		related, ok := e.Related(rel.Name)
		if !ok || related == nil {
			continue
		}

		if !s.isKnown(related, staged) {
			return storage.NewIntegrityError("foreign key", fmt.Sprintf("%s.%s refers to an unsaved %s", d.Name(), rel.Name, related.Type()), nil)
		}
	}

	for _, rel := range d.Relationships() {
		if rel.Cardinality != schema.Many {
			continue
		}

		for _, m := range e.RelatedMany(rel.Name) {
			if !s.isKnown(m, staged) {
				return storage.NewIntegrityError("foreign key", fmt.Sprintf("%s.%s refers to an unsaved %s", d.Name(), rel.Name, m.Type()), nil)
			}
		}
	}

	return nil
}

func (s *Session) isKnown(e *schema.Entity, staged []*schema.Entity) bool {
	for _, candidate := range staged {
		if candidate == e {
			return true
		}
	}

	_, ok := s.tables[e.Type()].rows[e.ID()]
	return ok
}

// link keeps both sides of foreign key backed relationships consistent
func (s *Session) link(e *schema.Entity) {
	d := e.Descriptor()

	for _, rel := range d.Relationships() {
		switch {
		case rel.Cardinality == schema.One:
			owner, ok := e.Related(rel.Name)
			if !ok || owner == nil {
				continue
			}
			for _, back := range owner.Descriptor().Relationships() {
				if back.Cardinality == schema.Many && back.Backing == schema.PlainList && back.Target == d.Name() && back.Inverse == rel.Name {
					owner.AddRelated(back.Name, e)
				}
			}

		case rel.Backing == schema.PlainList:
			for _, m := range e.RelatedMany(rel.Name) {
				if previous, ok := m.Related(rel.Inverse); ok && previous != nil && previous != e {
					previous.RemoveRelated(rel.Name, m)
				}
				m.SetRelated(rel.Inverse, e)
			}
		}
	}
}

func candidates(rows map[string]*schema.Entity, staged []*schema.Entity, entityType string) []*schema.Entity {
	result := make([]*schema.Entity, 0, len(rows)+len(staged))
	for _, e := range rows {
		result = append(result, e)
	}
	for _, e := range staged {
		if e.Type() == entityType {
			result = append(result, e)
		}
	}
	return result
}

func equalValues(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}

	return fmt.Sprintf("%T:%v", a, a) == fmt.Sprintf("%T:%v", b, b)
}
