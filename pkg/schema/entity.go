package schema

import (
	"fmt"

	"github.com/diwise/restless/pkg/jsonapi"
)

// Entity is an instance of an entity type. It is not safe for concurrent
// mutation.
type Entity struct {
	descriptor *Descriptor

	attributes map[string]any
	toOne      map[string]*Entity
	toMany     map[string][]*Entity
}

func NewEntity(d *Descriptor) *Entity {
	return &Entity{
		descriptor: d,
		attributes: map[string]any{},
		toOne:      map[string]*Entity{},
		toMany:     map[string][]*Entity{},
	}
}

func (e *Entity) Descriptor() *Descriptor {
	return e.descriptor
}

func (e *Entity) Type() string {
	return e.descriptor.Name()
}

// ID returns the string form of the primary key, or an empty string if the
// key has not been assigned yet
func (e *Entity) ID() string {
	return jsonapi.FormatID(e.attributes[e.descriptor.PrimaryKey()])
}

func (e *Entity) PrimaryKeyValue() any {
	return e.attributes[e.descriptor.PrimaryKey()]
}

func (e *Entity) SetPrimaryKey(value any) {
	e.attributes[e.descriptor.PrimaryKey()] = value
}

// Get returns the value of an attribute, evaluating computed attributes
func (e *Entity) Get(name string) (any, bool) {
	spec, ok := e.descriptor.Attribute(name)
	if !ok {
		return nil, false
	}

	if spec.Computed() {
		return spec.Compute(e), true
	}

	v, ok := e.attributes[name]
	return v, ok
}

// Set assigns an attribute value. Read only attributes can not be set.
func (e *Entity) Set(name string, value any) error {
	spec, ok := e.descriptor.Attribute(name)
	if !ok {
		return fmt.Errorf("%s has no attribute %s", e.Type(), name)
	}

	if spec.ReadOnly {
		return fmt.Errorf("attribute %s of %s is read only", name, e.Type())
	}

	e.attributes[name] = value
	return nil
}

// Load assigns a stored attribute value, bypassing the read only check.
// It is meant for storage implementations restoring persisted state.
func (e *Entity) Load(name string, value any) error {
	spec, ok := e.descriptor.Attribute(name)
	if !ok || spec.Computed() {
		return fmt.Errorf("%s has no stored attribute %s", e.Type(), name)
	}

	e.attributes[name] = value
	return nil
}

// IsSet reports whether a stored attribute has been assigned, nil included
func (e *Entity) IsSet(name string) bool {
	_, ok := e.attributes[name]
	return ok
}

func (e *Entity) Related(name string) (*Entity, bool) {
	r, ok := e.toOne[name]
	return r, ok
}

func (e *Entity) SetRelated(name string, related *Entity) error {
	spec, ok := e.descriptor.Relationship(name)
	if !ok || spec.Cardinality != One {
		return fmt.Errorf("%s has no to-one relationship %s", e.Type(), name)
	}

	if related != nil && related.Type() != spec.Target {
		return fmt.Errorf("relationship %s of %s can not refer to %s", name, e.Type(), related.Type())
	}

	e.toOne[name] = related
	return nil
}

func (e *Entity) RelatedMany(name string) []*Entity {
	return e.toMany[name]
}

// AddRelated appends members to a to-many relationship
func (e *Entity) AddRelated(name string, members ...*Entity) error {
	spec, ok := e.descriptor.Relationship(name)
	if !ok || spec.Cardinality != Many {
		return fmt.Errorf("%s has no to-many relationship %s", e.Type(), name)
	}

	if _, ok := e.toMany[name]; !ok {
		e.toMany[name] = []*Entity{}
	}

	for _, m := range members {
		if m == nil || m.Type() != spec.Target {
			return fmt.Errorf("relationship %s of %s only accepts %s", name, e.Type(), spec.Target)
		}

		if !containsEntity(e.toMany[name], m) {
			e.toMany[name] = append(e.toMany[name], m)
		}
	}

	return nil
}

// RemoveRelated drops a member from a to-many relationship if present
func (e *Entity) RemoveRelated(name string, member *Entity) {
	members := e.toMany[name]
	for i := range members {
		if members[i] == member {
			e.toMany[name] = append(members[:i:i], members[i+1:]...)
			return
		}
	}
}

// Clone returns a copy of e that shares no maps or slices with it. Related
// entities are not copied.
func (e *Entity) Clone() *Entity {
	c := NewEntity(e.descriptor)

	for name, v := range e.attributes {
		c.attributes[name] = v
	}
	for name, related := range e.toOne {
		c.toOne[name] = related
	}
	for name, members := range e.toMany {
		c.toMany[name] = append([]*Entity{}, members...)
	}

	return c
}

// Relink replaces every related entity with the one returned by resolve
func (e *Entity) Relink(resolve func(*Entity) *Entity) {
	for name, related := range e.toOne {
		if related != nil {
			e.toOne[name] = resolve(related)
		}
	}
	for name, members := range e.toMany {
		for i, m := range members {
			members[i] = resolve(m)
		}
		e.toMany[name] = members
	}
}

// ForEachAttribute calls callback for every attribute in declaration order
func (e *Entity) ForEachAttribute(callback func(spec AttributeSpec, value any)) {
	for _, spec := range e.descriptor.Attributes() {
		v, _ := e.Get(spec.Name)
		callback(spec, v)
	}
}

func (e *Entity) String() string {
	return fmt.Sprintf("%s(%s)", e.Type(), e.ID())
}

func containsEntity(members []*Entity, m *Entity) bool {
	for _, existing := range members {
		if existing == m {
			return true
		}
	}
	return false
}
