package schema

import (
	"fmt"
)

// AttributeSpec describes a single attribute of an entity type
type AttributeSpec struct {
	Name     string
	Kind     Kind
	Nullable bool
	ReadOnly bool
	Unique   bool
	Column   string

	compute func(*Entity) any
}

// Computed returns true if the attribute value is derived from other state
func (a AttributeSpec) Computed() bool {
	return a.compute != nil
}

// Compute evaluates a computed attribute for the given entity
func (a AttributeSpec) Compute(e *Entity) any {
	if a.compute == nil {
		return nil
	}
	return a.compute(e)
}

// Association names the intermediate entity behind an association proxy
// and its two to-one relationships, one pointing back at the owner and one
// at the proxied target
type Association struct {
	Entity string
	Local  string
	Remote string
}

// RelationshipSpec describes a relationship of an entity type
type RelationshipSpec struct {
	Name        string
	Cardinality Cardinality
	Target      string
	Backing     Backing

	// ForeignKey is the local column holding the key of a to-one target
	ForeignKey string
	// Inverse is the to-one relationship on the target that backs a plain
	// to-many relationship
	Inverse string
	// Association is set for association proxy backed relationships
	Association *Association
}

// Descriptor is the immutable description of an entity type
type Descriptor struct {
	name       string
	table      string
	primaryKey string

	attributes    map[string]AttributeSpec
	relationships map[string]RelationshipSpec

	attributeOrder    []string
	relationshipOrder []string
}

type DescriptorDecoratorFunc func(d *Descriptor) error
type AttributeDecoratorFunc func(a *AttributeSpec)
type RelationshipDecoratorFunc func(r *RelationshipSpec)

// New creates a descriptor for the entity type name. The decorators must
// declare a primary key.
func New(name string, decorators ...DescriptorDecoratorFunc) (*Descriptor, error) {
	if name == "" {
		return nil, fmt.Errorf("entity type name must not be empty")
	}

	d := &Descriptor{
		name:          name,
		table:         name,
		attributes:    map[string]AttributeSpec{},
		relationships: map[string]RelationshipSpec{},
	}

	for _, decorator := range decorators {
		if err := decorator(d); err != nil {
			return nil, fmt.Errorf("invalid descriptor for %s: %w", name, err)
		}
	}

	if d.primaryKey == "" {
		return nil, fmt.Errorf("invalid descriptor for %s: no primary key", name)
	}

	return d, nil
}

func (d *Descriptor) Name() string       { return d.name }
func (d *Descriptor) Table() string      { return d.table }
func (d *Descriptor) PrimaryKey() string { return d.primaryKey }

func (d *Descriptor) PrimaryKeySpec() AttributeSpec {
	return d.attributes[d.primaryKey]
}

func (d *Descriptor) Attribute(name string) (AttributeSpec, bool) {
	a, ok := d.attributes[name]
	return a, ok
}

func (d *Descriptor) Relationship(name string) (RelationshipSpec, bool) {
	r, ok := d.relationships[name]
	return r, ok
}

// Attributes returns all attributes in declaration order
func (d *Descriptor) Attributes() []AttributeSpec {
	result := make([]AttributeSpec, 0, len(d.attributeOrder))
	for _, name := range d.attributeOrder {
		result = append(result, d.attributes[name])
	}
	return result
}

// Relationships returns all relationships in declaration order
func (d *Descriptor) Relationships() []RelationshipSpec {
	result := make([]RelationshipSpec, 0, len(d.relationshipOrder))
	for _, name := range d.relationshipOrder {
		result = append(result, d.relationships[name])
	}
	return result
}

func (d *Descriptor) addAttribute(a AttributeSpec) error {
	if a.Name == "" {
		return fmt.Errorf("attribute name must not be empty")
	}

	if _, exists := d.attributes[a.Name]; exists {
		return fmt.Errorf("duplicate attribute %s", a.Name)
	}

	if _, exists := d.relationships[a.Name]; exists {
		return fmt.Errorf("attribute %s collides with a relationship", a.Name)
	}

	if a.Column == "" && !a.Computed() {
		a.Column = a.Name
	}

	d.attributes[a.Name] = a
	d.attributeOrder = append(d.attributeOrder, a.Name)

	return nil
}

func (d *Descriptor) addRelationship(r RelationshipSpec) error {
	if r.Name == "" || r.Name == "id" || r.Name == "type" {
		return fmt.Errorf("invalid relationship name %q", r.Name)
	}

	if r.Target == "" {
		return fmt.Errorf("relationship %s has no target", r.Name)
	}

	if _, exists := d.relationships[r.Name]; exists {
		return fmt.Errorf("duplicate relationship %s", r.Name)
	}

	if _, exists := d.attributes[r.Name]; exists {
		return fmt.Errorf("relationship %s collides with an attribute", r.Name)
	}

	d.relationships[r.Name] = r
	d.relationshipOrder = append(d.relationshipOrder, r.Name)

	return nil
}

func Table(table string) DescriptorDecoratorFunc {
	return func(d *Descriptor) error {
		d.table = table
		return nil
	}
}

func PrimaryKey(name string, kind Kind, decorators ...AttributeDecoratorFunc) DescriptorDecoratorFunc {
	return func(d *Descriptor) error {
		if d.primaryKey != "" {
			return fmt.Errorf("primary key already declared as %s", d.primaryKey)
		}

		a := AttributeSpec{Name: name, Kind: kind}
		for _, decorator := range decorators {
			decorator(&a)
		}
		a.Nullable = false
		a.ReadOnly = false

		if err := d.addAttribute(a); err != nil {
			return err
		}

		d.primaryKey = name
		return nil
	}
}

func Attribute(name string, kind Kind, decorators ...AttributeDecoratorFunc) DescriptorDecoratorFunc {
	return func(d *Descriptor) error {
		a := AttributeSpec{Name: name, Kind: kind, Nullable: true}
		for _, decorator := range decorators {
			decorator(&a)
		}
		return d.addAttribute(a)
	}
}

// Computed declares a read only attribute derived from the entity by fn
func Computed(name string, kind Kind, fn func(*Entity) any) DescriptorDecoratorFunc {
	return func(d *Descriptor) error {
		if fn == nil {
			return fmt.Errorf("computed attribute %s has no function", name)
		}

		return d.addAttribute(AttributeSpec{
			Name:     name,
			Kind:     kind,
			Nullable: true,
			ReadOnly: true,
			compute:  fn,
		})
	}
}

func Nullable() AttributeDecoratorFunc {
	return func(a *AttributeSpec) { a.Nullable = true }
}

func NotNull() AttributeDecoratorFunc {
	return func(a *AttributeSpec) { a.Nullable = false }
}

func Unique() AttributeDecoratorFunc {
	return func(a *AttributeSpec) { a.Unique = true }
}

func ReadOnly() AttributeDecoratorFunc {
	return func(a *AttributeSpec) { a.ReadOnly = true }
}

func Column(column string) AttributeDecoratorFunc {
	return func(a *AttributeSpec) { a.Column = column }
}

func ToOne(name, target string, decorators ...RelationshipDecoratorFunc) DescriptorDecoratorFunc {
	return func(d *Descriptor) error {
		r := RelationshipSpec{
			Name:        name,
			Cardinality: One,
			Target:      target,
			ForeignKey:  name + "_id",
		}
		for _, decorator := range decorators {
			decorator(&r)
		}
		return d.addRelationship(r)
	}
}

func ToMany(name, target string, decorators ...RelationshipDecoratorFunc) DescriptorDecoratorFunc {
	return func(d *Descriptor) error {
		r := RelationshipSpec{
			Name:        name,
			Cardinality: Many,
			Target:      target,
			Backing:     PlainList,
		}
		for _, decorator := range decorators {
			decorator(&r)
		}
		return d.addRelationship(r)
	}
}

// AssociationProxy declares a to-many relationship to target that is stored
// as a collection of through entities, each one pointing back at the owner
// through local and at the target through remote
func AssociationProxy(name, target, through, local, remote string) DescriptorDecoratorFunc {
	return func(d *Descriptor) error {
		return d.addRelationship(RelationshipSpec{
			Name:        name,
			Cardinality: Many,
			Target:      target,
			Backing:     AssociationBacked,
			Association: &Association{Entity: through, Local: local, Remote: remote},
		})
	}
}

func ForeignKey(column string) RelationshipDecoratorFunc {
	return func(r *RelationshipSpec) { r.ForeignKey = column }
}

func Inverse(relationship string) RelationshipDecoratorFunc {
	return func(r *RelationshipSpec) { r.Inverse = relationship }
}
