package schema

import (
	"fmt"
	"sort"
)

// Registry is a validated set of descriptors. It is read only once created
// and therefore safe for concurrent use.
type Registry struct {
	descriptors map[string]*Descriptor
}

func NewRegistry(descriptors ...*Descriptor) (*Registry, error) {
	r := &Registry{descriptors: map[string]*Descriptor{}}

	for _, d := range descriptors {
		if d == nil {
			return nil, fmt.Errorf("nil descriptor")
		}

		if _, exists := r.descriptors[d.Name()]; exists {
			return nil, fmt.Errorf("entity type %s registered twice", d.Name())
		}

		r.descriptors[d.Name()] = d
	}

	for _, d := range descriptors {
		for _, rel := range d.Relationships() {
			if err := r.validateRelationship(d, rel); err != nil {
				return nil, fmt.Errorf("%s.%s: %w", d.Name(), rel.Name, err)
			}
		}
	}

	return r, nil
}

func (r *Registry) validateRelationship(d *Descriptor, rel RelationshipSpec) error {
	target, ok := r.descriptors[rel.Target]
	if !ok {
		return fmt.Errorf("unknown target %s", rel.Target)
	}

	if rel.Cardinality == One {
		if rel.ForeignKey == "" {
			return fmt.Errorf("to-one relationship without foreign key")
		}
		return nil
	}

	if rel.Backing == AssociationBacked {
		if rel.Association == nil {
			return fmt.Errorf("association proxy without association")
		}

		through, ok := r.descriptors[rel.Association.Entity]
		if !ok {
			return fmt.Errorf("unknown association entity %s", rel.Association.Entity)
		}

		local, ok := through.Relationship(rel.Association.Local)
		if !ok || local.Cardinality != One || local.Target != d.Name() {
			return fmt.Errorf("%s.%s must be a to-one relationship to %s", through.Name(), rel.Association.Local, d.Name())
		}

		remote, ok := through.Relationship(rel.Association.Remote)
		if !ok || remote.Cardinality != One || remote.Target != target.Name() {
			return fmt.Errorf("%s.%s must be a to-one relationship to %s", through.Name(), rel.Association.Remote, target.Name())
		}

		return nil
	}

	if rel.Inverse == "" {
		return fmt.Errorf("to-many relationship without inverse")
	}

	inverse, ok := target.Relationship(rel.Inverse)
	if !ok || inverse.Cardinality != One || inverse.Target != d.Name() {
		return fmt.Errorf("%s.%s must be a to-one relationship to %s", target.Name(), rel.Inverse, d.Name())
	}

	return nil
}

func (r *Registry) Get(name string) (*Descriptor, bool) {
	d, ok := r.descriptors[name]
	return d, ok
}

// Names returns the registered entity type names in sorted order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
