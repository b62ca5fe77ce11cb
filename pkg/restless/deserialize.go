package restless

import (
	"context"
	"fmt"

	"github.com/diwise/restless/pkg/jsonapi"
	apierrors "github.com/diwise/restless/pkg/jsonapi/errors"
	"github.com/diwise/restless/pkg/schema"
	"github.com/diwise/restless/pkg/storage"
)

// typeResolver maps a resource type name, either an entity type or a
// registered collection name, to the entity type it denotes
type typeResolver func(name string) (string, bool)

type deserializer struct {
	descriptor *schema.Descriptor
	collection string
	registry   *schema.Registry
	session    storage.Session
	resolve    typeResolver
}

// NewDeserializer returns the deserializer used by default for an entity
// type exposed under collection. Related resources are looked up in session.
func NewDeserializer(registry *schema.Registry, session storage.Session, entityType, collection string) (Deserializer, error) {
	d, ok := registry.Get(entityType)
	if !ok {
		return nil, fmt.Errorf("entity type %s is not registered", entityType)
	}

	return &deserializer{
		descriptor: d,
		collection: collection,
		registry:   registry,
		session:    session,
		resolve: func(name string) (string, bool) {
			_, ok := registry.Get(name)
			return name, ok
		},
	}, nil
}

func (d *deserializer) Deserialize(ctx context.Context, document *jsonapi.Document) (*schema.Entity, error) {
	if document == nil || document.Data == nil {
		return nil, apierrors.NewMalformedRequestError("missing data")
	}

	data := document.Data

	if data.Type != d.collection {
		return nil, apierrors.NewMalformedRequestError(fmt.Sprintf("resource type %q does not match collection %s", data.Type, d.collection))
	}

	entity := schema.NewEntity(d.descriptor)

	for name, value := range data.Attributes {
		spec, ok := d.descriptor.Attribute(name)
		if !ok {
			return nil, apierrors.NewUnknownAttributeError(fmt.Sprintf("%s has no attribute %s", d.collection, name))
		}

		if spec.ReadOnly {
			return nil, apierrors.NewReadOnlyAttributeError(fmt.Sprintf("cannot set computed attribute %s", name))
		}

		v, err := coerce(spec, value)
		if err != nil {
			return nil, err
		}

		if name == d.descriptor.PrimaryKey() {
			entity.SetPrimaryKey(v)
			continue
		}

		if err = entity.Set(name, v); err != nil {
			return nil, apierrors.NewMalformedRequestError(err.Error())
		}
	}

	if data.ID != "" {
		id, err := coerceID(d.descriptor.PrimaryKeySpec(), data.ID.String())
		if err != nil {
			return nil, err
		}
		entity.SetPrimaryKey(id)
	}

	for name, relationship := range data.Relationships {
		spec, ok := d.descriptor.Relationship(name)
		if !ok {
			return nil, apierrors.NewUnknownAttributeError(fmt.Sprintf("%s has no relationship %s", d.collection, name))
		}

		if err := d.link(ctx, entity, spec, relationship); err != nil {
			return nil, err
		}
	}

	return entity, nil
}

func (d *deserializer) link(ctx context.Context, entity *schema.Entity, spec schema.RelationshipSpec, relationship *jsonapi.Relationship) error {
	if relationship == nil || !relationship.Data.Present() {
		return apierrors.NewRelationshipResolutionError(fmt.Sprintf("relationship %s is missing its data member", spec.Name))
	}

	linkage := relationship.Data

	if spec.Cardinality == schema.One {
		if linkage.IsMany() {
			return apierrors.NewRelationshipResolutionError(fmt.Sprintf("to-one relationship %s must not be given an array", spec.Name))
		}

		if linkage.IsNull() {
			return entity.SetRelated(spec.Name, nil)
		}

		related, err := d.lookup(ctx, spec, *linkage.One)
		if err != nil {
			return err
		}

		return entity.SetRelated(spec.Name, related)
	}

	if !linkage.IsMany() {
		return apierrors.NewRelationshipResolutionError(fmt.Sprintf("to-many relationship %s must be given an array", spec.Name))
	}

	members := make([]*schema.Entity, 0, len(linkage.Many))
	for _, identifier := range linkage.Many {
		related, err := d.lookup(ctx, spec, identifier)
		if err != nil {
			return err
		}
		members = append(members, related)
	}

	return entity.AddRelated(spec.Name, members...)
}

func (d *deserializer) lookup(ctx context.Context, spec schema.RelationshipSpec, identifier jsonapi.Identifier) (*schema.Entity, error) {
	entityType, ok := d.resolve(identifier.Type)
	if !ok || entityType != spec.Target {
		return nil, apierrors.NewRelationshipResolutionError(fmt.Sprintf("relationship %s can not refer to resources of type %q", spec.Name, identifier.Type))
	}

	target, _ := d.registry.Get(spec.Target)

	id, err := coerceID(target.PrimaryKeySpec(), identifier.ID.String())
	if err != nil {
		return nil, apierrors.NewRelationshipResolutionError(fmt.Sprintf("bad id %q for %s: %s", identifier.ID, identifier.Type, err.Error()))
	}

	related, err := d.session.Get(ctx, target, id)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, apierrors.NewRelationshipResolutionError(fmt.Sprintf("%s with id %s not found", identifier.Type, identifier.ID))
		}
		return nil, apierrors.NewStorageError(fmt.Sprintf("failed to look up %s %s", identifier.Type, identifier.ID), err)
	}

	return related, nil
}
