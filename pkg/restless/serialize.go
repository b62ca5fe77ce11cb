package restless

import (
	"context"
	"fmt"

	"github.com/diwise/restless/pkg/jsonapi"
	"github.com/diwise/restless/pkg/schema"
)

type serializer struct {
	collection string
}

// NewSerializer returns the default serializer for resources exposed under
// collection. Custom serializers can use it as a starting point.
func NewSerializer(collection string) Serializer {
	return &serializer{collection: collection}
}

func (s *serializer) Serialize(_ context.Context, entity *schema.Entity) (*jsonapi.Resource, error) {
	if entity == nil {
		return nil, fmt.Errorf("nothing to serialize")
	}

	d := entity.Descriptor()
	resource := jsonapi.NewResource(s.collection, entity.ID())

	for _, spec := range d.Attributes() {
		if spec.Name == "id" || spec.Name == "type" {
			continue
		}

		value, _ := entity.Get(spec.Name)

		rendered, err := render(spec.Kind, value)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", spec.Name, err)
		}

		resource.Attributes[spec.Name] = rendered
	}

	for _, spec := range d.Relationships() {
		var linkage jsonapi.Linkage

		if spec.Cardinality == schema.One {
			var identifier *jsonapi.Identifier
			if related, ok := entity.Related(spec.Name); ok && related != nil {
				i := jsonapi.NewIdentifier(related.Type(), related.ID())
				identifier = &i
			}
			linkage = jsonapi.NewToOneLinkage(identifier)
		} else {
			members := entity.RelatedMany(spec.Name)
			identifiers := make([]jsonapi.Identifier, 0, len(members))
			for _, m := range members {
				identifiers = append(identifiers, jsonapi.NewIdentifier(m.Type(), m.ID()))
			}
			linkage = jsonapi.NewToManyLinkage(identifiers)
		}

		resource.Relationships[spec.Name] = &jsonapi.Relationship{Data: linkage}
	}

	return resource, nil
}
