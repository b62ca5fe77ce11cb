package restless

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/diwise/restless/pkg/jsonapi"
	apierrors "github.com/diwise/restless/pkg/jsonapi/errors"
	"github.com/diwise/restless/pkg/schema"
)

// Preprocessor is invoked with the parsed request document before it is
// deserialized and may modify it
type Preprocessor interface {
	Process(ctx context.Context, document *jsonapi.Document) error
}

type PreprocessorFunc func(ctx context.Context, document *jsonapi.Document) error

func (f PreprocessorFunc) Process(ctx context.Context, document *jsonapi.Document) error {
	return f(ctx, document)
}

// Postprocessor is invoked with the response body before it is written and
// may modify it. The resource object is found under the "data" key.
type Postprocessor interface {
	Process(ctx context.Context, result map[string]any) error
}

type PostprocessorFunc func(ctx context.Context, result map[string]any) error

func (f PostprocessorFunc) Process(ctx context.Context, result map[string]any) error {
	return f(ctx, result)
}

type Serializer interface {
	Serialize(ctx context.Context, entity *schema.Entity) (*jsonapi.Resource, error)
}

type SerializerFunc func(ctx context.Context, entity *schema.Entity) (*jsonapi.Resource, error)

func (f SerializerFunc) Serialize(ctx context.Context, entity *schema.Entity) (*jsonapi.Resource, error) {
	return f(ctx, entity)
}

type Deserializer interface {
	Deserialize(ctx context.Context, document *jsonapi.Document) (*schema.Entity, error)
}

type DeserializerFunc func(ctx context.Context, document *jsonapi.Document) (*schema.Entity, error)

func (f DeserializerFunc) Deserialize(ctx context.Context, document *jsonapi.Document) (*schema.Entity, error) {
	return f(ctx, document)
}

// NewProcessingError lets a processor abort the request with a status code
// of its own choosing
func NewProcessingError(status int, detail string) error {
	return apierrors.NewStatusError(status, detail)
}

type resourceIDContextKey struct{}

// ResourceIDFromContext returns the id from the request path of a single
// resource request, or an empty string
func ResourceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(resourceIDContextKey{}).(string)
	return id
}

func withResourceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, resourceIDContextKey{}, id)
}

func safeSerialize(ctx context.Context, s Serializer, entity *schema.Entity) (resource *jsonapi.Resource, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("serializer panicked: %v\n%s", r, debug.Stack())
		}
	}()

	resource, err = s.Serialize(ctx, entity)
	if err == nil && resource == nil {
		err = fmt.Errorf("serializer returned no resource")
	}

	return
}

func safeDeserialize(ctx context.Context, d Deserializer, document *jsonapi.Document) (entity *schema.Entity, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deserializer panicked: %v\n%s", r, debug.Stack())
		}
	}()

	entity, err = d.Deserialize(ctx, document)
	if err == nil && entity == nil {
		err = fmt.Errorf("deserializer returned no entity")
	}

	return
}
