package restless

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"

	"github.com/diwise/restless/pkg/jsonapi"
	apierrors "github.com/diwise/restless/pkg/jsonapi/errors"
	"github.com/diwise/restless/pkg/schema"
	"github.com/diwise/restless/pkg/storage"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("restless/api")

const TraceAttributeCollection string = "jsonapi-collection"

// API exposes one entity type as a JSON:API collection
type API struct {
	descriptor *schema.Descriptor
	collection string
	urlPrefix  string
	methods    []string
	session    storage.Session

	serializer         Serializer
	customSerializer   bool
	deserializer       Deserializer
	customDeserializer bool

	preprocessors  map[string][]Preprocessor
	postprocessors map[string][]Postprocessor
	middleware     []func(http.Handler) http.Handler

	storageErrorStatus int
}

func (api *API) Collection() string {
	return api.collection
}

// Path is the URL path of the collection, prefix included
func (api *API) Path() string {
	return api.urlPrefix + "/" + api.collection
}

func (api *API) Allows(method string) bool {
	return slices.Contains(api.methods, method)
}

// Create runs the creation pipeline for a request with the given headers
// and raw body. It returns the response document and the location of the
// created resource.
func (api *API) Create(ctx context.Context, header http.Header, body []byte) (result map[string]any, location string, err error) {
	ctx, span := tracer.Start(ctx, "create-resource",
		trace.WithAttributes(attribute.String(TraceAttributeCollection, api.collection)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if err = Negotiate(header); err != nil {
		return nil, "", err
	}

	document, err := decodeDocument(body)
	if err != nil {
		return nil, "", err
	}

	for _, p := range api.preprocessors[http.MethodPost] {
		if err = p.Process(ctx, document); err != nil {
			return nil, "", asRequestError(err)
		}
	}

	entity, err := api.deserialize(ctx, document)
	if err != nil {
		return nil, "", err
	}

	if err = api.commit(ctx, entity); err != nil {
		return nil, "", err
	}

	resource, err := api.serialize(ctx, entity)
	if err != nil {
		return nil, "", err
	}

	result = map[string]any{"data": resource}

	for _, p := range api.postprocessors[http.MethodPost] {
		if err = p.Process(ctx, result); err != nil {
			return nil, "", asRequestError(err)
		}
	}

	return result, api.Path() + "/" + url.PathEscape(resource.ID.String()), nil
}

// Retrieve loads and serializes a single resource
func (api *API) Retrieve(ctx context.Context, id string) (result map[string]any, err error) {
	ctx, span := tracer.Start(ctx, "retrieve-resource",
		trace.WithAttributes(attribute.String(TraceAttributeCollection, api.collection)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	notFound := apierrors.NewNotFoundError(fmt.Sprintf("no %s with id %s", api.collection, id))

	key, err := coerceID(api.descriptor.PrimaryKeySpec(), id)
	if err != nil {
		return nil, notFound
	}

	ctx = withResourceID(ctx, id)

	for _, p := range api.preprocessors[http.MethodGet] {
		if err = p.Process(ctx, &jsonapi.Document{}); err != nil {
			return nil, asRequestError(err)
		}
	}

	entity, err := api.session.Get(ctx, api.descriptor, key)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, notFound
		}
		return nil, api.storageError(ctx, err)
	}

	resource, err := api.serialize(ctx, entity)
	if err != nil {
		return nil, err
	}

	result = map[string]any{"data": resource}

	for _, p := range api.postprocessors[http.MethodGet] {
		if err = p.Process(ctx, result); err != nil {
			return nil, asRequestError(err)
		}
	}

	return result, nil
}

func decodeDocument(body []byte) (*jsonapi.Document, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, apierrors.NewMalformedRequestError("missing request body")
	}

	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()

	document := &jsonapi.Document{}
	if err := decoder.Decode(document); err != nil {
		return nil, apierrors.NewMalformedRequestError(fmt.Sprintf("unable to decode request payload: %s", err.Error()))
	}

	return document, nil
}

func (api *API) deserialize(ctx context.Context, document *jsonapi.Document) (*schema.Entity, error) {
	if !api.customDeserializer {
		return api.deserializer.Deserialize(ctx, document)
	}

	entity, err := safeDeserialize(ctx, api.deserializer, document)
	if err != nil {
		logging.GetFromContext(ctx).Warn("custom deserializer failed", "err", err.Error())
		return nil, apierrors.NewDeserializationError(err)
	}

	return entity, nil
}

func (api *API) serialize(ctx context.Context, entity *schema.Entity) (*jsonapi.Resource, error) {
	resource, err := safeSerialize(ctx, api.serializer, entity)
	if err != nil {
		logging.GetFromContext(ctx).Warn("serialization failed", "custom", api.customSerializer, "err", err.Error())
		return nil, apierrors.NewSerializationError(err)
	}

	return resource, nil
}

// commit adds entity to the session and commits it. Any failure is followed
// by a rollback so that the session is clean for the next request.
func (api *API) commit(ctx context.Context, entity *schema.Entity) (err error) {
	ctx, span := tracer.Start(ctx, "commit")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	err = api.session.Add(ctx, entity)
	if err == nil {
		err = api.session.Commit(ctx)
	}

	if err == nil {
		return nil
	}

	if rbErr := api.session.Rollback(ctx); rbErr != nil {
		logging.GetFromContext(ctx).Error("rollback failed", "err", rbErr.Error())
	}

	if storage.IsIntegrityViolation(err) {
		return apierrors.NewIntegrityConflictError(err.Error(), err)
	}

	return api.storageError(ctx, err)
}

func (api *API) storageError(ctx context.Context, err error) error {
	logging.GetFromContext(ctx).Error("storage failure", "collection", api.collection, "err", err.Error())

	storageErr := apierrors.NewStorageError("the resource could not be stored or loaded", err)
	if api.storageErrorStatus != http.StatusBadRequest {
		return apierrors.WithStatus(api.storageErrorStatus, storageErr)
	}

	return storageErr
}

// asRequestError keeps errors that already map to a response status and
// turns anything else into a malformed request
func asRequestError(err error) error {
	var se *apierrors.StatusError
	if errors.As(err, &se) {
		return err
	}

	if apierrors.StatusCode(err) != http.StatusInternalServerError {
		return err
	}

	return apierrors.NewMalformedRequestError(err.Error())
}
