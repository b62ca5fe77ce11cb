package restless

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/diwise/restless/pkg/schema"
	"github.com/diwise/restless/pkg/storage"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/go-chi/chi/v5"
)

const DefaultURLPrefix string = "/api"

// Manager registers JSON:API collections for the entity types of a registry
// on a router. All collections share one storage session.
type Manager struct {
	mu sync.Mutex

	router   chi.Router
	registry *schema.Registry
	session  storage.Session

	urlPrefix          string
	storageErrorStatus int

	// collection name to entity type, used to resolve relationship linkage
	collections map[string]string
	paths       map[string]*API
}

type ManagerOption func(*Manager)

// WithURLPrefix sets the prefix used by collections that do not override it
func WithURLPrefix(prefix string) ManagerOption {
	return func(m *Manager) {
		m.urlPrefix = normalizePrefix(prefix)
	}
}

// WithStorageErrorStatus sets the status reported for storage failures that
// are not integrity violations. The default is 400.
func WithStorageErrorStatus(code int) ManagerOption {
	return func(m *Manager) {
		m.storageErrorStatus = code
	}
}

func NewManager(ctx context.Context, router chi.Router, registry *schema.Registry, session storage.Session, options ...ManagerOption) *Manager {
	m := &Manager{
		router:             router,
		registry:           registry,
		session:            session,
		urlPrefix:          DefaultURLPrefix,
		storageErrorStatus: http.StatusBadRequest,
		collections:        map[string]string{},
		paths:              map[string]*API{},
	}

	for _, opt := range options {
		opt(m)
	}

	logging.GetFromContext(ctx).Debug("restless manager created", "prefix", m.urlPrefix, "types", strings.Join(registry.Names(), ","))

	return m
}

type APIOption func(*API)

// Methods sets the HTTP methods served by the collection. Only GET and POST
// are supported and GET is the default.
func Methods(methods ...string) APIOption {
	return func(api *API) {
		api.methods = api.methods[:0]
		for _, method := range methods {
			api.methods = append(api.methods, strings.ToUpper(method))
		}
	}
}

func URLPrefix(prefix string) APIOption {
	return func(api *API) {
		api.urlPrefix = normalizePrefix(prefix)
	}
}

// CollectionName sets the name used in URLs and as resource type. It
// defaults to the entity type name.
func CollectionName(name string) APIOption {
	return func(api *API) {
		api.collection = name
	}
}

func WithSerializer(s Serializer) APIOption {
	return func(api *API) {
		api.serializer = s
		api.customSerializer = true
	}
}

func WithDeserializer(d Deserializer) APIOption {
	return func(api *API) {
		api.deserializer = d
		api.customDeserializer = true
	}
}

func WithPreprocessors(method string, p ...Preprocessor) APIOption {
	return func(api *API) {
		method = strings.ToUpper(method)
		api.preprocessors[method] = append(api.preprocessors[method], p...)
	}
}

func WithPostprocessors(method string, p ...Postprocessor) APIOption {
	return func(api *API) {
		method = strings.ToUpper(method)
		api.postprocessors[method] = append(api.postprocessors[method], p...)
	}
}

// WithMiddleware adds middleware that wraps every endpoint of the collection
func WithMiddleware(middleware ...func(http.Handler) http.Handler) APIOption {
	return func(api *API) {
		api.middleware = append(api.middleware, middleware...)
	}
}

// CreateAPI exposes entityType as a collection and mounts its endpoints on
// the router. The same entity type may be exposed several times as long as
// the resulting paths differ.
func (m *Manager) CreateAPI(ctx context.Context, entityType string, options ...APIOption) (*API, error) {
	d, ok := m.registry.Get(entityType)
	if !ok {
		return nil, fmt.Errorf("entity type %s is not registered", entityType)
	}

	api := &API{
		descriptor:         d,
		collection:         entityType,
		urlPrefix:          m.urlPrefix,
		methods:            []string{http.MethodGet},
		session:            m.session,
		preprocessors:      map[string][]Preprocessor{},
		postprocessors:     map[string][]Postprocessor{},
		storageErrorStatus: m.storageErrorStatus,
	}

	for _, opt := range options {
		opt(api)
	}

	if api.collection == "" || strings.Contains(api.collection, "/") {
		return nil, fmt.Errorf("invalid collection name %q", api.collection)
	}

	for _, method := range api.methods {
		if method != http.MethodGet && method != http.MethodPost {
			return nil, fmt.Errorf("method %s is not supported", method)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.collections[api.collection]; ok && existing != entityType {
		return nil, fmt.Errorf("collection name %s already denotes %s", api.collection, existing)
	}

	if _, exists := m.paths[api.Path()]; exists {
		return nil, fmt.Errorf("an api is already registered at %s", api.Path())
	}

	if api.serializer == nil {
		api.serializer = NewSerializer(api.collection)
	}

	if api.deserializer == nil {
		api.deserializer = &deserializer{
			descriptor: d,
			collection: api.collection,
			registry:   m.registry,
			session:    m.session,
			resolve:    m.resolveType,
		}
	}

	m.collections[api.collection] = entityType
	m.paths[api.Path()] = api

	m.mount(api)

	logging.GetFromContext(ctx).Info("api created", "type", entityType, "path", api.Path(), "methods", strings.Join(api.methods, ","))

	return api, nil
}

// resolveType maps a resource type from a request, either an entity type
// name or a collection name, to its entity type. Called during requests,
// after registration has completed.
func (m *Manager) resolveType(name string) (string, bool) {
	if _, ok := m.registry.Get(name); ok {
		return name, true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entityType, ok := m.collections[name]
	return entityType, ok
}

func (m *Manager) mount(api *API) {
	notAllowed := NewMethodNotAllowedHandler()

	create := notAllowed
	if api.Allows(http.MethodPost) {
		create = NewCreateResourceHandler(api)
	}

	retrieve := notAllowed
	if api.Allows(http.MethodGet) {
		retrieve = NewRetrieveResourceHandler(api)
	}

	m.router.Route(api.Path(), func(r chi.Router) {
		r.Use(NewCollectionMiddleware(api.collection))
		r.Use(api.middleware...)

		r.MethodNotAllowed(notAllowed)

		r.Post("/", create)
		r.Get("/{id}", retrieve)

		// creation through relationship urls is never allowed
		r.Post("/{id}/{relation}", notAllowed)
		r.Post("/{id}/relationships/{relation}", notAllowed)
	})
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimRight(prefix, "/")
	if prefix != "" && !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return prefix
}
