package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/diwise/restless/pkg/jsonapi"
	"github.com/diwise/restless/pkg/jsonapi/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type RestlessClient interface {
	CreateResource(ctx context.Context, resource *jsonapi.Resource, headers map[string][]string) (*CreateResourceResult, error)
	RetrieveResource(ctx context.Context, collection, id string, headers map[string][]string) (*jsonapi.Resource, error)
}

func Debug(enabled string) func(*rlClient) {
	return func(c *rlClient) {
		c.debug = (enabled == "true")
	}
}

// URLPrefix sets the prefix the remote service mounts its collections under
func URLPrefix(prefix string) func(*rlClient) {
	return func(c *rlClient) {
		c.prefix = "/" + strings.Trim(prefix, "/")
		if c.prefix == "/" {
			c.prefix = ""
		}
	}
}

func NewRestlessClient(baseURL string, options ...func(*rlClient)) RestlessClient {
	c := &rlClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		prefix:  "/api",
		debug:   false,
	}

	for _, option := range options {
		option(c)
	}

	return c
}

const (
	TraceAttributeCollection string = "jsonapi-collection"
	TraceAttributeResourceID string = "jsonapi-resource-id"
)

var tracer = otel.Tracer("restless-client")

type rlClient struct {
	baseURL string
	prefix  string
	debug   bool
}

type CreateResourceResult struct {
	location string
	resource *jsonapi.Resource
}

func (r CreateResourceResult) Location() string {
	return r.location
}

// Resource returns the resource as stored by the remote service, or nil if
// the response did not contain one
func (r CreateResourceResult) Resource() *jsonapi.Resource {
	return r.resource
}

func (c rlClient) CreateResource(ctx context.Context, resource *jsonapi.Resource, headers map[string][]string) (*CreateResourceResult, error) {
	var err error

	ctx, span := tracer.Start(ctx, "create-resource",
		trace.WithAttributes(attribute.String(TraceAttributeCollection, resource.Type)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	b, err := json.Marshal(map[string]any{"data": resource})
	if err != nil {
		err = fmt.Errorf("failed to marshal resource: %s (%w)", err.Error(), errors.ErrInternal)
		return nil, err
	}

	response, responseBody, err := c.callService(
		ctx, http.MethodPost, c.collectionURL(resource.Type), bytes.NewBuffer(b), withContentType(headers),
	)
	if err != nil {
		return nil, err
	}

	if response.StatusCode >= http.StatusBadRequest {
		err = errors.NewErrorFromDocument(response.StatusCode, responseBody)
		return nil, err
	}

	if response.StatusCode != http.StatusCreated {
		err = fmt.Errorf("unexpected response code %d (%w)", response.StatusCode, errors.ErrInternal)
		return nil, err
	}

	result := &CreateResourceResult{location: response.Header.Get("Location")}

	if len(responseBody) > 0 {
		result.resource, err = decodeResource(responseBody)
		if err != nil {
			return nil, err
		}
	}

	if result.location == "" {
		log := logging.GetFromContext(ctx)
		log.Warn("remote service failed to provide a location header with created response")

		if result.resource != nil && result.resource.ID != "" {
			result.location = c.prefix + "/" + resource.Type + "/" + url.PathEscape(result.resource.ID.String())
		}
	}

	return result, nil
}

func (c rlClient) RetrieveResource(ctx context.Context, collection, id string, headers map[string][]string) (*jsonapi.Resource, error) {
	var err error

	ctx, span := tracer.Start(ctx, "retrieve-resource",
		trace.WithAttributes(attribute.String(TraceAttributeCollection, collection)),
		trace.WithAttributes(attribute.String(TraceAttributeResourceID, id)),
	)
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	response, responseBody, err := c.callService(
		ctx, http.MethodGet, c.collectionURL(collection)+"/"+url.PathEscape(id), nil, headers,
	)
	if err != nil {
		return nil, err
	}

	if response.StatusCode != http.StatusOK {
		if response.StatusCode >= http.StatusBadRequest && response.StatusCode <= http.StatusInternalServerError {
			err = errors.NewErrorFromDocument(response.StatusCode, responseBody)
			return nil, err
		}

		err = fmt.Errorf("unexpected response code %d (%w)", response.StatusCode, errors.ErrInternal)
		return nil, err
	}

	resource, err := decodeResource(responseBody)
	return resource, err
}

func (c rlClient) collectionURL(collection string) string {
	return c.baseURL + c.prefix + "/" + url.PathEscape(collection)
}

func decodeResource(body []byte) (*jsonapi.Resource, error) {
	document := struct {
		Data *jsonapi.Resource `json:"data"`
	}{}

	err := json.Unmarshal(body, &document)
	if err != nil {
		return nil, fmt.Errorf("failed to decode response document: %s (%w)", err.Error(), errors.ErrBadResponse)
	}

	if document.Data == nil {
		return nil, fmt.Errorf("response document has no data (%w)", errors.ErrBadResponse)
	}

	return document.Data, nil
}

func withContentType(headers map[string][]string) map[string][]string {
	result := map[string][]string{}
	for k, v := range headers {
		result[http.CanonicalHeaderKey(k)] = v
	}

	if _, ok := result["Content-Type"]; !ok {
		result["Content-Type"] = []string{jsonapi.MediaType}
	}

	return result
}

func (c rlClient) callService(ctx context.Context, method, endpoint string, body io.Reader, headers map[string][]string) (*http.Response, []byte, error) {
	httpClient := http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %s (%w)", err.Error(), errors.ErrInternal)
	}

	for header, headerValue := range headers {
		for _, val := range headerValue {
			req.Header.Add(header, val)
		}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to send request: %s (%w)", err.Error(), errors.ErrRequest)
	}

	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response body: %s (%w)", err.Error(), errors.ErrBadResponse)
	}

	if c.debug && resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusNotFound {
		reqbytes, _ := httputil.DumpRequest(req, false)
		respbytes, _ := httputil.DumpResponse(resp, false)

		log := logging.GetFromContext(ctx)
		log.Error("request failed", "request", string(reqbytes), "response", string(respbytes))
	}

	return resp, respBody, nil
}
