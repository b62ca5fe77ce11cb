package restless

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/diwise/restless/pkg/jsonapi"
	apierrors "github.com/diwise/restless/pkg/jsonapi/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// NewCreateResourceHandler handles POST requests to a collection
func NewCreateResourceHandler(api *API) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		body, err := io.ReadAll(r.Body)
		if err != nil {
			reportError(ctx, w, apierrors.NewMalformedRequestError("failed to read request body"))
			return
		}

		result, location, err := api.Create(ctx, r.Header, body)
		if err != nil {
			reportError(ctx, w, err)
			return
		}

		w.Header().Set("Location", location)
		writeDocument(ctx, w, http.StatusCreated, result)
	})
}

// NewRetrieveResourceHandler handles GET requests for a single resource
func NewRetrieveResourceHandler(api *API) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		result, err := api.Retrieve(ctx, chi.URLParam(r, "id"))
		if err != nil {
			reportError(ctx, w, err)
			return
		}

		writeDocument(ctx, w, http.StatusOK, result)
	})
}

func NewMethodNotAllowedHandler() http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reportError(r.Context(), w, apierrors.NewMethodNotAllowedError(
			r.Method+" is not allowed on "+r.URL.Path,
		))
	})
}

// NewCollectionMiddleware labels metrics and log entries with the name of
// the collection being served
func NewCollectionMiddleware(collection string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if labeler, found := otelhttp.LabelerFromContext(r.Context()); found {
				labeler.Add(attribute.String(TraceAttributeCollection, collection))
			}

			ctx := logging.NewContextWithLogger(
				r.Context(),
				logging.GetFromContext(r.Context()),
				"collection",
				collection,
			)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeDocument(ctx context.Context, w http.ResponseWriter, status int, result map[string]any) {
	body, err := json.Marshal(result)
	if err != nil {
		w.Header().Del("Location")
		reportError(ctx, w, apierrors.NewSerializationError(err))
		return
	}

	w.Header().Set("Content-Type", jsonapi.MediaType)
	w.WriteHeader(status)
	w.Write(body)
}

func reportError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := logging.GetFromContext(ctx)

	status := apierrors.StatusCode(err)
	if cause := errors.Unwrap(err); cause != nil {
		logger.Info("request failed", "status", status, "err", err.Error(), "cause", cause.Error())
	} else {
		logger.Info("request failed", "status", status, "err", err.Error())
	}

	if status == http.StatusUnsupportedMediaType {
		w.Header().Set("Accept", jsonapi.MediaType)
	}

	apierrors.ReportError(w, err, traceID(ctx))
}

func traceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}
