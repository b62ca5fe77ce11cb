package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	apierrors "github.com/diwise/restless/pkg/jsonapi/errors"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/open-policy-agent/opa/rego"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("restless/authz")

type Authenticator interface {
	CheckAccess(ctx context.Context, r *http.Request, collection string) error
	// Middleware rejects requests to collection that the policies do not allow
	Middleware(collection string) func(http.Handler) http.Handler
}

type authenticatorImpl struct {
	preparedQuery rego.PreparedEvalQuery
}

// NewAuthenticator prepares the rego module read from policies. The module
// is expected to define data.restless.authz.allow.
func NewAuthenticator(ctx context.Context, policies io.Reader) (Authenticator, error) {

	module, err := io.ReadAll(policies)
	if err != nil {
		return nil, fmt.Errorf("unable to read authz policies: %s", err.Error())
	}

	impl := &authenticatorImpl{}

	impl.preparedQuery, err = rego.New(
		rego.Query("x = data.restless.authz.allow"),
		rego.Module("restless.rego", string(module)),
	).PrepareForEval(ctx)

	if err != nil {
		return nil, err
	}

	return impl, nil
}

func (a *authenticatorImpl) CheckAccess(ctx context.Context, r *http.Request, collection string) error {
	var err error

	ctx, span := tracer.Start(ctx, "check-auth")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	token := r.Header.Get("Authorization")

	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = token[7:]
	}

	path := strings.Split(strings.Trim(r.URL.Path, "/"), "/")

	input := map[string]any{
		"method":     r.Method,
		"path":       path,
		"token":      token,
		"collection": collection,
	}

	results, err := a.preparedQuery.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		err = fmt.Errorf("opa eval failed: %w", err)
		return err
	}

	if len(results) == 0 {
		err = fmt.Errorf("auth failed: opa query could not be satisfied")
		return err
	}

	binding := results[0].Bindings["x"]

	// a denied request yields a single bool, an allowed one a result object
	allowed, ok := binding.(bool)
	if ok && !allowed {
		err = errors.New("authorization failed")
		return err
	}

	if !ok {
		if _, ok = binding.(map[string]any); !ok {
			err = errors.New("opa error: unexpected result type")
			return err
		}
	}

	return nil
}

func (a *authenticatorImpl) Middleware(collection string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			err := a.CheckAccess(ctx, r, collection)
			if err != nil {
				logger := logging.GetFromContext(ctx)
				logger.Warn("access denied", "method", r.Method, "path", r.URL.Path, "err", err.Error())

				traceID := ""
				if sc := trace.SpanFromContext(ctx).SpanContext(); sc.HasTraceID() {
					traceID = sc.TraceID().String()
				}

				apierrors.ReportError(w, apierrors.NewForbiddenError("access to "+collection+" is not allowed"), traceID)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
