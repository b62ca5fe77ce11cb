package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/diwise/restless/pkg/restless"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

// Notifier posts a notification to a webhook whenever a resource has been
// created. Notifications are delivered by a single background worker.
type Notifier interface {
	Start() error
	Stop() error

	ResourceCreated(ctx context.Context, collection string, resource any)

	// Postprocessor returns a POST postprocessor that notifies about the
	// resources created in collection
	Postprocessor(collection string) restless.Postprocessor
}

var tracer = otel.Tracer("restless/notifier")

type action func()

type notifier struct {
	mu       sync.Mutex
	started  bool
	endpoint string

	queue chan action
}

type Notification struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Collection string `json:"collection"`
	NotifiedAt string `json:"notifiedAt"`
	Data       []any  `json:"data"`
}

func NewNotification(collection string, resource any) *Notification {
	return &Notification{
		ID:         uuid.New().String(),
		Type:       "Notification",
		Collection: collection,
		NotifiedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Data:       []any{resource},
	}
}

func NewNotifier(ctx context.Context, endpoint string) (Notifier, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("a notification endpoint is required")
	}

	return &notifier{
		endpoint: endpoint,
		queue:    make(chan action, 32),
	}, nil
}

func (n *notifier) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return fmt.Errorf("already started")
	}

	n.started = true

	go n.run()

	return nil
}

// Stop waits for queued notifications to be delivered before it returns
func (n *notifier) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		n.started = false

		resultChan := make(chan bool)

		n.queue <- func() {
			close(n.queue)
			resultChan <- true
		}

		<-resultChan
	}
	return nil
}

func (n *notifier) ResourceCreated(ctx context.Context, collection string, resource any) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.started {
		return
	}

	var err error

	logger := logging.GetFromContext(ctx)

	// the body is encoded right away as the resource may change once we return
	body, err := json.Marshal(NewNotification(collection, resource))
	if err != nil {
		logger.Error("failed to marshal notification", "err", err.Error())
		return
	}

	ctx, span := tracer.Start(
		tracing.ExtractHeaders(context.Background(), tracing.InjectHeaders(ctx)),
		"post",
	)

	n.queue <- func() {
		defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

		err = postNotification(ctx, body, n.endpoint)
		if err != nil {
			logger.Error("failed to post notification", "err", err.Error())
		}
	}
}

func (n *notifier) Postprocessor(collection string) restless.Postprocessor {
	return restless.PostprocessorFunc(func(ctx context.Context, result map[string]any) error {
		n.ResourceCreated(ctx, collection, result["data"])
		return nil
	})
}

func postNotification(ctx context.Context, body []byte, endpoint string) error {
	httpClient := http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("unable to create new request (%w)", err)
	}

	req.Header.Add("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request (%w)", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("notification endpoint returned status code %d", resp.StatusCode)
	}

	return nil
}

func (n *notifier) run() {
	// repeat until the queue is closed
	for action := range n.queue {
		if action == nil {
			return
		}

		action()
	}
}
