package webhook

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"authhub.org/internal/audit"
	"authhub.org/internal/ids"
	"authhub.org/internal/obs"
)

const (
	defaultMaxAttempts = 5
	defaultBaseBackoff = time.Second
	deliveryTimeout    = 10 * time.Second
)

// Endpoint is a registered webhook receiver for one application.
type Endpoint struct {
	ID     string   `json:"id"`
	AppID  string   `json:"app_id"`
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Active bool     `json:"active"`
	// Secret holds the vault-encoded signing secret, never plaintext.
	Secret    string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// matches reports whether the endpoint subscribes to the event type.
// An empty subscription list means all events.
func (e *Endpoint) matches(eventType string) bool {
	if len(e.Events) == 0 {
		return true
	}
	for _, t := range e.Events {
		if t == eventType {
			return true
		}
	}
	return false
}

// Event is one outbound payload. ID doubles as the consumer idempotency
// key: delivery is at-least-once.
type Event struct {
	ID         string
	Type       string
	AppID      string
	OccurredAt time.Time
	Payload    any
}

// Delivery records one terminal delivery outcome per endpoint.
type Delivery struct {
	ID           string
	EndpointID   string
	EventID      string
	EventType    string
	Attempts     int
	StatusCode   int
	Error        string
	DeliveredAt  *time.Time
	DeadLettered bool
	CreatedAt    time.Time
}

// ErrEndpointNotFound is returned by endpoint stores for missing records.
var ErrEndpointNotFound = errors.New("webhook: endpoint not found")

// EndpointStore manages registered webhook receivers.
type EndpointStore interface {
	Create(ctx context.Context, e *Endpoint) error
	Find(ctx context.Context, id string) (*Endpoint, error)
	ListByApp(ctx context.Context, appID string) ([]*Endpoint, error)
	Delete(ctx context.Context, id string) error
}

// DeliveryStore records delivery outcomes including dead letters.
type DeliveryStore interface {
	Record(ctx context.Context, d *Delivery) error
}

// Dispatcher signs and delivers events to matching endpoints, fanning out
// per endpoint with bounded retries and exponential backoff before
// dead-lettering.
type Dispatcher struct {
	endpoints  EndpointStore
	deliveries DeliveryStore
	vault      *Vault
	client     *http.Client

	maxAttempts int
	baseBackoff time.Duration
	now         func() time.Time

	wg sync.WaitGroup
}

// DispatcherOption configures the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMaxAttempts caps delivery attempts per endpoint.
func WithMaxAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithBaseBackoff sets the first retry delay; it doubles per attempt.
func WithBaseBackoff(base time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if base > 0 {
			d.baseBackoff = base
		}
	}
}

// WithHTTPClient overrides the outbound HTTP client.
func WithHTTPClient(c *http.Client) DispatcherOption {
	return func(d *Dispatcher) {
		if c != nil {
			d.client = c
		}
	}
}

// WithDispatcherClock overrides the time source (useful for tests).
func WithDispatcherClock(fn func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if fn != nil {
			d.now = fn
		}
	}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(endpoints EndpointStore, deliveries DeliveryStore, vault *Vault, opts ...DispatcherOption) (*Dispatcher, error) {
	if endpoints == nil || deliveries == nil || vault == nil {
		return nil, errors.New("webhook: endpoint store, delivery store and vault are required")
	}
	d := &Dispatcher{
		endpoints:   endpoints,
		deliveries:  deliveries,
		vault:       vault,
		client:      &http.Client{Timeout: deliveryTimeout},
		maxAttempts: defaultMaxAttempts,
		baseBackoff: defaultBaseBackoff,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dispatch signs the event and fans deliveries out to every matching
// endpoint. The call returns once deliveries are started; retries continue
// in the background until success or exhaustion, detached from the
// caller's context so a finished HTTP request cannot cut delivery short.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = d.now().UTC()
	}
	body, err := CanonicalJSON(event.Payload)
	if err != nil {
		return err
	}
	all, err := d.endpoints.ListByApp(ctx, event.AppID)
	if err != nil {
		return err
	}
	for _, ep := range all {
		if !ep.Active || !ep.matches(event.Type) {
			continue
		}
		secret, err := d.vault.Decrypt(ep.Secret)
		if err != nil {
			d.record(ctx, ep, event, &Delivery{Error: "secret decryption failed", DeadLettered: true})
			continue
		}
		d.wg.Add(1)
		go func(ep *Endpoint, secret []byte) {
			defer d.wg.Done()
			d.deliver(context.WithoutCancel(ctx), ep, event, secret, body)
		}(ep, secret)
	}
	return nil
}

// Wait blocks until all in-flight deliveries finish. Used on shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, ep *Endpoint, event Event, secret, body []byte) {
	var lastStatus int
	var lastErr string

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		status, err := d.attempt(ctx, ep, event, secret, body)
		if err == nil && status < 400 {
			now := d.now().UTC()
			obs.WebhookDelivery("delivered")
			d.record(ctx, ep, event, &Delivery{
				Attempts:    attempt,
				StatusCode:  status,
				DeliveredAt: &now,
			})
			return
		}
		lastStatus = status
		if err != nil {
			lastErr = err.Error()
		} else {
			lastErr = "http status " + strconv.Itoa(status)
		}
		if attempt == d.maxAttempts {
			break
		}
		obs.WebhookDelivery("retried")
		time.Sleep(d.baseBackoff << (attempt - 1))
	}

	obs.WebhookDelivery("dead_lettered")
	_ = audit.LogEvent(ctx, "webhook.delivery.dead_lettered", map[string]any{
		"endpoint_id": ep.ID,
		"event_id":    event.ID,
		"event_type":  event.Type,
	})
	d.record(ctx, ep, event, &Delivery{
		Attempts:     d.maxAttempts,
		StatusCode:   lastStatus,
		Error:        lastErr,
		DeadLettered: true,
	})
}

func (d *Dispatcher) attempt(ctx context.Context, ep *Endpoint, event Event, secret, body []byte) (int, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	ts := d.now().UTC()
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(secret, ts, body))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts.Unix(), 10))
	req.Header.Set(HeaderEventID, event.ID)
	req.Header.Set(HeaderEventType, event.Type)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (d *Dispatcher) record(ctx context.Context, ep *Endpoint, event Event, del *Delivery) {
	del.ID = ids.New()
	del.EndpointID = ep.ID
	del.EventID = event.ID
	del.EventType = event.Type
	del.CreatedAt = d.now().UTC()
	// Recording failures must not break delivery; the log line is the
	// fallback trail.
	if err := d.deliveries.Record(context.WithoutCancel(ctx), del); err != nil {
		obs.LogRequest(map[string]any{
			"ts":    d.now().UTC().Format(time.RFC3339Nano),
			"level": "error",
			"msg":   "webhook delivery record failed",
			"error": err.Error(),
		})
	}
}
