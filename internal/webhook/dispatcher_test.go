package webhook

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type memEndpoints struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
}

func newMemEndpoints() *memEndpoints {
	return &memEndpoints{endpoints: map[string]*Endpoint{}}
}

func (m *memEndpoints) Create(ctx context.Context, e *Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints[e.ID] = e
	return nil
}

func (m *memEndpoints) Find(ctx context.Context, id string) (*Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.endpoints[id]
	if !ok {
		return nil, ErrEndpointNotFound
	}
	return e, nil
}

func (m *memEndpoints) ListByApp(ctx context.Context, appID string) ([]*Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []*Endpoint
	for _, e := range m.endpoints {
		if e.AppID == appID {
			res = append(res, e)
		}
	}
	return res, nil
}

func (m *memEndpoints) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.endpoints, id)
	return nil
}

type memDeliveries struct {
	mu   sync.Mutex
	recs []*Delivery
}

func (m *memDeliveries) Record(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.recs = append(m.recs, &cp)
	return nil
}

func (m *memDeliveries) all() []*Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Delivery(nil), m.recs...)
}

func devSecret(secret string) string {
	return "plain:" + base64.StdEncoding.EncodeToString([]byte(secret))
}

func newTestDispatcher(t *testing.T, endpoints EndpointStore, deliveries DeliveryStore) *Dispatcher {
	t.Helper()
	vault, err := NewVault(nil, true)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	d, err := NewDispatcher(endpoints, deliveries, vault,
		WithMaxAttempts(3),
		WithBaseBackoff(time.Millisecond),
	)
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	return d
}

func TestDispatchDeliversSignedEvent(t *testing.T) {
	type received struct {
		body    []byte
		headers http.Header
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{body: body, headers: r.Header.Clone()}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	endpoints := newMemEndpoints()
	deliveries := &memDeliveries{}
	if err := endpoints.Create(context.Background(), &Endpoint{
		ID:     "ep-1",
		AppID:  "crm",
		URL:    srv.URL,
		Events: []string{"entity.created"},
		Active: true,
		Secret: devSecret("whsec_test"),
	}); err != nil {
		t.Fatalf("create endpoint: %v", err)
	}

	d := newTestDispatcher(t, endpoints, deliveries)
	err := d.Dispatch(context.Background(), Event{
		Type:    "entity.created",
		AppID:   "crm",
		Payload: map[string]string{"entity_id": "e-1"},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	d.Wait()

	var rec received
	select {
	case rec = <-got:
	default:
		t.Fatal("endpoint never called")
	}

	if rec.headers.Get(HeaderEventType) != "entity.created" {
		t.Fatalf("event type header = %q", rec.headers.Get(HeaderEventType))
	}
	if rec.headers.Get(HeaderEventID) == "" {
		t.Fatal("missing event id header")
	}
	// The receiver-side verification must pass with the shared secret.
	err = Verify([]byte("whsec_test"),
		rec.headers.Get(HeaderTimestamp), rec.body,
		rec.headers.Get(HeaderSignature), time.Now(), DefaultTolerance)
	if err != nil {
		t.Fatalf("delivered signature does not verify: %v", err)
	}

	recs := deliveries.all()
	if len(recs) != 1 {
		t.Fatalf("expected one delivery record, got %d", len(recs))
	}
	if recs[0].DeadLettered || recs[0].DeliveredAt == nil || recs[0].StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected delivery record %+v", recs[0])
	}
}

func TestDispatchRetriesThenDeadLetters(t *testing.T) {
	var mu sync.Mutex
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	endpoints := newMemEndpoints()
	deliveries := &memDeliveries{}
	_ = endpoints.Create(context.Background(), &Endpoint{
		ID:     "ep-1",
		AppID:  "crm",
		URL:    srv.URL,
		Active: true,
		Secret: devSecret("whsec_test"),
	})

	d := newTestDispatcher(t, endpoints, deliveries)
	if err := d.Dispatch(context.Background(), Event{Type: "entity.created", AppID: "crm", Payload: map[string]string{}}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	recs := deliveries.all()
	if len(recs) != 1 {
		t.Fatalf("expected one terminal record, got %d", len(recs))
	}
	if !recs[0].DeadLettered || recs[0].Attempts != 3 || recs[0].StatusCode != http.StatusInternalServerError {
		t.Fatalf("unexpected dead letter record %+v", recs[0])
	}
}

func TestDispatchOutlivesCallerContext(t *testing.T) {
	var mu sync.Mutex
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	endpoints := newMemEndpoints()
	deliveries := &memDeliveries{}
	_ = endpoints.Create(context.Background(), &Endpoint{
		ID:     "ep-1",
		AppID:  "crm",
		URL:    srv.URL,
		Active: true,
		Secret: devSecret("whsec_test"),
	})

	// Cancelling the dispatching request's context must not abort the
	// retry schedule or suppress the dead letter.
	ctx, cancel := context.WithCancel(context.Background())
	d := newTestDispatcher(t, endpoints, deliveries)
	if err := d.Dispatch(ctx, Event{Type: "entity.created", AppID: "crm", Payload: map[string]string{}}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	cancel()
	d.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Fatalf("expected 3 attempts after cancellation, got %d", calls)
	}
	recs := deliveries.all()
	if len(recs) != 1 || !recs[0].DeadLettered || recs[0].Attempts != 3 {
		t.Fatalf("expected a full dead letter record, got %+v", recs)
	}
}

func TestDispatchSkipsInactiveAndUnsubscribed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no endpoint should be called")
	}))
	defer srv.Close()

	endpoints := newMemEndpoints()
	deliveries := &memDeliveries{}
	_ = endpoints.Create(context.Background(), &Endpoint{
		ID: "inactive", AppID: "crm", URL: srv.URL, Active: false,
		Secret: devSecret("s"),
	})
	_ = endpoints.Create(context.Background(), &Endpoint{
		ID: "other-topic", AppID: "crm", URL: srv.URL, Active: true,
		Events: []string{"license.status_changed"},
		Secret: devSecret("s"),
	})
	_ = endpoints.Create(context.Background(), &Endpoint{
		ID: "other-app", AppID: "billing", URL: srv.URL, Active: true,
		Secret: devSecret("s"),
	})

	d := newTestDispatcher(t, endpoints, deliveries)
	if err := d.Dispatch(context.Background(), Event{Type: "entity.created", AppID: "crm", Payload: map[string]string{}}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	d.Wait()

	if recs := deliveries.all(); len(recs) != 0 {
		t.Fatalf("expected no delivery records, got %d", len(recs))
	}
}

func TestDispatchEmptySubscriptionMatchesAll(t *testing.T) {
	hit := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	endpoints := newMemEndpoints()
	deliveries := &memDeliveries{}
	_ = endpoints.Create(context.Background(), &Endpoint{
		ID: "ep-1", AppID: "crm", URL: srv.URL, Active: true,
		Secret: devSecret("s"),
	})

	d := newTestDispatcher(t, endpoints, deliveries)
	if err := d.Dispatch(context.Background(), Event{Type: "keys.rotated", AppID: "crm", Payload: map[string]string{}}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	d.Wait()

	select {
	case <-hit:
	default:
		t.Fatal("endpoint with empty subscription list must receive every event")
	}
}

func TestDispatchDeadLettersUndecryptableSecret(t *testing.T) {
	endpoints := newMemEndpoints()
	deliveries := &memDeliveries{}
	_ = endpoints.Create(context.Background(), &Endpoint{
		ID: "ep-1", AppID: "crm", URL: "http://127.0.0.1:0", Active: true,
		Secret: "garbage-encoding",
	})

	d := newTestDispatcher(t, endpoints, deliveries)
	if err := d.Dispatch(context.Background(), Event{Type: "entity.created", AppID: "crm", Payload: map[string]string{}}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	d.Wait()

	recs := deliveries.all()
	if len(recs) != 1 || !recs[0].DeadLettered {
		t.Fatalf("expected immediate dead letter, got %+v", recs)
	}
}
