package pg

import (
	"context"
	"database/sql"
	"errors"

	"authhub.org/internal/webhook"
)

// WebhookEndpointStore persists registered webhook receivers.
type WebhookEndpointStore struct {
	db *sql.DB
}

var _ webhook.EndpointStore = (*WebhookEndpointStore)(nil)

func (s *WebhookEndpointStore) Create(ctx context.Context, e *webhook.Endpoint) error {
	events, err := encodeStrings(e.Events)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into webhook_endpoints(id, app_id, url, events, active, secret, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, e.ID, e.AppID, e.URL, events, e.Active, e.Secret, e.CreatedAt)
	return err
}

func (s *WebhookEndpointStore) Find(ctx context.Context, id string) (*webhook.Endpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, app_id, url, events, active, secret, created_at
		from webhook_endpoints where id = $1
	`, id)
	ep, err := scanEndpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, webhook.ErrEndpointNotFound
	}
	return ep, err
}

func (s *WebhookEndpointStore) ListByApp(ctx context.Context, appID string) ([]*webhook.Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, app_id, url, events, active, secret, created_at
		from webhook_endpoints where app_id = $1
		order by created_at asc
	`, appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []*webhook.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ep)
	}
	return res, rows.Err()
}

func (s *WebhookEndpointStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from webhook_endpoints where id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return webhook.ErrEndpointNotFound
	}
	return nil
}

func scanEndpoint(row rowScanner) (*webhook.Endpoint, error) {
	var ep webhook.Endpoint
	var events []byte
	if err := row.Scan(&ep.ID, &ep.AppID, &ep.URL, &events, &ep.Active, &ep.Secret, &ep.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if ep.Events, err = decodeStrings(events); err != nil {
		return nil, err
	}
	return &ep, nil
}

// WebhookDeliveryStore records delivery outcomes.
type WebhookDeliveryStore struct {
	db *sql.DB
}

var _ webhook.DeliveryStore = (*WebhookDeliveryStore)(nil)

func (s *WebhookDeliveryStore) Record(ctx context.Context, d *webhook.Delivery) error {
	_, err := s.db.ExecContext(ctx, `
		insert into webhook_deliveries(
			id, endpoint_id, event_id, event_type, attempts, status_code,
			error, delivered_at, dead_lettered, created_at)
		values ($1,$2,$3,$4,$5,$6,nullif($7,''),$8,$9,$10)
	`, d.ID, d.EndpointID, d.EventID, d.EventType, d.Attempts, d.StatusCode,
		d.Error, nullTime(d.DeliveredAt), d.DeadLettered, d.CreatedAt)
	return err
}
