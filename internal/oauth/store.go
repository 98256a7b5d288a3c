package oauth

import (
	"context"
	"time"
)

// ClientStore manages registered applications.
type ClientStore interface {
	Create(ctx context.Context, c *Client) error
	Find(ctx context.Context, clientID string) (*Client, error)
	List(ctx context.Context) ([]*Client, error)
}

// CodeStore manages authorization codes. Consume must be atomic against
// concurrent exchanges of the same code: exactly one caller receives the
// record, every other caller gets ErrCodeConsumed.
type CodeStore interface {
	Create(ctx context.Context, code *AuthorizationCode) error
	Consume(ctx context.Context, code string, at time.Time) (*AuthorizationCode, error)
	// DeleteExpired sweeps codes whose expiry passed before the cutoff.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}
