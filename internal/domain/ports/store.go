package ports

import (
	"context"

	"github.com/kevin07696/uniform-pay/internal/domain"
)

// KeyValueStore is the durable slot storage behind the session store.
// Get reports found=false (and no error) for a missing key.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// OutcomePublisher announces terminal payment outcomes to downstream systems
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, outcome domain.Outcome) error
}
