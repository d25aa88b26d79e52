package gwclient

import "github.com/google/uuid"

// IdempotencyKeyField is the params field carrying the idempotency key.
const IdempotencyKeyField = "idempotencyKey"

// NewIdempotencyKey returns a random UUID suitable for WithIdempotencyKey.
func NewIdempotencyKey() string {
	return uuid.NewString()
}

// WithIdempotencyKey attaches key to the request params so the gateway can
// deduplicate a retried call. The caller's params map is not modified.
func WithIdempotencyKey(key string) CallOption {
	return func(o *callOptions) { o.idempotencyKey = key }
}
