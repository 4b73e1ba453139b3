// Package marketplace holds the provider clients. The two integrations are a
// closed set behind one Client interface, selected by provider name.
package marketplace

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// LotPayload is the provider-neutral shape of an inventory lot. Field mapping
// to provider wire formats happens inside each client.
type LotPayload struct {
	RemoteLotID string
	PartNumber  string
	ColorID     int
	Condition   string
	Quantity    int
	Price       decimal.Decimal
	Location    string
	Description string
}

// CallOptions carry per-call metadata.
type CallOptions struct {
	// IdempotencyKey, when set, dedups repeated calls within one session.
	IdempotencyKey string
	CorrelationID  string
}

// CallResult is the normalized outcome of a provider operation.
type CallResult struct {
	Success  bool
	RemoteID string
}

// Client is the uniform surface of a marketplace integration. Implementations
// must not retry on their own; retry and rate limiting belong to the executor.
type Client interface {
	Provider() string
	CreateLot(ctx context.Context, payload *LotPayload, opts CallOptions) (*CallResult, error)
	UpdateLot(ctx context.Context, payload *LotPayload, opts CallOptions) (*CallResult, error)
	DeleteLot(ctx context.Context, payload *LotPayload, opts CallOptions) (*CallResult, error)
	// NewSession returns a client sharing config and transport but with a
	// fresh idempotency-response cache. Sessions are not durable and do not
	// survive process restarts.
	NewSession() Client
}

// responseCache is the in-memory, session-scoped idempotency cache. It guards
// against duplicate enqueue/retry pairs within a single worker invocation.
type responseCache struct {
	mu        sync.Mutex
	responses map[string]*CallResult
}

func newResponseCache() *responseCache {
	return &responseCache{responses: make(map[string]*CallResult)}
}

func (c *responseCache) get(key string) (*CallResult, bool) {
	if key == "" {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.responses[key]
	return res, ok
}

func (c *responseCache) put(key string, res *CallResult) {
	if key == "" || res == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses[key] = res
}
