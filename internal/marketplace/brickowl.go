package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"bricksync/internal/errs"
	"bricksync/internal/models"
	"bricksync/internal/upstream"

	"github.com/google/uuid"
)

// ErrBrickowlMissingAPIKey indicates a missing API key
var ErrBrickowlMissingAPIKey = errors.New("brickowl: api key is required")

// BrickowlConfig holds the endpoint and static API key for Brick Owl.
// Brick Owl authenticates with a key field: in the query for reads, in the
// form body for writes.
type BrickowlConfig struct {
	BaseURL string
	APIKey  string
}

// Validate validates the Brick Owl configuration
func (c *BrickowlConfig) Validate() error {
	if c.APIKey == "" {
		return ErrBrickowlMissingAPIKey
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://api.brickowl.com/v1"
	}
	return nil
}

// BrickowlClient talks to the Brick Owl inventory API.
type BrickowlClient struct {
	config *BrickowlConfig
	exec   *upstream.Executor
	cache  *responseCache
}

// NewBrickowlClient creates a Brick Owl client
func NewBrickowlClient(config *BrickowlConfig, exec *upstream.Executor) (*BrickowlClient, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &BrickowlClient{
		config: config,
		exec:   exec,
		cache:  newResponseCache(),
	}, nil
}

// Provider returns the provider name this client handles
func (c *BrickowlClient) Provider() string {
	return models.ProviderBrickowl
}

// NewSession returns a client with a fresh idempotency-response cache
func (c *BrickowlClient) NewSession() Client {
	clone := *c
	clone.cache = newResponseCache()
	return &clone
}

type brickowlResponse struct {
	Status string `json:"status"`
	Error  struct {
		Status string `json:"status"`
	} `json:"error"`
	LotID int64 `json:"lot_id"`
}

// CreateLot creates an inventory lot and returns the remote lot id
func (c *BrickowlClient) CreateLot(ctx context.Context, payload *LotPayload, opts CallOptions) (*CallResult, error) {
	form := url.Values{}
	form.Set("boid", payload.PartNumber)
	form.Set("color_id", strconv.Itoa(payload.ColorID))
	form.Set("quantity", strconv.Itoa(payload.Quantity))
	form.Set("price", payload.Price.StringFixed(3))
	form.Set("condition", brickowlCondition(payload.Condition))
	if payload.Location != "" {
		form.Set("personal_note", payload.Location)
	}
	return c.call(ctx, "/inventory/create", form, opts)
}

// UpdateLot sets the absolute quantity and price of an existing lot
func (c *BrickowlClient) UpdateLot(ctx context.Context, payload *LotPayload, opts CallOptions) (*CallResult, error) {
	if payload.RemoteLotID == "" {
		return nil, errs.Validation("brickowl update requires a remote lot id")
	}
	form := url.Values{}
	form.Set("lot_id", payload.RemoteLotID)
	form.Set("absolute_quantity", strconv.Itoa(payload.Quantity))
	form.Set("price", payload.Price.StringFixed(3))
	if payload.Location != "" {
		form.Set("personal_note", payload.Location)
	}
	return c.call(ctx, "/inventory/update", form, opts)
}

// DeleteLot removes the lot from the remote store
func (c *BrickowlClient) DeleteLot(ctx context.Context, payload *LotPayload, opts CallOptions) (*CallResult, error) {
	if payload.RemoteLotID == "" {
		return nil, errs.Validation("brickowl delete requires a remote lot id")
	}
	form := url.Values{}
	form.Set("lot_id", payload.RemoteLotID)
	return c.call(ctx, "/inventory/delete", form, opts)
}

func brickowlCondition(condition string) string {
	switch condition {
	case "new":
		return "new"
	default:
		return "usedg"
	}
}

func (c *BrickowlClient) call(ctx context.Context, path string, form url.Values, opts CallOptions) (*CallResult, error) {
	if cached, ok := c.cache.get(opts.IdempotencyKey); ok {
		return cached, nil
	}

	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	header := http.Header{}
	header.Set("X-Correlation-Id", correlationID)

	resp, err := c.exec.Send(ctx, &upstream.Request{
		Provider:   models.ProviderBrickowl,
		Bucket:     "api",
		Method:     "POST",
		URL:        c.config.BaseURL + path,
		Query:      url.Values{},
		Header:     header,
		FormBody:   form,
		ExpectJSON: true,
		Auth:       &upstream.APIKeyAuth{Key: c.config.APIKey, Placement: upstream.APIKeyInForm, Field: "key"},
	})
	if err != nil {
		return nil, err
	}

	var parsed brickowlResponse
	if err := json.Unmarshal(resp.Data, &parsed); err != nil {
		return nil, &errs.UpstreamError{Provider: models.ProviderBrickowl, Status: resp.Status, Body: "unexpected response shape"}
	}
	if parsed.Error.Status != "" {
		return nil, &errs.UpstreamError{Provider: models.ProviderBrickowl, Status: 400, Body: parsed.Error.Status}
	}

	result := &CallResult{Success: true}
	if parsed.LotID > 0 {
		result.RemoteID = strconv.FormatInt(parsed.LotID, 10)
	}
	c.cache.put(opts.IdempotencyKey, result)
	return result, nil
}
