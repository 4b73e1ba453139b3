package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"bricksync/internal/errs"
	"bricksync/internal/models"
	"bricksync/internal/upstream"

	"github.com/google/uuid"
)

// Errors for Bricklink configuration
var (
	ErrBricklinkMissingConsumerKey = errors.New("bricklink: consumer key is required")
	ErrBricklinkMissingToken       = errors.New("bricklink: access token is required")
)

// BricklinkConfig holds credentials and endpoint for the Bricklink store API.
// Bricklink signs every request OAuth-style.
type BricklinkConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Token          string
	TokenSecret    string
}

// Validate validates the Bricklink configuration
func (c *BricklinkConfig) Validate() error {
	if c.ConsumerKey == "" || c.ConsumerSecret == "" {
		return ErrBricklinkMissingConsumerKey
	}
	if c.Token == "" || c.TokenSecret == "" {
		return ErrBricklinkMissingToken
	}
	if c.BaseURL == "" {
		c.BaseURL = "https://api.bricklink.com/api/store/v1"
	}
	return nil
}

// BricklinkClient talks to the Bricklink inventories API.
type BricklinkClient struct {
	config *BricklinkConfig
	exec   *upstream.Executor
	auth   upstream.AuthStrategy
	cache  *responseCache
}

// NewBricklinkClient creates a Bricklink client
func NewBricklinkClient(config *BricklinkConfig, exec *upstream.Executor) (*BricklinkClient, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &BricklinkClient{
		config: config,
		exec:   exec,
		auth: &upstream.SignedRequestAuth{
			ConsumerKey:    config.ConsumerKey,
			ConsumerSecret: config.ConsumerSecret,
			Token:          config.Token,
			TokenSecret:    config.TokenSecret,
		},
		cache: newResponseCache(),
	}, nil
}

// Provider returns the provider name this client handles
func (c *BricklinkClient) Provider() string {
	return models.ProviderBricklink
}

// NewSession returns a client with a fresh idempotency-response cache
func (c *BricklinkClient) NewSession() Client {
	clone := *c
	clone.cache = newResponseCache()
	return &clone
}

type bricklinkLot struct {
	Item struct {
		No      string `json:"no"`
		Type    string `json:"type"`
		ColorID int    `json:"color_id"`
	} `json:"item"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	NewOrUsed string `json:"new_or_used"`
	Remarks   string `json:"remarks,omitempty"`
	Desc      string `json:"description,omitempty"`
}

type bricklinkResponse struct {
	Meta struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"meta"`
	Data struct {
		InventoryID int64 `json:"inventory_id"`
	} `json:"data"`
}

func bricklinkCondition(condition string) string {
	if condition == "new" {
		return "N"
	}
	return "U"
}

func (c *BricklinkClient) lotBody(payload *LotPayload) bricklinkLot {
	var lot bricklinkLot
	lot.Item.No = payload.PartNumber
	lot.Item.Type = "PART"
	lot.Item.ColorID = payload.ColorID
	lot.Quantity = payload.Quantity
	lot.UnitPrice = payload.Price.StringFixed(2)
	lot.NewOrUsed = bricklinkCondition(payload.Condition)
	lot.Remarks = payload.Location
	lot.Desc = payload.Description
	return lot
}

// CreateLot creates an inventory lot and returns the remote inventory id
func (c *BricklinkClient) CreateLot(ctx context.Context, payload *LotPayload, opts CallOptions) (*CallResult, error) {
	return c.call(ctx, "POST", "/inventories", c.lotBody(payload), opts)
}

// UpdateLot replaces the lot's quantity and price on the remote store
func (c *BricklinkClient) UpdateLot(ctx context.Context, payload *LotPayload, opts CallOptions) (*CallResult, error) {
	if payload.RemoteLotID == "" {
		return nil, errs.Validation("bricklink update requires a remote lot id")
	}
	return c.call(ctx, "PUT", "/inventories/"+payload.RemoteLotID, c.lotBody(payload), opts)
}

// DeleteLot removes the lot from the remote store
func (c *BricklinkClient) DeleteLot(ctx context.Context, payload *LotPayload, opts CallOptions) (*CallResult, error) {
	if payload.RemoteLotID == "" {
		return nil, errs.Validation("bricklink delete requires a remote lot id")
	}
	return c.call(ctx, "DELETE", "/inventories/"+payload.RemoteLotID, nil, opts)
}

func (c *BricklinkClient) call(ctx context.Context, method, path string, body interface{}, opts CallOptions) (*CallResult, error) {
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
		Provider:   models.ProviderBricklink,
		Bucket:     "api",
		Method:     method,
		URL:        c.config.BaseURL + path,
		Query:      url.Values{},
		Header:     header,
		JSONBody:   body,
		ExpectJSON: true,
		Auth:       c.auth,
	})
	if err != nil {
		return nil, err
	}

	var parsed bricklinkResponse
	if err := json.Unmarshal(resp.Data, &parsed); err != nil {
		return nil, &errs.UpstreamError{Provider: models.ProviderBricklink, Status: resp.Status, Body: "unexpected response shape"}
	}
	if parsed.Meta.Code >= 400 {
		return nil, &errs.UpstreamError{
			Provider: models.ProviderBricklink,
			Status:   parsed.Meta.Code,
			Body:     fmt.Sprintf("api error: %s", parsed.Meta.Message),
		}
	}

	result := &CallResult{Success: true}
	if parsed.Data.InventoryID > 0 {
		result.RemoteID = strconv.FormatInt(parsed.Data.InventoryID, 10)
	}
	c.cache.put(opts.IdempotencyKey, result)
	return result, nil
}
