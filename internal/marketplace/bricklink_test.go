package marketplace

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bricksync/internal/models"
	"bricksync/internal/ratelimit"
	"bricksync/internal/upstream"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExecutor(t *testing.T) *upstream.Executor {
	t.Helper()
	limiter := ratelimit.NewLimiter(map[string]ratelimit.BucketConfig{
		models.ProviderBricklink: {Capacity: 1000, Window: time.Minute},
		models.ProviderBrickowl:  {Capacity: 1000, Window: time.Minute},
	})
	return upstream.NewExecutor(limiter,
		upstream.WithJitterSeed(0),
		upstream.WithSleep(func(ctx context.Context, d time.Duration) error { return nil }),
	)
}

func TestBricklinkConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  BricklinkConfig
		wantErr error
	}{
		{
			name:    "missing consumer key",
			config:  BricklinkConfig{Token: "t", TokenSecret: "ts"},
			wantErr: ErrBricklinkMissingConsumerKey,
		},
		{
			name:    "missing token",
			config:  BricklinkConfig{ConsumerKey: "ck", ConsumerSecret: "cs"},
			wantErr: ErrBricklinkMissingToken,
		},
		{
			name:   "complete",
			config: BricklinkConfig{ConsumerKey: "ck", ConsumerSecret: "cs", Token: "t", TokenSecret: "ts"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "https://api.bricklink.com/api/store/v1", tt.config.BaseURL)
		})
	}
}

func newBricklinkTestClient(t *testing.T, baseURL string) *BricklinkClient {
	t.Helper()
	client, err := NewBricklinkClient(&BricklinkConfig{
		BaseURL:        baseURL,
		ConsumerKey:    "ck",
		ConsumerSecret: "cs",
		Token:          "tok",
		TokenSecret:    "toksec",
	}, testExecutor(t))
	require.NoError(t, err)
	return client
}

func TestBricklinkCreateLot(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/inventories", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"meta":{"code":200},"data":{"inventory_id":98765}}`))
	}))
	defer server.Close()

	client := newBricklinkTestClient(t, server.URL)
	result, err := client.CreateLot(context.Background(), &LotPayload{
		PartNumber: "3001",
		ColorID:    5,
		Condition:  "new",
		Quantity:   12,
		Price:      decimal.NewFromFloat(0.25),
		Location:   "A1-03",
	}, CallOptions{})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "98765", result.RemoteID)
	assert.Contains(t, gotAuth, `OAuth realm=""`)
	assert.Contains(t, gotAuth, `oauth_consumer_key="ck"`)
	assert.Contains(t, gotAuth, "oauth_signature=")
}

func TestBricklinkUpdateLotRequiresRemoteID(t *testing.T) {
	client := newBricklinkTestClient(t, "http://unused.invalid")
	_, err := client.UpdateLot(context.Background(), &LotPayload{Quantity: 3}, CallOptions{})
	assert.Error(t, err)
}

func TestBricklinkDeleteLot(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/inventories/42", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"meta":{"code":204}}`))
	}))
	defer server.Close()

	client := newBricklinkTestClient(t, server.URL)
	result, err := client.DeleteLot(context.Background(), &LotPayload{RemoteLotID: "42"}, CallOptions{})
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestBricklinkMetaErrorSurfacesAsUpstream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"meta":{"code":400,"message":"INVALID_ITEM_NO"}}`))
	}))
	defer server.Close()

	client := newBricklinkTestClient(t, server.URL)
	_, err := client.CreateLot(context.Background(), &LotPayload{PartNumber: "nope"}, CallOptions{})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "INVALID_ITEM_NO")
}

func TestBricklinkSessionCacheDedups(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"meta":{"code":200},"data":{"inventory_id":7}}`))
	}))
	defer server.Close()

	session := newBricklinkTestClient(t, server.URL).NewSession()
	opts := CallOptions{IdempotencyKey: "abc123"}
	payload := &LotPayload{PartNumber: "3001", Quantity: 1, Price: decimal.NewFromInt(1)}

	first, err := session.CreateLot(context.Background(), payload, opts)
	require.NoError(t, err)
	second, err := session.CreateLot(context.Background(), payload, opts)
	require.NoError(t, err)

	assert.Equal(t, 1, hits)
	assert.Equal(t, first.RemoteID, second.RemoteID)

	// A fresh session does not see the cached response.
	fresh := session.NewSession()
	_, err = fresh.CreateLot(context.Background(), payload, opts)
	require.NoError(t, err)
	assert.Equal(t, 2, hits)
}
