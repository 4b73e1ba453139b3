package upstream

import (
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() time.Time {
	return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
}

func TestSignedRequestAuth_DeterministicSignature(t *testing.T) {
	auth := &SignedRequestAuth{
		ConsumerKey:    "ck",
		ConsumerSecret: "cs",
		Token:          "tk",
		TokenSecret:    "ts",
		Nonce:          func() string { return "fixednonce" },
		Clock:          fixedClock,
	}

	newReq := func() *Request {
		return &Request{
			Method: "PUT",
			URL:    "https://api.example.com/inventories/42",
			Query:  url.Values{"show_deleted": []string{"false"}},
			Header: http.Header{},
		}
	}

	r1, r2 := newReq(), newReq()
	require.NoError(t, auth.Apply(r1))
	require.NoError(t, auth.Apply(r2))

	h1 := r1.Header.Get("Authorization")
	assert.Equal(t, h1, r2.Header.Get("Authorization"))
	assert.True(t, strings.HasPrefix(h1, `OAuth realm=""`))
	assert.Contains(t, h1, `oauth_consumer_key="ck"`)
	assert.Contains(t, h1, `oauth_token="tk"`)
	assert.Contains(t, h1, `oauth_signature_method="HMAC-SHA1"`)
	assert.Contains(t, h1, `oauth_nonce="fixednonce"`)
	assert.Contains(t, h1, "oauth_signature=")
}

func TestSignedRequestAuth_SignatureVariesWithQuery(t *testing.T) {
	auth := &SignedRequestAuth{
		ConsumerKey:    "ck",
		ConsumerSecret: "cs",
		Token:          "tk",
		TokenSecret:    "ts",
		Nonce:          func() string { return "fixednonce" },
		Clock:          fixedClock,
	}

	r1 := &Request{Method: "GET", URL: "https://api.example.com/inventories", Query: url.Values{"page": []string{"1"}}, Header: http.Header{}}
	r2 := &Request{Method: "GET", URL: "https://api.example.com/inventories", Query: url.Values{"page": []string{"2"}}, Header: http.Header{}}
	require.NoError(t, auth.Apply(r1))
	require.NoError(t, auth.Apply(r2))

	assert.NotEqual(t, r1.Header.Get("Authorization"), r2.Header.Get("Authorization"))
}

func TestAPIKeyAuth_Placements(t *testing.T) {
	t.Run("header", func(t *testing.T) {
		req := &Request{Header: http.Header{}, Query: url.Values{}}
		auth := &APIKeyAuth{Key: "secret", Placement: APIKeyInHeader, Field: "X-Api-Key"}
		require.NoError(t, auth.Apply(req))
		assert.Equal(t, "secret", req.Header.Get("X-Api-Key"))
	})

	t.Run("query", func(t *testing.T) {
		req := &Request{Header: http.Header{}, Query: url.Values{}}
		auth := &APIKeyAuth{Key: "secret", Placement: APIKeyInQuery, Field: "key"}
		require.NoError(t, auth.Apply(req))
		assert.Equal(t, "secret", req.Query.Get("key"))
	})

	t.Run("form", func(t *testing.T) {
		req := &Request{Header: http.Header{}, Query: url.Values{}}
		auth := &APIKeyAuth{Key: "secret", Placement: APIKeyInForm, Field: "key"}
		require.NoError(t, auth.Apply(req))
		assert.Equal(t, "secret", req.FormBody.Get("key"))
	})

	t.Run("empty key", func(t *testing.T) {
		req := &Request{Header: http.Header{}, Query: url.Values{}}
		auth := &APIKeyAuth{Placement: APIKeyInHeader, Field: "X-Api-Key"}
		assert.Error(t, auth.Apply(req))
	})
}
