package vaultclient

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(Config{BaseURL: srv.URL, APIKey: "static-key"}, nil, nil)
	return c, srv
}

func TestAuthenticate_StaticAPIKeyTakesPrecedence(t *testing.T) {
	var gotHeader string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-API-Key")
		_ = json.NewEncoder(w).Encode([]CertificateMetadata{})
	})

	_, err := c.ListCertificates(t.Context(), "")
	require.NoError(t, err)
	assert.Equal(t, "static-key", gotHeader)
}

func TestAuthenticate_ExplicitTokenBeatsAPIKey(t *testing.T) {
	var gotAuth, gotAPIKey string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAPIKey = r.Header.Get("X-API-Key")
		_ = json.NewEncoder(w).Encode([]CertificateMetadata{})
	})

	_, err := c.ListCertificates(t.Context(), "explicit-token")
	require.NoError(t, err)
	assert.Equal(t, "Bearer explicit-token", gotAuth)
	assert.Empty(t, gotAPIKey)
}

func TestListCertificates_PropagatesHTTPError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	})

	_, err := c.ListCertificates(t.Context(), "")
	require.Error(t, err)
}

func TestListCertificates_DoesNotRetryUnauthorized(t *testing.T) {
	var calls int
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.ListCertificates(t.Context(), "")
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.Equal(t, 1, calls)
}

func TestGetSecret_ResolvesAliasBeforeDecrypt(t *testing.T) {
	var paths []string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.EscapedPath())
		switch {
		case r.URL.EscapedPath() == "/v1/secrets/alias/db%2Fprod":
			_ = json.NewEncoder(w).Encode(SecretMetadata{ID: "secret-uuid", Alias: "db/prod"})
		case r.URL.EscapedPath() == "/v1/secrets/secret-uuid/decrypt":
			_ = json.NewEncoder(w).Encode(SecretData{ID: "secret-uuid", Data: map[string]any{"password": "hunter2"}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	data, err := c.GetSecret(t.Context(), "", "alias:db/prod")
	require.NoError(t, err)
	assert.Equal(t, "secret-uuid", data.ID)
	assert.Equal(t, []string{"/v1/secrets/alias/db%2Fprod", "/v1/secrets/secret-uuid/decrypt"}, paths)
}

func TestHasValidToken_ExpiresWithSkew(t *testing.T) {
	c := New(Config{BaseURL: "http://unused"}, nil, nil)
	c.bearerToken = "tok"
	c.bearerExpiry = time.Now().Add(30 * time.Second)
	assert.False(t, c.HasValidToken(), "token expiring in under 60s must be treated as invalid")

	c.bearerExpiry = time.Now().Add(5 * time.Minute)
	assert.True(t, c.HasValidToken())

	c.ClearToken()
	assert.False(t, c.HasValidToken())
}

func TestRetry_StopsAfterMaxAttemptsOn5xx(t *testing.T) {
	var calls int
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.ListCertificates(t.Context(), "")
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}
