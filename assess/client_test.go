package assess

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/digicoop/digisync/offsync"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *APIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	token := func(ctx context.Context) (string, error) { return "test-token", nil }
	client := NewAPIClient(srv.URL, token, nil)
	client.HTTP = srv.Client()
	return client
}

func writeEnvelope(w http.ResponseWriter, status int, success bool, data any, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": success,
		"data":    raw,
		"message": message,
	})
}

func TestEntityClientListUnwrapsEnvelope(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/api/organizations", r.URL.Path)
		require.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		writeEnvelope(w, http.StatusOK, true, []Organization{{ID: "org-1", Name: "Acme"}}, "")
	})

	orgs, err := NewEntityClient[Organization](client, TableOrganizations).List(context.Background())
	require.NoError(t, err)
	require.Len(t, orgs, 1)
	require.Equal(t, "Acme", orgs[0].Name)
}

func TestEntityClientCreateSendsIdempotencyKey(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "key-123", r.Header.Get("Idempotency-Key"))
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body Organization
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		body.ID = "srv-1"
		writeEnvelope(w, http.StatusCreated, true, body, "")
	})

	created, err := NewEntityClient[Organization](client, TableOrganizations).
		Create(context.Background(), Organization{Name: "Acme"}, "key-123")
	require.NoError(t, err)
	require.Equal(t, "srv-1", created.ID)
	require.Equal(t, "Acme", created.Name)
}

func TestEntityClientHTTPErrorBecomesRemoteError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusNotFound, false, nil, "organization not found")
	})

	_, err := NewEntityClient[Organization](client, TableOrganizations).
		Fetch(context.Background(), "missing")
	var rerr *offsync.RemoteError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, http.StatusNotFound, rerr.StatusCode)
	require.Equal(t, "organization not found", rerr.Message)
	require.True(t, offsync.IsNotFound(err))
	require.True(t, rerr.Terminal())
}

func TestEntityClientEnvelopeFailureBecomesRemoteError(t *testing.T) {
	// 200 with success=false still counts as a rejection.
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, false, nil, "name already taken")
	})

	_, err := NewEntityClient[Organization](client, TableOrganizations).
		Create(context.Background(), Organization{Name: "Acme"}, "key-1")
	var rerr *offsync.RemoteError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, http.StatusUnprocessableEntity, rerr.StatusCode)
	require.True(t, rerr.Terminal())
}

func TestEntityClientDeleteOmitsBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "/api/organizations/org-1", r.URL.Path)
		writeEnvelope(w, http.StatusOK, true, nil, "deleted")
	})

	err := NewEntityClient[Organization](client, TableOrganizations).
		Delete(context.Background(), "org-1", "key-9")
	require.NoError(t, err)
}

func TestTokenErrorShortCircuits(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
	defer srv.Close()

	client := NewAPIClient(srv.URL, func(ctx context.Context) (string, error) {
		return "", errors.New("token expired")
	}, nil)

	_, err := NewEntityClient[Organization](client, TableOrganizations).List(context.Background())
	require.Error(t, err)
	require.Zero(t, hits, "no request should be sent without credentials")
}

func TestHealthURL(t *testing.T) {
	client := NewAPIClient("https://api.example.org", nil, nil)
	require.Equal(t, "https://api.example.org/healthz", client.HealthURL())
}
