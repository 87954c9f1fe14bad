package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smarzola/ldapgate/internal/backend"
	"github.com/smarzola/ldapgate/internal/metrics"
	"github.com/smarzola/ldapgate/internal/models"
	"github.com/smarzola/ldapgate/pkg/config"
)

type stubSession struct{}

func (stubSession) Bind(context.Context, string, []byte) (backend.StatusCode, error) {
	return backend.Success, nil
}
func (stubSession) Unbind(context.Context) (backend.StatusCode, error) { return backend.Success, nil }
func (stubSession) Add(context.Context, string, []models.Attribute) (backend.StatusCode, error) {
	return backend.Success, nil
}
func (stubSession) Delete(context.Context, string) (backend.StatusCode, error) {
	return backend.Success, nil
}
func (stubSession) Modify(context.Context, string, models.ModificationRequest) (backend.StatusCode, error) {
	return backend.Success, nil
}
func (stubSession) Compare(context.Context, string, string, models.Value) (backend.StatusCode, error) {
	return backend.CompareFalse, nil
}
func (stubSession) Search(context.Context, string, string, backend.SearchControls) (backend.ResultStream, error) {
	return nil, nil
}

type stubBackend struct{}

func (stubBackend) CreateSession(context.Context, int64) (backend.Session, error) {
	return stubSession{}, nil
}
func (stubBackend) GetSession(context.Context, int64) (backend.Session, error) { return nil, nil }
func (stubBackend) CloseSession(context.Context, int64) error                  { return nil }
func (stubBackend) Close() error                                                { return nil }

// authBackend accepts only admin/secret
type authBackend struct{ stubBackend }

func (authBackend) Authenticate(_ context.Context, dn, password string) (bool, error) {
	return dn == "uid=admin,ou=users,dc=test,dc=com" && password == "secret", nil
}

type fixedConnections []int64

func (f fixedConnections) Connections() []int64 { return f }

func newTestServer(t *testing.T, b backend.Backend) (*Server, *backend.Registry) {
	t.Helper()
	cfg := &config.Config{
		LDAP:    config.LDAPConfig{BaseDN: "dc=test,dc=com"},
		Backend: config.BackendConfig{Class: "stub"},
	}
	registry := backend.NewRegistry(b, nil)
	return NewServer(cfg, registry, fixedConnections{3, 4}), registry
}

func get(t *testing.T, s *Server, path string, auth bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth {
		req.SetBasicAuth("admin", "secret")
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, authBackend{})

	rr := get(t, s, "/healthz", false)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok\n", rr.Body.String())
}

func TestSessions(t *testing.T) {
	s, registry := newTestServer(t, authBackend{})
	ctx := context.Background()

	_, err := registry.GetOrCreate(ctx, 4)
	require.NoError(t, err)

	rr := get(t, s, "/sessions", false)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = get(t, s, "/sessions", true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

	var resp SessionsResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "stub", resp.Backend)
	assert.Equal(t, []int64{3, 4}, resp.Connections)
	assert.Equal(t, []int64{4}, resp.Sessions)

	require.NoError(t, registry.Close(ctx, 4))
	rr = get(t, s, "/sessions", true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"sessions":[]`)
}

func TestSessionsRejectsWrites(t *testing.T) {
	s, _ := newTestServer(t, stubBackend{})

	req := httptest.NewRequest(http.MethodPost, "/sessions", strings.NewReader("{}"))
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestMetrics(t *testing.T) {
	s, _ := newTestServer(t, authBackend{})
	metrics.BackendError("bind", "backend")

	assert.Equal(t, http.StatusUnauthorized, get(t, s, "/metrics", false).Code)

	rr := get(t, s, "/metrics", true)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "ldapgate_backend_errors_total")
}

func TestEndpointsOpenWithoutAuthenticator(t *testing.T) {
	s, _ := newTestServer(t, stubBackend{})

	assert.Equal(t, http.StatusOK, get(t, s, "/sessions", false).Code)
	assert.Equal(t, http.StatusOK, get(t, s, "/metrics", false).Code)
}
