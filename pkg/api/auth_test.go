package api

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsbx-io/tsbx/pkg/models"
	"github.com/tsbx-io/tsbx/pkg/token"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{name: "standard bearer", header: "Bearer abc.def.ghi", want: "abc.def.ghi"},
		{name: "case insensitive scheme", header: "bearer tok", want: "tok"},
		{name: "surrounding whitespace trimmed", header: "Bearer   tok  ", want: "tok"},
		{name: "missing header", header: "", want: ""},
		{name: "wrong scheme", header: "Basic dXNlcjpwYXNz", want: ""},
		{name: "scheme only", header: "Bearer ", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, bearerToken(tt.header))
		})
	}
}

// authProbe sends a request to a route behind the sandbox-token middleware.
// The store is nil, so any request that reaches a store-touching handler
// would panic; the routes used here either fail in the middleware or fail
// request binding first.
func authProbe(t *testing.T, issuer *token.Issuer, method, path, authHeader, body string) *httptest.ResponseRecorder {
	t.Helper()
	srv := NewServer(nil, nil, issuer, discardLogger())
	router := srv.Router()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRequireSandboxToken(t *testing.T) {
	issuer, err := token.NewIssuer("auth-test-secret", token.DefaultTTL)
	require.NoError(t, err)

	mint := func(t *testing.T, sandboxID string) string {
		t.Helper()
		tok, err := issuer.Issue("tester", models.PrincipalTypeUser, sandboxID)
		require.NoError(t, err)
		return tok
	}

	t.Run("missing header is unauthorized", func(t *testing.T) {
		rec := authProbe(t, issuer, http.MethodPut, "/api/v1/sandboxes/sbx-1/state", "", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "missing bearer token")
	})

	t.Run("garbage token is unauthorized", func(t *testing.T) {
		rec := authProbe(t, issuer, http.MethodPut, "/api/v1/sandboxes/sbx-1/state", "Bearer not-a-jwt", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "invalid token")
	})

	t.Run("token scoped to another sandbox is unauthorized", func(t *testing.T) {
		tok := mint(t, "sbx-other")
		rec := authProbe(t, issuer, http.MethodPut, "/api/v1/sandboxes/sbx-1/state", "Bearer "+tok, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("token signed with a different secret is unauthorized", func(t *testing.T) {
		other, err := token.NewIssuer("some-other-secret", token.DefaultTTL)
		require.NoError(t, err)
		tok, err := other.Issue("tester", models.PrincipalTypeUser, "sbx-1")
		require.NoError(t, err)

		rec := authProbe(t, issuer, http.MethodPut, "/api/v1/sandboxes/sbx-1/state", "Bearer "+tok, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("expired token is unauthorized", func(t *testing.T) {
		short, err := token.NewIssuer("auth-test-secret", time.Nanosecond)
		require.NoError(t, err)
		tok, err := short.Issue("tester", models.PrincipalTypeUser, "sbx-1")
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)

		rec := authProbe(t, issuer, http.MethodPut, "/api/v1/sandboxes/sbx-1/state", "Bearer "+tok, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid token reaches the handler", func(t *testing.T) {
		// A bad body draws a 400 from request binding, past the middleware.
		tok := mint(t, "sbx-1")
		rec := authProbe(t, issuer, http.MethodPut, "/api/v1/sandboxes/sbx-1/state", "Bearer "+tok, "{}")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("valid token with unreportable state", func(t *testing.T) {
		tok := mint(t, "sbx-1")
		rec := authProbe(t, issuer, http.MethodPut, "/api/v1/sandboxes/sbx-1/state", "Bearer "+tok,
			`{"state":"terminated"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "cannot be reported")
	})
}
