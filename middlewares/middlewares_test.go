package middlewares

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/academy_backend/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type identity struct {
	Username string
	Admin    bool
	Cid      string
}

func echoIdentity(c *gin.Context) {
	ctx := c.Request.Context()
	var out identity
	out.Username, _ = utils.GetUsernameFromContext(ctx)
	out.Admin, _ = utils.GetIsAdminFromContext(ctx)
	out.Cid, _ = utils.GetCorrelationIdFromContext(ctx)
	c.JSON(http.StatusOK, out)
}

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw...)
	r.GET("/whoami", echoIdentity)
	return r
}

func TestAuthMiddleware_BearerSubjectBecomesActor(t *testing.T) {
	t.Setenv("API_SECRET", "test-secret")
	token, err := utils.JwtGenerate("scheduler", 0, utils.RoleAdmin)
	if err != nil {
		t.Fatalf("JwtGenerate: %v", err)
	}

	var seen identity
	r := gin.New()
	r.Use(AuthMiddleware())
	r.GET("/whoami", func(c *gin.Context) {
		seen.Username, _ = utils.GetUsernameFromContext(c.Request.Context())
		seen.Admin, _ = utils.GetIsAdminFromContext(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	if seen.Username != "svc:scheduler" || !seen.Admin {
		t.Fatalf("unexpected identity: %+v", seen)
	}
}

func TestAuthMiddleware_RejectsBadToken(t *testing.T) {
	t.Setenv("API_SECRET", "test-secret")
	r := newRouter(AuthMiddleware())

	for _, header := range []string{"Bearer not-a-jwt", "Basic abc"} {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", header)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("%q: status = %d, want 401", header, w.Code)
		}
	}
}

func TestSessionMiddleware(t *testing.T) {
	store := map[string]string{
		"Token:abc":              "ops@academy.test",
		"Admin:ops@academy.test": "1",
		"Token:viewer":           "viewer@academy.test",
	}
	lookup := func(key string) (string, bool, error) {
		v, ok := store[key]
		return v, ok, nil
	}

	var seen identity
	r := gin.New()
	r.Use(SessionMiddlewareWith(lookup), RequireOperator())
	r.GET("/whoami", func(c *gin.Context) {
		seen.Username, _ = utils.GetUsernameFromContext(c.Request.Context())
		seen.Admin = IsAdmin(c)
		c.Status(http.StatusNoContent)
	})

	cases := []struct {
		token     string
		wantCode  int
		wantUser  string
		wantAdmin bool
	}{
		{"abc", http.StatusNoContent, "ops@academy.test", true},
		{"viewer", http.StatusNoContent, "viewer@academy.test", false},
		{"expired", http.StatusUnauthorized, "", false},
		{"", http.StatusUnauthorized, "", false},
	}
	for _, tc := range cases {
		seen = identity{}
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		if tc.token != "" {
			req.Header.Set("token", tc.token)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != tc.wantCode {
			t.Fatalf("token %q: status = %d, want %d", tc.token, w.Code, tc.wantCode)
		}
		if seen.Username != tc.wantUser || seen.Admin != tc.wantAdmin {
			t.Fatalf("token %q: identity = %+v", tc.token, seen)
		}
	}
}

func TestSessionMiddleware_StoreFailure(t *testing.T) {
	lookup := func(key string) (string, bool, error) {
		return "", false, errors.New("redis down")
	}
	r := newRouter(SessionMiddlewareWith(lookup))
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("token", "abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestCorrelationMiddleware(t *testing.T) {
	r := newRouter(CorrelationMiddleware())

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set(CorrelationHeader, "cid-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get(CorrelationHeader); got != "cid-123" {
		t.Fatalf("echoed correlation id = %q", got)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	if got := w.Header().Get(CorrelationHeader); len(got) != 36 {
		t.Fatalf("expected generated uuid, got %q", got)
	}
}
