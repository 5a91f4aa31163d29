package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/walletguard/internal/ledger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupMiddlewareTest(t *testing.T) (*ledger.MemoryStore, *ledger.Account) {
	t.Helper()
	store := ledger.NewMemoryStore()
	acct, err := ledger.New(store).CreateAccount(context.Background(), "alice")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return store, acct
}

func runMiddleware(mw gin.HandlerFunc, headers map[string]string) *gin.Context {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest("GET", "/test", nil)
	for k, v := range headers {
		c.Request.Header.Set(k, v)
	}
	mw(c)
	return c
}

// --- Middleware() ---

func TestMiddleware_KnownActor_SetsContext(t *testing.T) {
	store, acct := setupMiddlewareTest(t)

	c := runMiddleware(Middleware(store, ""), map[string]string{HeaderActor: acct.ID})

	got, ok := Actor(c)
	if !ok {
		t.Fatal("Expected actor to be set in context")
	}
	if got.Username != "alice" {
		t.Errorf("Expected alice, got %s", got.Username)
	}
	if ActorID(c) != acct.ID {
		t.Errorf("Expected %s, got %s", acct.ID, ActorID(c))
	}
}

func TestMiddleware_UnknownActor_DoesNotAbort(t *testing.T) {
	store, _ := setupMiddlewareTest(t)

	c := runMiddleware(Middleware(store, ""), map[string]string{HeaderActor: "acct_missing"})

	if _, ok := Actor(c); ok {
		t.Error("Unknown account should not be resolved")
	}
	if c.IsAborted() {
		t.Error("Middleware should not abort")
	}
}

func TestMiddleware_NoHeader(t *testing.T) {
	store, _ := setupMiddlewareTest(t)

	c := runMiddleware(Middleware(store, ""), nil)

	if ActorID(c) != "" {
		t.Error("Expected no actor without header")
	}
}

func TestMiddleware_GatewayToken(t *testing.T) {
	store, acct := setupMiddlewareTest(t)
	mw := Middleware(store, "s3cret")

	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{"missing", "", false},
		{"wrong", "nope", false},
		{"correct", "s3cret", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := map[string]string{HeaderActor: acct.ID}
			if tt.token != "" {
				headers[HeaderGatewayToken] = tt.token
			}
			c := runMiddleware(mw, headers)
			if _, ok := Actor(c); ok != tt.want {
				t.Errorf("resolved = %v, want %v", ok, tt.want)
			}
		})
	}
}

// --- RequireActor() ---

func TestRequireActor(t *testing.T) {
	store, acct := setupMiddlewareTest(t)

	r := gin.New()
	r.Use(Middleware(store, ""), RequireActor())
	r.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"id": ActorID(c)})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/me", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without actor, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/me", nil)
	req.Header.Set(HeaderActor, acct.ID)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with actor, got %d", w.Code)
	}
}

func TestRequireGateway(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		sent       string
		want       int
	}{
		{"disabled without token", "", "anything", http.StatusForbidden},
		{"missing header", "s3cret", "", http.StatusUnauthorized},
		{"wrong token", "s3cret", "nope", http.StatusUnauthorized},
		{"correct token", "s3cret", "s3cret", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/admin", RequireGateway(tt.configured), func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest("GET", "/admin", nil)
			if tt.sent != "" {
				req.Header.Set(HeaderGatewayToken, tt.sent)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}
