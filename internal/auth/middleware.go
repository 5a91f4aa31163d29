// Package auth resolves the acting account for API requests.
//
// Credentials are verified upstream by the web gateway, which forwards the
// authenticated account in X-Actor-ID. When a gateway token is configured,
// requests must also carry it in X-Gateway-Token or the actor is ignored.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/walletguard/internal/ledger"
	"github.com/mbd888/walletguard/internal/logging"
)

const (
	// HeaderActor carries the authenticated account ID.
	HeaderActor = "X-Actor-ID"
	// HeaderGatewayToken carries the shared secret of the gateway.
	HeaderGatewayToken = "X-Gateway-Token"

	// ContextKeyActor is the key for storing the resolved account in gin context
	ContextKeyActor = "authActor"
)

// AccountLookup resolves account IDs.
type AccountLookup interface {
	GetAccount(ctx context.Context, id string) (*ledger.Account, error)
}

// Middleware resolves the actor header into an account. Unknown accounts
// and bad gateway tokens leave the request unauthenticated without aborting.
func Middleware(accounts AccountLookup, gatewayToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		actorID := c.GetHeader(HeaderActor)
		if actorID == "" {
			c.Next()
			return
		}
		if gatewayToken != "" &&
			subtle.ConstantTimeCompare([]byte(c.GetHeader(HeaderGatewayToken)), []byte(gatewayToken)) != 1 {
			c.Next()
			return
		}
		if acct, err := accounts.GetAccount(c.Request.Context(), actorID); err == nil {
			c.Set(ContextKeyActor, acct)
			c.Request = c.Request.WithContext(logging.WithActorID(c.Request.Context(), acct.ID))
		}
		c.Next()
	}
}

// RequireActor rejects requests without a resolved actor.
func RequireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := Actor(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authenticated actor required. Include the '" + HeaderActor + "' header.",
			})
			return
		}
		c.Next()
	}
}

// Actor returns the resolved account, if any.
func Actor(c *gin.Context) (*ledger.Account, bool) {
	v, exists := c.Get(ContextKeyActor)
	if !exists {
		return nil, false
	}
	acct, ok := v.(*ledger.Account)
	return acct, ok
}

// ActorID returns the resolved account ID or "".
func ActorID(c *gin.Context) string {
	if acct, ok := Actor(c); ok {
		return acct.ID
	}
	return ""
}

// RequireGateway guards operator routes. The request must carry the gateway
// token itself; an empty token disables the routes entirely.
func RequireGateway(gatewayToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if gatewayToken == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Operator routes are disabled without a gateway token.",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(c.GetHeader(HeaderGatewayToken)), []byte(gatewayToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid '" + HeaderGatewayToken + "' header required.",
			})
			return
		}
		c.Next()
	}
}
