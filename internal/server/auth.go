package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Request headers for the trusted-proxy identity scheme. The API sits behind
// a gateway that authenticates the user and forwards these.
const (
	HeaderUser    = "X-Bonfire-User"
	HeaderPremium = "X-Bonfire-Premium"
)

const identityKey = "bonfire.identity"

// Identity is the authenticated caller.
type Identity struct {
	UserID  string
	Premium bool
}

// Authenticator resolves the caller's identity from an incoming request.
type Authenticator interface {
	Authenticate(c *gin.Context) (Identity, bool)
}

// HeaderAuth trusts the gateway-forwarded identity headers.
type HeaderAuth struct{}

func (HeaderAuth) Authenticate(c *gin.Context) (Identity, bool) {
	user := c.GetHeader(HeaderUser)
	if user == "" {
		return Identity{}, false
	}
	return Identity{
		UserID:  user,
		Premium: c.GetHeader(HeaderPremium) == "true",
	}, true
}

// requireIdentity rejects unauthenticated requests and stashes the identity
// for handlers.
func requireIdentity(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := auth.Authenticate(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"kind":  "unauthenticated",
				"error": "missing or invalid identity",
			})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func identityFrom(c *gin.Context) Identity {
	id, _ := c.Get(identityKey)
	ident, _ := id.(Identity)
	return ident
}
