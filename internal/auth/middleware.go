// Package auth authenticates the chat bridge and extracts the acting identity.
//
// The bridge is the only client. It proves itself with a shared bearer secret
// and names the end user it acts for in the X-Actor-ID and X-Actor-Handle
// headers. Identity IDs are immutable; handles are not and are only used
// where a deal was opened against a handle.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dealpact/dealpact/internal/logging"
)

const (
	// ContextKeyCaller is the gin context key holding the authenticated Caller.
	ContextKeyCaller = "authCaller"

	HeaderActorID     = "X-Actor-ID"
	HeaderActorHandle = "X-Actor-Handle"
)

// Caller is the end user a bridge request acts for.
type Caller struct {
	ID     int64  `json:"id"`
	Handle string `json:"handle,omitempty"`
}

// Middleware checks the bridge secret and sets the Caller. An empty secret
// disables the bearer check, which server wiring only allows outside
// production.
func Middleware(secret string) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		if secret != "" {
			token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
			if subtle.ConstantTimeCompare([]byte(token), want) != 1 {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": "Bridge secret required. Include 'Authorization: Bearer <secret>' header.",
				})
				return
			}
		}

		id, err := strconv.ParseInt(strings.TrimSpace(c.GetHeader(HeaderActorID)), 10, 64)
		if err != nil || id <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "X-Actor-ID header must carry the acting identity.",
			})
			return
		}

		caller := Caller{
			ID:     id,
			Handle: strings.TrimPrefix(strings.TrimSpace(c.GetHeader(HeaderActorHandle)), "@"),
		}
		c.Set(ContextKeyCaller, caller)
		c.Request = c.Request.WithContext(logging.WithActor(c.Request.Context(), id))
		c.Next()
	}
}

// GetCaller returns the authenticated caller.
func GetCaller(c *gin.Context) (Caller, bool) {
	v, ok := c.Get(ContextKeyCaller)
	if !ok {
		return Caller{}, false
	}
	caller, ok := v.(Caller)
	return caller, ok
}

// MustCaller returns the caller or aborts with 401. Handlers behind
// Middleware always have one.
func MustCaller(c *gin.Context) (Caller, bool) {
	caller, ok := GetCaller(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "authentication required",
		})
	}
	return caller, ok
}
