package api

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/sheikh-saqib/karma-ledger/internal/errs"
)

// HeaderUserID carries the caller's identity when HeaderIdentity is used.
const HeaderUserID = "X-User-Id"

const userKey = "karma.user_id"

// IdentityResolver turns a request into the caller's user id.
type IdentityResolver interface {
	Resolve(r *http.Request) (string, error)
}

// HeaderIdentity trusts a header set by an upstream gateway. It performs no
// authentication of its own.
type HeaderIdentity struct {
	Header string
}

func (h HeaderIdentity) Resolve(r *http.Request) (string, error) {
	name := h.Header
	if name == "" {
		name = HeaderUserID
	}
	id := strings.TrimSpace(r.Header.Get(name))
	if id == "" {
		return "", errs.E(errs.Unauthorized, "missing %s header", name)
	}
	if utf8.RuneCountInString(id) > maxUserIDLen {
		return "", errs.E(errs.InvalidInput, "%s exceeds %d characters", name, maxUserIDLen)
	}
	return id, nil
}

// requireIdentity aborts with 401 when the caller cannot be identified.
func requireIdentity(resolver IdentityResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := resolver.Resolve(c.Request)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Set(userKey, id)
		c.Next()
	}
}

func callerID(c *gin.Context) string {
	return c.GetString(userKey)
}
