package middleware

import (
	"net/http"

	"github.com/plazahq/plaza/pkg/access"
	"github.com/plazahq/plaza/pkg/httputil"
)

// RequirePermission enforces an access decision before the handler runs.
// The scope id is read from the named path variable; an empty pathVar checks
// at tenant scope. Denials and access-service outages both terminate the
// request (outages as 502, never silently allowed).
func (c *Chain) RequirePermission(client *access.Client, permission, scopeType, pathVar string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ic := GetInternalContext(r)
			if ic == nil {
				httputil.WriteAPIError(w, r, httputil.Unauthorized("X-User-Id header is required"))
				return
			}

			scopeID := ""
			if pathVar != "" {
				var ok bool
				scopeID, ok = httputil.ParsePathStringOrError(w, r, pathVar)
				if !ok {
					return
				}
			}

			if err := client.Check(r.Context(), ic, permission, scopeType, scopeID); err != nil {
				httputil.WriteAPIError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
