/**
 * @description
 * HTTP middleware for the transfer-service API. Service-to-service calls are
 * authenticated with a shared internal API key header; there is no end-user
 * auth surface on this service.
 */

package api

import (
	"crypto/subtle"
	"net/http"
)

const internalAPIKeyHeader = "X-Internal-Api-Key"

// InternalAuth rejects requests that do not carry the expected internal API
// key. An empty configured key disables the check, which is only acceptable in
// local development.
func InternalAuth(expectedKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expectedKey != "" {
				provided := r.Header.Get(internalAPIKeyHeader)
				if subtle.ConstantTimeCompare([]byte(provided), []byte(expectedKey)) != 1 {
					respondWithError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid internal API key")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
