package api

import (
	"net/http"
	"runtime/debug"

	"github.com/cs3org/wopibridge/pkg/logger"
	"github.com/cs3org/wopibridge/pkg/wopi"
)

// recoverJSON turns handler panics into the JSON 500 the apps expect,
// like chi's Recoverer but with a body the callers can parse.
func recoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logger.Errorw("recovered from panic in handler",
				"path", r.URL.Path, "panic", rec, "stack", string(debug.Stack()))
			writeJSON(w, http.StatusInternalServerError,
				wopi.Jsonify("Internal error, please contact support. "+wopi.RecoverMsg))
		}()
		next.ServeHTTP(w, r)
	})
}
