// Package api contains the HTTP surface of the bridge: the open, save and
// list endpoints, a landing page and the metrics exposition.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cs3org/wopibridge/pkg/apps"
	"github.com/cs3org/wopibridge/pkg/bridge"
	"github.com/cs3org/wopibridge/pkg/wopi"
)

// requestTimeout bounds a whole request, including the storage and app
// round-trips an /open performs on a large document.
const requestTimeout = 5 * time.Minute

// NewRouter assembles the bridge routes under approot. The bare site root
// redirects there so probing a misconfigured client lands on the index.
func NewRouter(approot, hashSecret string, state *bridge.State, wopiClient *wopi.Client, registry *apps.Registry) http.Handler {
	routes := &bridgeRoutes{
		state:      state,
		wopi:       wopiClient,
		apps:       registry,
		hashSecret: hashSecret,
	}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		recoverJSON,
		middleware.Timeout(requestTimeout),
	)

	if approot != "/" {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, approot+"/", http.StatusFound)
		})
	}
	r.Route(approot, func(r chi.Router) {
		r.Get("/", routes.index)
		r.Get("/open", routes.open)
		r.Post("/save", routes.save)
		r.Get("/list", routes.list)
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	})

	return r
}
