// Package httpapi is the thin HTTP adapter over the core packages: request
// parsing, the permission answerability status mapping, and the SSE
// handshake. It holds no invariant logic of its own — every decision is
// delegated to store.Store, queue.Queue, permission.Broker, or
// event.Pipeline.
package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mzxrai/memva/event"
	"github.com/mzxrai/memva/memvalog"
	"github.com/mzxrai/memva/permission"
	"github.com/mzxrai/memva/queue"
	"github.com/mzxrai/memva/store"
)

// Router holds the dependencies every handler adapts.
type Router struct {
	store  store.Store
	queue  *queue.Queue
	broker *permission.Broker
	events *event.Pipeline
	logger memvalog.Logger
}

// NewRouter builds the http.Handler exposing every route of §6.
func NewRouter(s store.Store, q *queue.Queue, broker *permission.Broker, events *event.Pipeline, logger memvalog.Logger) http.Handler {
	rt := &Router{
		store:  s,
		queue:  q,
		broker: broker,
		events: events,
		logger: memvalog.OrDiscard(logger),
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/claude-code/{sessionId}", rt.handleSubmitPrompt).Methods("POST")
	api.HandleFunc("/claude-code/{sessionId}", rt.handleStream).Methods("GET")
	api.HandleFunc("/sessions/{id}/events", rt.handleListEvents).Methods("GET")
	api.HandleFunc("/sessions/{id}/active-job", rt.handleActiveJob).Methods("GET")
	api.HandleFunc("/permissions", rt.handleListPermissions).Methods("GET")
	api.HandleFunc("/permissions/{id}", rt.handleDecidePermission).Methods("POST")
	api.HandleFunc("/session/{sessionId}/settings", rt.handleGetSettings).Methods("GET")
	api.HandleFunc("/session/{sessionId}/settings", rt.handlePutSettings).Methods("PUT")

	return recoveryMiddleware(r, rt.logger)
}

// recoveryMiddleware recovers from handler panics and returns 500, matching
// the behavior of the rest of the HTTP surface rather than crashing the
// worker process.
func recoveryMiddleware(next http.Handler, logger memvalog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("httpapi: panic recovered", "error", rec, "path", r.URL.Path)
				WriteError(w, http.StatusInternalServerError, codeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
