package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// eventsPageSize bounds how many events a single page reports; the
// underlying Since query has no limit of its own, so this is purely a
// response-shaping cutoff.
const eventsPageSize = 200

// handleListEvents implements GET /api/sessions/:id/events.
func (rt *Router) handleListEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	sess, err := rt.store.GetSession(r.Context(), sessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	since := time.Time{}
	switch {
	case r.URL.Query().Get("since_timestamp") != "":
		parsed, err := time.Parse(time.RFC3339Nano, r.URL.Query().Get("since_timestamp"))
		if err != nil {
			WriteError(w, http.StatusBadRequest, codeValidation, "invalid since_timestamp")
			return
		}
		since = parsed

	case r.URL.Query().Get("since_event_id") != "":
		marker, ok, err := rt.eventTimestampByID(r, sessionID, r.URL.Query().Get("since_event_id"))
		if err != nil {
			writeStoreError(w, err)
			return
		}
		if !ok {
			WriteError(w, http.StatusBadRequest, codeValidation, "unknown since_event_id")
			return
		}
		since = marker
	}

	includeAll := r.URL.Query().Get("include_all") == "true"
	events, err := rt.events.Since(r.Context(), sessionID, since, !includeAll)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	hasMore := len(events) > eventsPageSize
	if hasMore {
		events = events[:eventsPageSize]
	}

	resp := map[string]any{
		"events":         events,
		"session_status": sess.ClaudeStatus,
		"has_more":       hasMore,
	}
	if len(events) > 0 {
		// events is oldest-first; the latest is the last element.
		latest := events[len(events)-1]
		resp["latest_event_id"] = latest.UUID
		resp["latest_timestamp"] = latest.Timestamp
	}
	WriteJSON(w, http.StatusOK, resp)
}

// eventTimestampByID resolves a since_event_id query param to the
// timestamp Since should search after, by scanning the full unfiltered
// history for a matching uuid.
func (rt *Router) eventTimestampByID(r *http.Request, sessionID, eventID string) (time.Time, bool, error) {
	all, err := rt.events.Since(r.Context(), sessionID, time.Time{}, false)
	if err != nil {
		return time.Time{}, false, err
	}
	for _, e := range all {
		if e.UUID == eventID {
			return e.Timestamp, true, nil
		}
	}
	return time.Time{}, false, nil
}

// handleActiveJob implements GET /api/sessions/:id/active-job.
func (rt *Router) handleActiveJob(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	if _, err := rt.store.GetSession(r.Context(), sessionID); err != nil {
		writeStoreError(w, err)
		return
	}

	job, err := rt.queue.ActiveSessionRunner(r.Context(), sessionID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"job": job})
}
