package event

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/mzxrai/memva/store"
)

// PollInterval is how often the live-tail poller checks the store for new
// events once a client is connected.
const PollInterval = 500 * time.Millisecond

type connectionFrame struct {
	Type         string            `json:"type"`
	ClaudeStatus store.ClaudeStatus `json:"claude_status"`
}

type eventFrame struct {
	UUID           string          `json:"uuid"`
	EventType      string          `json:"event_type"`
	Timestamp      time.Time       `json:"timestamp"`
	MemvaSessionID string          `json:"memva_session_id"`
	Data           json.RawMessage `json:"data"`
}

// Stream writes an SSE live tail of sessionID's visible events to w. It
// blocks until ctx is cancelled (client disconnect), so callers invoke it
// with the request context. On connect it emits a connection frame
// carrying the session's current claude_status, then polls every
// PollInterval for events newer than the last one sent, emitting them
// oldest-first.
func (p *Pipeline) Stream(ctx context.Context, sessionID string, w http.ResponseWriter) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("event: stream: response writer does not support flushing")
	}

	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("event: stream: %w", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if err := writeFrame(w, connectionFrame{Type: "connection", ClaudeStatus: sess.ClaudeStatus}); err != nil {
		return err
	}
	flusher.Flush()

	lastSent := time.Now().UTC()
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// Since already returns events oldest-first, matching the wire
			// contract directly; the cursor advances to the newest
			// (last) element so the next poll doesn't re-match this batch.
			events, err := p.Since(ctx, sessionID, lastSent, true)
			if err != nil {
				return fmt.Errorf("event: stream: %w", err)
			}
			if len(events) == 0 {
				continue
			}
			lastSent = events[len(events)-1].Timestamp
			for _, e := range events {
				if err := writeFrame(w, eventFrame{
					UUID:           e.UUID,
					EventType:      e.EventType,
					Timestamp:      e.Timestamp,
					MemvaSessionID: e.MemvaSessionID,
					Data:           json.RawMessage(e.Data),
				}); err != nil {
					return err
				}
			}
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("event: marshal frame: %w", err)
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}
