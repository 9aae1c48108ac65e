package controllers

import (
	"encoding/json"
	"net/http"

	"github.com/skeinlabs/skein/internal/hub"
)

// sseWriter writes hub events as Server-Sent Events frames:
//
//	event: <kind>
//	data: <json>
//
// followed by a blank line, flushing after each frame.
type sseWriter struct {
	w http.ResponseWriter
}

func newSSEWriter(w http.ResponseWriter) sseWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return sseWriter{w: w}
}

// Send writes one event frame.
func (s sseWriter) Send(ev hub.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("event: " + string(ev.Kind) + "\ndata: ")); err != nil {
		return err
	}
	if _, err := s.w.Write(b); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s sseWriter) flush() {
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}

// pipe forwards a subscription's events to the SSE writer until the
// subscription closes or the client goes away.
func pipe(r *http.Request, w sseWriter, sub *hub.Subscription) {
	defer sub.Detach()
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := w.Send(ev); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
