package server

import (
	"encoding/json"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"

	"draftgate/internal/notify"
)

// registerWatch exposes live state changes as a server-sent event stream.
// Clients may filter by project and route via query parameters.
func registerWatch(r chi.Router, basePath string, hub *notify.Hub) {
	if hub == nil {
		return
	}
	r.Get(path.Join(basePath, "/watch"), func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		projectID := r.URL.Query().Get("project_id")
		route := r.URL.Query().Get("route")

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		// Disable any server WriteTimeout for this long-lived connection.
		rc := http.NewResponseController(w)
		_ = rc.SetWriteDeadline(time.Time{})

		ch := hub.Subscribe()
		defer hub.Unsubscribe(ch)

		keepalive := time.NewTicker(15 * time.Second)
		defer keepalive.Stop()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-keepalive.C:
				if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
					return
				}
				flusher.Flush()
			case n, open := <-ch:
				if !open {
					return
				}
				if projectID != "" && n.ProjectID != "" && n.ProjectID != projectID {
					continue
				}
				if route != "" && n.Route != "" && n.Route != route {
					continue
				}
				payload, err := json.Marshal(n)
				if err != nil {
					continue
				}
				if _, err := w.Write([]byte("event: " + n.Kind + "\ndata: ")); err != nil {
					return
				}
				if _, err := w.Write(payload); err != nil {
					return
				}
				if _, err := w.Write([]byte("\n\n")); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	})
}
