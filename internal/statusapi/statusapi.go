// Package statusapi exposes a local, loopback-bound HTTP surface for
// observing this device's playback state during development: the
// current LocalPlaybackState and ClusterView as JSON, plus an SSE stream
// of LocalPlaybackState updates. It is not part of the Connect protocol
// itself — just a debug surface for a library consumer. Subscribing
// sends the current state immediately, then streams further updates as
// they occur.
package statusapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/go-spotconnect/spotconnect/internal/model"
)

// StateProvider supplies the current snapshots the router serves.
type StateProvider interface {
	CurrentPlaybackState() model.LocalPlaybackState
	CurrentCluster() model.ClusterView
}

// Subscriber provides a live feed of playback-state updates for the SSE
// endpoint.
type Subscriber interface {
	StateChanges() (<-chan model.LocalPlaybackState, func())
}

// NewRouter builds the status HTTP handler.
func NewRouter(provider StateProvider, sub Subscriber) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	h := &handlers{provider: provider, sub: sub}

	r.Get("/status", h.getStatus)
	r.Get("/status/cluster", h.getCluster)
	r.Get("/status/subscribe", h.subscribe)

	return r
}

type handlers struct {
	provider StateProvider
	sub      Subscriber
}

func (h *handlers) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.provider.CurrentPlaybackState())
}

func (h *handlers) getCluster(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.provider.CurrentCluster())
}

func (h *handlers) subscribe(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	subID := uuid.New().String()
	ch, cancel := h.sub.StateChanges()
	defer cancel()

	sendSSE(w, flusher, subID, h.provider.CurrentPlaybackState())

	for {
		select {
		case state, ok := <-ch:
			if !ok {
				return
			}
			sendSSE(w, flusher, subID, state)
		case <-r.Context().Done():
			return
		}
	}
}

func sendSSE(w http.ResponseWriter, flusher http.Flusher, subID string, v model.LocalPlaybackState) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "id: %s\ndata: %s\n\n", subID, data)
	flusher.Flush()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
