package deployapi

import (
	"fmt"
	"net/http"

	"github.com/shiplane/controlplane/pkg/events"
)

// streamSSE relays an orchestrator's progress stream to w as Server-Sent
// Events until the stream's Complete event closes it or the client
// disconnects.
func (h *Handler) streamSSE(w http.ResponseWriter, r *http.Request, stream *events.Stream) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.logger.Error("response writer does not support flushing, cannot stream events")
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case e, ok := <-stream.Events():
			if !ok {
				return
			}
			frame, err := events.EncodeSSE(e)
			if err != nil {
				h.logger.Warn("encoding SSE frame", "error", err)
				continue
			}
			if _, err := fmt.Fprint(w, string(frame)); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
