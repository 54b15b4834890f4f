package httpapi

import (
	"fmt"
	"net/http"
)

// handleStream bridges a stream session to Server-Sent Events. Each chunk
// is written as a data frame in its JSON wire form, followed by a [DONE]
// sentinel after the terminal chunk. If the client disconnects early the
// session is closed; the run itself keeps going unless AbortOnDisconnect
// is set.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ch := s.cfg.Mux.Subscribe(id)
	if ch == nil {
		s.jsonError(w, "stream session not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	defer s.cfg.Mux.Close(id)

	for {
		select {
		case <-r.Context().Done():
			if s.cfg.AbortOnDisconnect {
				s.log.Info("client disconnected, cancelling run", "session_id", id)
				s.cfg.Engine.CancelSession(id)
			}
			return
		case chunk, open := <-ch:
			if !open {
				// Session closed without a terminal chunk.
				_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}
			data, err := chunk.Encode()
			if err != nil {
				s.log.Warn("skipping unencodable chunk", "session_id", id, "error", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			if chunk.Terminal() {
				_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}
		}
	}
}
