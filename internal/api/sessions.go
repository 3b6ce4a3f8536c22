package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ligustah/shuttle/internal/transfer"
)

// V1ListSessionsResponse lists in-flight sessions.
type V1ListSessionsResponse struct {
	Sessions []transfer.Info `json:"sessions"`
}

// V1CancelOwnerResponse reports how many sessions were cancelled.
type V1CancelOwnerResponse struct {
	Cancelled int `json:"cancelled"`
}

func (h *Handler) ListSessionsV1(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, V1ListSessionsResponse{Sessions: h.service.Sessions()})
}

func (h *Handler) GetSessionV1(w http.ResponseWriter, r *http.Request) {
	s, err := h.service.Session(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Info())
}

func (h *Handler) CancelSessionV1(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := h.service.Cancel(id); err != nil {
		writeJSON(w, StatusCode(err), V1CancelResponse{Error: err.Error()})
		return
	}

	var resp V1CancelResponse
	resp.Success = true
	if s, err := h.service.Session(id); err == nil {
		resp.State = s.State()
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) CancelOwnerV1(w http.ResponseWriter, r *http.Request) {
	n := h.service.CancelOwner(chi.URLParam(r, "owner"))
	writeJSON(w, http.StatusAccepted, V1CancelOwnerResponse{Cancelled: n})
}

// StreamEventsV1 streams progress snapshots as server-sent events until the
// session finished or the client went away. The last event, "end", carries
// the final session info.
func (h *Handler) StreamEventsV1(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	s, err := h.service.Session(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	snaps, cancel, err := h.service.Subscribe(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer cancel()

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, r, fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case snap, open := <-snaps:
			if !open {
				// Wait for the session to settle so the final state is terminal.
				select {
				case <-s.Done():
				case <-r.Context().Done():
					return
				}
				_ = writeEvent(w, "end", s.Info())
				flusher.Flush()
				return
			}
			if err := writeEvent(w, "progress", snap); err != nil {
				h.logger.Debug("event stream closed", "session", id, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
