package api

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/ligustah/shuttle/internal/domain"
	"github.com/ligustah/shuttle/internal/transfer"
)

// V1StartDownloadRequest starts a download session.
type V1StartDownloadRequest struct {
	URL       string `json:"url"`
	LocalPath string `json:"local_path"`
	Resume    bool   `json:"resume"`
	Owner     string `json:"owner,omitempty"`
}

// Validate checks the request at the API boundary.
func (req *V1StartDownloadRequest) Validate() error {
	if req.URL == "" || req.LocalPath == "" {
		return fmt.Errorf("%w: url and local_path are required", domain.ErrInvalidRequest)
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) URL", domain.ErrInvalidRequest)
	}
	return nil
}

// V1StartDownloadResponse answers a start request. Rejected requests carry
// Reason and no session.
type V1StartDownloadResponse struct {
	Accepted bool           `json:"accepted"`
	Reason   string         `json:"reason,omitempty"`
	Session  *transfer.Info `json:"session,omitempty"`
}

// V1CheckResumableResponse reports whether a partial download can continue.
type V1CheckResumableResponse = transfer.ResumeStatus

func (h *Handler) StartDownloadV1(w http.ResponseWriter, r *http.Request) {
	var req V1StartDownloadRequest
	if !h.decode(w, r, &req) {
		return
	}

	s, err := h.service.StartDownload(r.Context(), transfer.DownloadRequest{
		URL:       req.URL,
		LocalPath: req.LocalPath,
		Resume:    req.Resume,
		Owner:     req.Owner,
	})
	if err != nil {
		status := StatusCode(err)
		if status == http.StatusInternalServerError {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, status, V1StartDownloadResponse{Reason: err.Error()})
		return
	}

	info := s.Info()
	writeJSON(w, http.StatusAccepted, V1StartDownloadResponse{Accepted: true, Session: &info})
}

func (h *Handler) CheckResumableV1(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := V1StartDownloadRequest{URL: q.Get("url"), LocalPath: q.Get("local_path")}
	if err := req.Validate(); err != nil {
		h.writeError(w, r, err)
		return
	}

	status, err := h.service.CheckResumable(r.Context(), req.URL, req.LocalPath)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
