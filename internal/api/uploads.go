package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ligustah/shuttle/internal/domain"
	"github.com/ligustah/shuttle/internal/transfer"
)

// V1UploadFileRequest starts an upload session.
type V1UploadFileRequest struct {
	LocalPath   string `json:"local_path"`
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	PartSize    int64  `json:"part_size,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Owner       string `json:"owner,omitempty"`
}

// Validate checks the request at the API boundary.
func (req *V1UploadFileRequest) Validate() error {
	if req.LocalPath == "" || req.Bucket == "" || req.Key == "" {
		return fmt.Errorf("%w: local_path, bucket and key are required", domain.ErrInvalidRequest)
	}
	if req.PartSize < 0 {
		return fmt.Errorf("%w: part_size must not be negative", domain.ErrInvalidRequest)
	}
	return nil
}

// V1UploadFileResponse answers an upload request.
type V1UploadFileResponse struct {
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Session *transfer.Info `json:"session,omitempty"`
}

// V1CancelResponse answers a cancel request.
type V1CancelResponse struct {
	Success bool         `json:"success"`
	Error   string       `json:"error,omitempty"`
	State   domain.State `json:"state,omitempty"`
}

func (h *Handler) UploadFileV1(w http.ResponseWriter, r *http.Request) {
	var req V1UploadFileRequest
	if !h.decode(w, r, &req) {
		return
	}

	s, err := h.service.UploadFile(r.Context(), transfer.UploadRequest{
		LocalPath:   req.LocalPath,
		Bucket:      req.Bucket,
		Key:         req.Key,
		PartSize:    req.PartSize,
		ContentType: req.ContentType,
		Owner:       req.Owner,
	})
	if err != nil {
		status := StatusCode(err)
		if status == http.StatusInternalServerError {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, status, V1UploadFileResponse{Error: err.Error()})
		return
	}

	info := s.Info()
	writeJSON(w, http.StatusAccepted, V1UploadFileResponse{Success: true, Session: &info})
}

func (h *Handler) CancelUploadV1(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	s, err := h.service.Session(id)
	if err == nil && s.Direction != domain.DirectionUpload {
		err = fmt.Errorf("%w: session %s is not an upload", domain.ErrInvalidRequest, id)
	}
	if err == nil {
		err = h.service.Cancel(id)
	}
	if err != nil {
		writeJSON(w, StatusCode(err), V1CancelResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, V1CancelResponse{Success: true, State: s.State()})
}
