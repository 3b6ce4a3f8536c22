package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ligustah/shuttle/internal/domain"
	"github.com/ligustah/shuttle/internal/transfer"
)

// Service is the transfer surface the API exposes.
type Service interface {
	CheckResumable(ctx context.Context, url, localPath string) (*transfer.ResumeStatus, error)
	StartDownload(ctx context.Context, req transfer.DownloadRequest) (*transfer.Session, error)
	UploadFile(ctx context.Context, req transfer.UploadRequest) (*transfer.Session, error)
	Cancel(id string) error
	CancelOwner(owner string) int
	Session(id string) (*transfer.Session, error)
	Sessions() []transfer.Info
	Subscribe(id string) (<-chan domain.Snapshot, func(), error)
}

var _ Service = (*transfer.Coordinator)(nil)

// Handler serves the v1 routes.
type Handler struct {
	service Service
	logger  *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(service Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{service: service, logger: logger}
}

// Register adds the request/response routes to r. Event streams are
// registered separately by NewRouter since they must not time out.
func (h *Handler) Register(r chi.Router) {
	r.Post("/downloads", h.StartDownloadV1)
	r.Get("/downloads/resumable", h.CheckResumableV1)
	r.Post("/uploads", h.UploadFileV1)
	r.Delete("/uploads/{sessionID}", h.CancelUploadV1)
	r.Get("/sessions", h.ListSessionsV1)
	r.Get("/sessions/{sessionID}", h.GetSessionV1)
	r.Delete("/sessions/{sessionID}", h.CancelSessionV1)
	r.Delete("/owners/{owner}/sessions", h.CancelOwnerV1)
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusCode maps an error to the HTTP status reported for it.
func StatusCode(err error) int {
	var storageErr *domain.StorageError
	switch {
	case errors.Is(err, domain.ErrAlreadyInProgress):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidRequest), errors.As(err, &storageErr):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotCancellable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, transfer.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusCode(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		msg = "internal server error"
	}
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v interface{ Validate() error }) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body: " + err.Error()})
		return false
	}
	if err := v.Validate(); err != nil {
		h.writeError(w, r, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
