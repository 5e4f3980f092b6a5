package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/vodproxy/internal/auth"
	"github.com/jmylchreest/vodproxy/internal/ingest"
	"github.com/jmylchreest/vodproxy/internal/models"
	"github.com/jmylchreest/vodproxy/internal/transcode"
)

const (
	// maxIngestBodySize bounds the JSON request body.
	maxIngestBodySize = 64 * 1024
	// maxErrorDetail bounds the encoder output echoed in error responses.
	maxErrorDetail = 2048
)

// Ingester runs one ingestion. *ingest.Orchestrator implements it.
type Ingester interface {
	Ingest(ctx context.Context, identity auth.Identity, req ingest.Request) (*models.Video, error)
}

// IngestRequest is the body of POST /api/v1/ingest.
type IngestRequest struct {
	Title               string `json:"title"`
	Description         string `json:"description,omitempty"`
	GenreName           string `json:"genreName,omitempty"`
	SourceFileReference string `json:"sourceFileReference"`
}

// IngestResponse is returned when a video has been recorded.
type IngestResponse struct {
	OK            bool   `json:"ok"`
	VideoRecordID string `json:"videoRecordId"`
}

type errorResponse struct {
	Error string `json:"error"`
	// Detail carries the tail of the encoder's diagnostic output.
	Detail string `json:"detail,omitempty"`
}

// IngestHandler exposes the ingestion orchestrator over HTTP.
type IngestHandler struct {
	ingester Ingester
	logger   *slog.Logger
}

// NewIngestHandler creates a new ingest handler.
func NewIngestHandler(ingester Ingester) *IngestHandler {
	return &IngestHandler{
		ingester: ingester,
		logger:   slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *IngestHandler) WithLogger(logger *slog.Logger) *IngestHandler {
	h.logger = logger
	return h
}

// RegisterChiRoutes registers the ingest route. It is a raw handler so the
// status codes and error bodies stay exactly as clients expect them.
func (h *IngestHandler) RegisterChiRoutes(router chi.Router) {
	router.Post("/api/v1/ingest", h.ServeIngest)
}

// ServeIngest handles POST /api/v1/ingest.
func (h *IngestHandler) ServeIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication required"})
		return
	}
	if !identity.Admin {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "admin authentication required"})
		return
	}

	var body IngestRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	video, err := h.ingester.Ingest(ctx, identity, ingest.Request{
		Title:       body.Title,
		Description: body.Description,
		GenreName:   body.GenreName,
		SourcePath:  body.SourceFileReference,
	})
	if err != nil {
		status, resp := ingestError(err)
		level := slog.LevelWarn
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		h.logger.Log(ctx, level, "ingest failed",
			slog.Int("status", status),
			slog.String("user_id", identity.UserID),
			slog.String("error", err.Error()),
		)
		writeJSON(w, status, resp)
		return
	}

	writeJSON(w, http.StatusCreated, IngestResponse{OK: true, VideoRecordID: video.ID.String()})
}

func ingestError(err error) (int, errorResponse) {
	switch {
	case errors.Is(err, ingest.ErrForbidden):
		return http.StatusForbidden, errorResponse{Error: "admin authentication required"}
	case errors.Is(err, ingest.ErrInvalidRequest):
		return http.StatusBadRequest, errorResponse{Error: err.Error()}
	case errors.Is(err, ingest.ErrInProgress):
		return http.StatusConflict, errorResponse{Error: "an ingest for this file is already in progress"}
	}

	var terr *transcode.Error
	if errors.As(err, &terr) {
		class := transcode.ErrTranscodeFailed
		if errors.Is(err, transcode.ErrThumbnailExtractionFailed) {
			class = transcode.ErrThumbnailExtractionFailed
		}
		return http.StatusInternalServerError, errorResponse{
			Error:  fmt.Sprintf("%s: %s stage", class, terr.Stage),
			Detail: tail(terr.Stderr, maxErrorDetail),
		}
	}
	switch {
	case errors.Is(err, transcode.ErrThumbnailExtractionFailed):
		return http.StatusInternalServerError, errorResponse{Error: transcode.ErrThumbnailExtractionFailed.Error()}
	case errors.Is(err, transcode.ErrTranscodeFailed):
		return http.StatusInternalServerError, errorResponse{Error: transcode.ErrTranscodeFailed.Error()}
	default:
		return http.StatusInternalServerError, errorResponse{Error: "ingest failed"}
	}
}

// tail returns the last n bytes of s, starting on a rune boundary.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	for i := 0; i < len(s) && i < utf8.UTFMax; i++ {
		if utf8.RuneStart(s[i]) {
			return s[i:]
		}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
