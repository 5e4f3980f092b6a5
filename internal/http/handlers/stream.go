// Package handlers provides HTTP API handlers for vodproxy.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jmylchreest/vodproxy/internal/auth"
	"github.com/jmylchreest/vodproxy/internal/mediasource"
	"github.com/jmylchreest/vodproxy/internal/metrics"
	"github.com/jmylchreest/vodproxy/internal/relay"
	"github.com/jmylchreest/vodproxy/internal/signing"
)

// StreamHandler is the signed-URL streaming proxy. Every request needs an
// authenticated identity and a live signature over its path before any
// upstream call is made.
type StreamHandler struct {
	source    mediasource.Source
	signer    *signing.Signer
	rewriter  *relay.ManifestRewriter
	chunkSize int
	logger    *slog.Logger
}

// NewStreamHandler creates a stream handler relaying in chunks of chunkSize.
func NewStreamHandler(source mediasource.Source, signer *signing.Signer, chunkSize int) *StreamHandler {
	return &StreamHandler{
		source:    source,
		signer:    signer,
		chunkSize: chunkSize,
		logger:    slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *StreamHandler) WithLogger(logger *slog.Logger) *StreamHandler {
	h.logger = logger
	return h
}

// WithManifestRewriter enables signing of the references inside HLS
// manifests.
func (h *StreamHandler) WithManifestRewriter(rw *relay.ManifestRewriter) *StreamHandler {
	h.rewriter = rw
	return h
}

// RegisterChiRoutes registers the proxy as a raw chi handler. Streaming needs
// control over headers and flushing that typed handlers do not offer.
func (h *StreamHandler) RegisterChiRoutes(router chi.Router) {
	router.Get("/stream/{itemId}/*", h.ServeStream)
}

// ServeStream handles GET /stream/{itemId}/{filename...}.
func (h *StreamHandler) ServeStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	itemID := chi.URLParam(r, "itemId")
	filename := chi.URLParam(r, "*")

	if !safeSegment(itemID) || !safeFilename(filename) {
		h.reject(w, http.StatusForbidden, metrics.OutcomeForbidden)
		return
	}

	if _, ok := auth.IdentityFromContext(ctx); !ok {
		h.reject(w, http.StatusUnauthorized, metrics.OutcomeUnauthorized)
		return
	}

	query := r.URL.Query()
	if err := h.signer.VerifyQuery(r.URL.Path, query); err != nil {
		h.logger.DebugContext(ctx, "stream signature rejected",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		h.reject(w, http.StatusForbidden, metrics.OutcomeForbidden)
		return
	}

	stream, err := h.source.StreamBytes(ctx, itemID, filename)
	if err != nil {
		h.upstreamFailure(ctx, w, itemID, filename, err)
		return
	}
	defer stream.Body.Close()

	if h.rewriter != nil && relay.IsManifest(filename) {
		// VerifyQuery has already parsed expires.
		expiresAt, _ := strconv.ParseInt(query.Get(signing.ParamExpires), 10, 64)
		h.serveManifest(ctx, w, r.URL.Path, stream, expiresAt)
		return
	}

	contentType := stream.ContentType
	if contentType == "" {
		contentType = mediasource.ContentTypeFor(filename)
	}
	w.Header().Set("Content-Type", contentType)
	if stream.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(stream.ContentLength, 10))
	}
	w.WriteHeader(http.StatusOK)

	n, err := relay.Copy(ctx, w, stream.Body, h.chunkSize)
	switch {
	case err == nil:
		metrics.RecordStream(metrics.OutcomeOK, n)
	case ctx.Err() != nil:
		metrics.RecordStream(metrics.OutcomeClientGone, n)
		h.logger.DebugContext(ctx, "client went away during stream",
			slog.String("item_id", itemID),
			slog.String("file", filename),
			slog.Int64("bytes", n),
		)
	default:
		metrics.RecordStream(metrics.OutcomeUpstream, n)
		h.logger.WarnContext(ctx, "stream relay interrupted",
			slog.String("item_id", itemID),
			slog.String("file", filename),
			slog.Int64("bytes", n),
			slog.String("error", err.Error()),
		)
	}
}

func (h *StreamHandler) serveManifest(ctx context.Context, w http.ResponseWriter, path string, stream *mediasource.Stream, expiresAt int64) {
	body, err := h.rewriter.Rewrite(stream.Body, path, expiresAt)
	if err != nil {
		h.logger.WarnContext(ctx, "manifest rewrite failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		h.reject(w, http.StatusBadGateway, metrics.OutcomeUpstream)
		return
	}

	contentType := stream.ContentType
	if contentType == "" {
		contentType = relay.ContentTypeHLSPlaylist
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)

	n, err := w.Write(body)
	if err != nil {
		metrics.RecordStream(metrics.OutcomeClientGone, int64(n))
		return
	}
	metrics.RecordStream(metrics.OutcomeOK, int64(n))
}

func (h *StreamHandler) upstreamFailure(ctx context.Context, w http.ResponseWriter, itemID, filename string, err error) {
	switch {
	case errors.Is(err, mediasource.ErrNotFound):
		h.reject(w, http.StatusNotFound, metrics.OutcomeNotFound)
	case ctx.Err() != nil:
		metrics.RecordStream(metrics.OutcomeClientGone, 0)
	default:
		h.logger.WarnContext(ctx, "upstream stream failed",
			slog.String("item_id", itemID),
			slog.String("file", filename),
			slog.String("error", err.Error()),
		)
		h.reject(w, http.StatusBadGateway, metrics.OutcomeUpstream)
	}
}

func (h *StreamHandler) reject(w http.ResponseWriter, status int, outcome string) {
	metrics.RecordStream(outcome, 0)
	http.Error(w, http.StatusText(status), status)
}

func safeSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, "/\\\x00")
}

func safeFilename(name string) bool {
	if name == "" {
		return false
	}
	for _, seg := range strings.Split(name, "/") {
		if !safeSegment(seg) {
			return false
		}
	}
	return true
}
