// Package rest is the HTTP control surface over the download subsystem. It
// is the daemon's stand-in for the mobile UI layer: start/pause/resume/delete
// operations, status polling and playback-source resolution.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"

	"github.com/avisono/birdsong_downloader/internal/catalog"
	"github.com/avisono/birdsong_downloader/internal/downloads"
	"github.com/avisono/birdsong_downloader/internal/ledger"
	"github.com/avisono/birdsong_downloader/internal/logctx"
	"github.com/avisono/birdsong_downloader/internal/playback"
)

// Backend is the slice of the signer client the handler needs: catalog
// search and upload-URL issuing.
type Backend interface {
	SearchRecordings(ctx context.Context, query string) ([]catalog.Recording, error)
	CreateSignedUploadURL(ctx context.Context, bucket, objectKey string) (string, error)
}

type DownloadsHandler struct {
	orch     *downloads.Orchestrator
	resolver *playback.Resolver
	backend  Backend
	userID   string
}

func NewDownloadsHandler(orch *downloads.Orchestrator, resolver *playback.Resolver, backend Backend, userID string) *DownloadsHandler {
	return &DownloadsHandler{orch: orch, resolver: resolver, backend: backend, userID: userID}
}

func (h *DownloadsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/downloads", h.list)
	r.Post("/downloads", h.start)
	r.Post("/downloads/{recordingID}/pause", h.pause)
	r.Post("/downloads/{recordingID}/resume", h.resume)
	r.Delete("/downloads/{recordingID}", h.remove)
	r.Delete("/downloads", h.clear)
	r.Post("/playback/audio", h.resolveAudio)
	r.Post("/playback/sonogram", h.resolveSonogram)
	r.Get("/recordings", h.search)
	r.Post("/uploads/sign", h.signUpload)

	return r
}

type listResponse struct {
	Downloads    map[string]downloads.Status `json:"downloads"`
	StorageUsage int64                       `json:"storageUsage"`
	StorageHuman string                      `json:"storageUsageHuman"`
}

func (h *DownloadsHandler) list(w http.ResponseWriter, r *http.Request) {
	usage := h.orch.StorageUsage()

	writeJSON(w, http.StatusOK, listResponse{
		Downloads:    h.orch.Statuses(),
		StorageUsage: usage,
		StorageHuman: humanize.Bytes(uint64(usage)),
	})
}

// start kicks off a download and returns 202; the transfer itself runs in
// the background and is observed via GET /downloads. Precondition conflicts
// are reported synchronously.
func (h *DownloadsHandler) start(w http.ResponseWriter, r *http.Request) {
	var rec catalog.Recording
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil || rec.ID == "" {
		writeError(w, http.StatusBadRequest, "invalid recording payload")

		return
	}

	if st, ok := h.orch.Status(rec.ID); ok {
		switch st.State {
		case ledger.StatusCompleted:
			writeError(w, http.StatusConflict, downloads.ErrAlreadyDownloaded.Error())

			return
		case ledger.StatusDownloading:
			writeError(w, http.StatusConflict, downloads.ErrAlreadyInProgress.Error())

			return
		}
	}

	ctx := context.WithoutCancel(r.Context())

	go func() {
		if err := h.orch.Download(ctx, rec); err != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "download failed", "recording_id", rec.ID, "err", err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

func (h *DownloadsHandler) pause(w http.ResponseWriter, r *http.Request) {
	recordingID := chi.URLParam(r, "recordingID")

	if err := h.orch.Pause(r.Context(), recordingID); err != nil {
		writeError(w, statusForError(err), err.Error())

		return
	}

	st, _ := h.orch.Status(recordingID)
	writeJSON(w, http.StatusOK, st)
}

func (h *DownloadsHandler) resume(w http.ResponseWriter, r *http.Request) {
	recordingID := chi.URLParam(r, "recordingID")

	st, ok := h.orch.Status(recordingID)
	if !ok || st.State != ledger.StatusPaused {
		writeError(w, http.StatusConflict, downloads.ErrNotPaused.Error())

		return
	}

	ctx := context.WithoutCancel(r.Context())

	go func() {
		if err := h.orch.Resume(ctx, recordingID); err != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "resume failed", "recording_id", recordingID, "err", err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

func (h *DownloadsHandler) remove(w http.ResponseWriter, r *http.Request) {
	recordingID := chi.URLParam(r, "recordingID")

	if err := h.orch.Delete(r.Context(), recordingID); err != nil {
		writeError(w, statusForError(err), err.Error())

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) clear(w http.ResponseWriter, r *http.Request) {
	if err := h.orch.ClearAll(r.Context(), h.userID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type resolveResponse struct {
	URI string `json:"uri"`
}

func (h *DownloadsHandler) resolveAudio(w http.ResponseWriter, r *http.Request) {
	var rec catalog.Recording
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil || rec.ID == "" {
		writeError(w, http.StatusBadRequest, "invalid recording payload")

		return
	}

	uri, ok := h.resolver.ResolveAudio(r.Context(), rec)
	if !ok {
		writeError(w, http.StatusNotFound, "no playable source")

		return
	}

	writeJSON(w, http.StatusOK, resolveResponse{URI: uri})
}

func (h *DownloadsHandler) resolveSonogram(w http.ResponseWriter, r *http.Request) {
	var rec catalog.Recording
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil || rec.ID == "" {
		writeError(w, http.StatusBadRequest, "invalid recording payload")

		return
	}

	uri, ok := h.resolver.ResolveSonogram(r.Context(), rec)
	if !ok {
		writeError(w, http.StatusNotFound, "no playable source")

		return
	}

	writeJSON(w, http.StatusOK, resolveResponse{URI: uri})
}

func (h *DownloadsHandler) search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing query parameter q")

		return
	}

	recordings, err := h.backend.SearchRecordings(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusBadGateway, "search failed")

		return
	}

	writeJSON(w, http.StatusOK, recordings)
}

type signUploadRequest struct {
	Bucket    string `json:"bucket"`
	ObjectKey string `json:"objectKey"`
}

func (h *DownloadsHandler) signUpload(w http.ResponseWriter, r *http.Request) {
	var req signUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Bucket == "" || req.ObjectKey == "" {
		writeError(w, http.StatusBadRequest, "invalid upload request")

		return
	}

	uploadURL, err := h.backend.CreateSignedUploadURL(r.Context(), req.Bucket, req.ObjectKey)
	if err != nil {
		writeError(w, http.StatusBadGateway, "failed to sign upload url")

		return
	}

	writeJSON(w, http.StatusOK, resolveResponse{URI: uploadURL})
}

// statusForError maps the download error taxonomy onto HTTP status codes.
func statusForError(err error) int {
	var sourceErr *downloads.SourceUnavailableError

	var transferErr *downloads.TransferFailedError

	switch {
	case errors.Is(err, downloads.ErrAlreadyDownloaded),
		errors.Is(err, downloads.ErrAlreadyInProgress),
		errors.Is(err, downloads.ErrNotDownloading),
		errors.Is(err, downloads.ErrNoActiveDownload),
		errors.Is(err, downloads.ErrNotPaused),
		errors.Is(err, downloads.ErrCannotDeleteActive):
		return http.StatusConflict
	case errors.Is(err, downloads.ErrNoResumableState),
		errors.Is(err, downloads.ErrInvalidResumableState):
		return http.StatusGone
	case errors.As(err, &sourceErr), errors.As(err, &transferErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
