package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avisono/birdsong_downloader/internal/catalog"
	"github.com/avisono/birdsong_downloader/internal/downloads"
	"github.com/avisono/birdsong_downloader/internal/identity"
	"github.com/avisono/birdsong_downloader/internal/kv/kvtest"
	"github.com/avisono/birdsong_downloader/internal/ledger"
	"github.com/avisono/birdsong_downloader/internal/playback"
	"github.com/avisono/birdsong_downloader/internal/telemetry"
)

type stubSigner struct {
	url string
	err error
}

func (s *stubSigner) CreateSignedReadURL(context.Context, string, string, time.Duration) (string, error) {
	return s.url, s.err
}

type stubBackend struct {
	recordings []catalog.Recording
	uploadURL  string
	err        error
}

func (s *stubBackend) SearchRecordings(context.Context, string) ([]catalog.Recording, error) {
	return s.recordings, s.err
}

func (s *stubBackend) CreateSignedUploadURL(context.Context, string, string) (string, error) {
	return s.uploadURL, s.err
}

type stubProber struct {
	connected bool
}

func (s *stubProber) IsConnected(context.Context) bool {
	return s.connected
}

type fixture struct {
	api     *httptest.Server
	orch    *downloads.Orchestrator
	backend *stubBackend
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	// Object server standing in for signed storage URLs.
	objects := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write(bytes.Repeat([]byte("chirp"), 512))
	}))
	t.Cleanup(objects.Close)

	signer := &stubSigner{url: objects.URL}

	tel, err := telemetry.New(context.Background(), telemetry.Config{})
	require.NoError(t, err)

	orch := downloads.New(
		ledger.New(kvtest.New()),
		signer,
		&identity.Static{UserID: "u1"},
		tel,
		downloads.Config{
			DownloadDir: filepath.Join(t.TempDir(), "downloads"),
			AudioBucket: "bird-audio",
			ReadURLTTL:  time.Hour,
		},
	)
	t.Cleanup(orch.Close)

	resolver := playback.NewResolver(signer, orch, &stubProber{connected: true}, "bird-audio", "bird-sonograms", time.Hour)

	backend := &stubBackend{uploadURL: "https://cdn.example/upload?sig=xyz"}

	handler := NewDownloadsHandler(orch, resolver, backend, "u1")

	api := httptest.NewServer(handler.Routes())
	t.Cleanup(api.Close)

	return &fixture{api: api, orch: orch, backend: backend}
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(method, f.api.URL+path, strings.NewReader(body))
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func (f *fixture) waitForState(t *testing.T, recordingID string, want ledger.Status) {
	t.Helper()

	require.Eventually(t, func() bool {
		st, ok := f.orch.Status(recordingID)

		return ok && st.State == want
	}, 5*time.Second, 10*time.Millisecond)
}

const recordingPayload = `{"id":"r1","title":"Common Nightingale","audioLqId":"abc123","audioHqId":"abc123-hq"}`

func TestStartDownload(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/downloads", recordingPayload)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	f.waitForState(t, "r1", ledger.StatusCompleted)
}

func TestStartDownloadBadPayload(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: "{{{"},
		{name: "missing id", body: `{"title":"no id"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.do(t, http.MethodPost, "/downloads", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestStartDownloadConflict(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/downloads", recordingPayload)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	f.waitForState(t, "r1", ledger.StatusCompleted)

	resp = f.do(t, http.MethodPost, "/downloads", recordingPayload)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListDownloads(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/downloads", recordingPayload)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	f.waitForState(t, "r1", ledger.StatusCompleted)

	resp = f.do(t, http.MethodGet, "/downloads", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body listResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	require.Contains(t, body.Downloads, "r1")
	assert.Equal(t, ledger.StatusCompleted, body.Downloads["r1"].State)
	assert.Positive(t, body.StorageUsage)
	assert.NotEmpty(t, body.StorageHuman)
}

func TestPausePreconditionConflict(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/downloads/ghost/pause", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestResumePreconditionConflict(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/downloads/ghost/resume", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestDeleteDownload(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/downloads", recordingPayload)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	f.waitForState(t, "r1", ledger.StatusCompleted)

	resp = f.do(t, http.MethodDelete, "/downloads/r1", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, ok := f.orch.Status("r1")
	assert.False(t, ok)
}

func TestClearDownloads(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/downloads", recordingPayload)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	f.waitForState(t, "r1", ledger.StatusCompleted)

	resp = f.do(t, http.MethodDelete, "/downloads", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Empty(t, f.orch.Statuses())
}

func TestResolveAudio(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/downloads", recordingPayload)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	f.waitForState(t, "r1", ledger.StatusCompleted)

	resp = f.do(t, http.MethodPost, "/playback/audio", recordingPayload)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body resolveResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body.URI, "audio_abc123.mp3")
}

func TestResolveAudioUnplayable(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/playback/audio", `{"id":"r9"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSearchRecordings(t *testing.T) {
	f := newFixture(t)
	f.backend.recordings = []catalog.Recording{{ID: "r1", Title: "Common Nightingale"}}

	resp := f.do(t, http.MethodGet, "/recordings?q=nightingale", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var recordings []catalog.Recording
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&recordings))
	require.Len(t, recordings, 1)
	assert.Equal(t, "r1", recordings[0].ID)
}

func TestSearchRecordingsMissingQuery(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/recordings", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSearchRecordingsBackendFailure(t *testing.T) {
	f := newFixture(t)
	f.backend.err = errors.New("backend down")

	resp := f.do(t, http.MethodGet, "/recordings?q=owl", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestSignUpload(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/uploads/sign", `{"bucket":"bird-audio","objectKey":"new-object"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body resolveResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "https://cdn.example/upload?sig=xyz", body.URI)

	resp = f.do(t, http.MethodPost, "/uploads/sign", `{"bucket":"bird-audio"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "already downloaded", err: downloads.ErrAlreadyDownloaded, want: http.StatusConflict},
		{name: "cannot delete active", err: downloads.ErrCannotDeleteActive, want: http.StatusConflict},
		{name: "no resumable state", err: downloads.ErrNoResumableState, want: http.StatusGone},
		{name: "source unavailable", err: &downloads.SourceUnavailableError{RecordingID: "r1"}, want: http.StatusBadGateway},
		{name: "transfer failed", err: &downloads.TransferFailedError{RecordingID: "r1"}, want: http.StatusBadGateway},
		{name: "unknown", err: errors.New("boom"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusForError(tt.err))
		})
	}
}
