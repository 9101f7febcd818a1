// Package downloads owns the per-recording download state machine: starting,
// pausing, resuming and deleting resumable transfers, and keeping the ledger
// and the in-memory status map consistent with each other and with the disk.
package downloads

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"

	"github.com/avisono/birdsong_downloader/internal/catalog"
	"github.com/avisono/birdsong_downloader/internal/fsx"
	"github.com/avisono/birdsong_downloader/internal/fsx/resumable"
	"github.com/avisono/birdsong_downloader/internal/identity"
	"github.com/avisono/birdsong_downloader/internal/ledger"
	"github.com/avisono/birdsong_downloader/internal/logctx"
	"github.com/avisono/birdsong_downloader/internal/telemetry"
)

// nearComplete is the progress threshold past which a pause or resume is
// treated as a disguised completion. The adapter may report fractions a hair
// over 1, so this is a threshold rather than an equality check.
const nearComplete = 0.999

const eventBuffer = 16

// URLSigner issues time-limited read URLs for storage objects.
type URLSigner interface {
	CreateSignedReadURL(ctx context.Context, bucket, objectKey string, ttl time.Duration) (string, error)
}

// Status is the externally-observable download state for one recording,
// mirrored from the ledger for fast UI reads.
type Status struct {
	RecordingID string        `json:"recordingId"`
	State       ledger.Status `json:"state"`
	Progress    float64       `json:"progress"`
	Error       string        `json:"error,omitempty"`
}

// Config carries the orchestrator's tunables.
type Config struct {
	DownloadDir string
	AudioBucket string
	ReadURLTTL  time.Duration

	// MaxConcurrent caps simultaneous transfers; 0 means unlimited.
	MaxConcurrent int
}

// Orchestrator drives transfers and is the only component permitted to
// mutate the in-memory status map. The active handle map is deliberately
// separate from the status map: statuses are what the UI needs, handles are
// what a transfer needs to be paused.
type Orchestrator struct {
	ledger      *ledger.Ledger
	signer      URLSigner
	identity    identity.Provider
	telemetry   *telemetry.Telemetry
	httpClient  *http.Client
	downloadDir string
	audioBucket string
	readTTL     time.Duration
	sem         *semaphore.Weighted

	locks sync.Map // recordingID -> *sync.Mutex

	mu       sync.RWMutex
	statuses map[string]Status
	handles  map[string]*resumable.Transfer
	usage    int64

	OnDownloadFinished chan ledger.Record
	OnDownloadError    chan ledger.Record
}

func New(lgr *ledger.Ledger, signer URLSigner, id identity.Provider, tel *telemetry.Telemetry, cfg Config) *Orchestrator {
	o := &Orchestrator{
		ledger:      lgr,
		signer:      signer,
		identity:    id,
		telemetry:   tel,
		httpClient:  &http.Client{},
		downloadDir: cfg.DownloadDir,
		audioBucket: cfg.AudioBucket,
		readTTL:     cfg.ReadURLTTL,
		statuses:    make(map[string]Status),
		handles:     make(map[string]*resumable.Transfer),

		OnDownloadFinished: make(chan ledger.Record, eventBuffer),
		OnDownloadError:    make(chan ledger.Record, eventBuffer),
	}

	if cfg.MaxConcurrent > 0 {
		o.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}

	return o
}

func (o *Orchestrator) Close() {
	close(o.OnDownloadFinished)
	close(o.OnDownloadError)
}

// Load rebuilds the in-memory status map from the ledger. A "downloading"
// record with no live transfer handle necessarily lost its transfer when the
// process died; it comes back as an error so the UI offers a retry instead
// of a frozen spinner. Records whose transfer is still running are left
// untouched, since Load also runs periodically while transfers are in
// flight.
func (o *Orchestrator) Load(ctx context.Context) {
	userID := o.identity.CurrentUserID()
	records := o.ledger.Load(ctx, userID)

	o.mu.Lock()
	prev := o.statuses
	o.statuses = make(map[string]Status, len(records))

	live := make(map[string]bool, len(o.handles))
	for id := range o.handles {
		live[id] = true
	}

	for _, rec := range records {
		if live[rec.RecordingID] {
			if st, ok := prev[rec.RecordingID]; ok {
				o.statuses[rec.RecordingID] = st

				continue
			}
		}

		st := Status{
			RecordingID: rec.RecordingID,
			State:       rec.Status,
			Progress:    rec.Progress,
			Error:       rec.Error,
		}

		if rec.Status == ledger.StatusDownloading && !live[rec.RecordingID] {
			st.State = ledger.StatusError
			st.Error = "download interrupted"
		}

		o.statuses[rec.RecordingID] = st
	}

	// A degraded store read must not evict a live transfer's status.
	for id := range live {
		if _, ok := o.statuses[id]; ok {
			continue
		}
		if st, ok := prev[id]; ok {
			o.statuses[id] = st
		}
	}
	o.mu.Unlock()

	for _, rec := range records {
		if rec.Status == ledger.StatusDownloading && !live[rec.RecordingID] {
			o.ledger.Patch(ctx, userID, rec.RecordingID, func(r *ledger.Record) {
				r.Status = ledger.StatusError
				r.Error = "download interrupted"
			})
		}
	}

	o.recalcUsage(ctx, userID)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download state loaded",
		"user_id", userID,
		"record_count", len(records),
		"storage_usage", humanize.Bytes(uint64(o.StorageUsage())),
	)
}

// Download fetches the recording's low-quality audio object into the
// download directory. It blocks until the transfer completes, is paused from
// another goroutine, or fails.
func (o *Orchestrator) Download(ctx context.Context, rec catalog.Recording) error {
	userID := o.identity.CurrentUserID()

	unlock := o.lock(rec.ID)

	if st, ok := o.status(rec.ID); ok {
		switch st.State {
		case ledger.StatusCompleted:
			unlock()

			return ErrAlreadyDownloaded
		case ledger.StatusDownloading:
			unlock()

			return ErrAlreadyInProgress
		}
	}

	if !rec.HasDownloadableAudio() {
		unlock()

		return &SourceUnavailableError{RecordingID: rec.ID, ObjectID: rec.AudioLQID}
	}

	dest := o.DownloadPath(rec.AudioLQID)
	now := time.Now().UnixMilli()

	record := ledger.Record{
		RecordingID:    rec.ID,
		AudioPath:      dest,
		Status:         ledger.StatusDownloading,
		Progress:       0,
		StartedAt:      now,
		Title:          rec.Title,
		Species:        rec.Species,
		ScientificName: rec.ScientificName,
		PageNumber:     rec.PageNumber,
		Caption:        rec.Caption,
		ObjectID:       rec.AudioLQID,
	}

	o.setStatus(Status{RecordingID: rec.ID, State: ledger.StatusDownloading})
	o.ledger.Upsert(ctx, userID, record)

	if err := fsx.EnsureDir(o.downloadDir); err != nil {
		o.markError(ctx, userID, rec.ID, err.Error())
		unlock()

		return &TransferFailedError{RecordingID: rec.ID, Reason: err.Error(), Err: err}
	}

	url, err := o.signer.CreateSignedReadURL(ctx, o.audioBucket, rec.AudioLQID, o.readTTL)
	if err != nil {
		o.markError(ctx, userID, rec.ID, "source unavailable")
		unlock()

		return &SourceUnavailableError{RecordingID: rec.ID, ObjectID: rec.AudioLQID, Err: err}
	}

	handle := resumable.New(o.httpClient, url, dest, o.progressFunc(userID, rec.ID))

	o.mu.Lock()
	o.handles[rec.ID] = handle
	o.mu.Unlock()

	unlock()

	return o.runTransfer(ctx, userID, rec.ID, handle)
}

// Pause stops a live transfer and persists its resume token. If the
// transfer is within a whisker of completion it is finalized instead, so a
// pause racing a completion never strands a finished file in "paused".
func (o *Orchestrator) Pause(ctx context.Context, recordingID string) error {
	userID := o.identity.CurrentUserID()

	unlock := o.lock(recordingID)
	defer unlock()

	st, ok := o.status(recordingID)
	if !ok || st.State != ledger.StatusDownloading {
		return ErrNotDownloading
	}

	o.mu.RLock()
	handle, live := o.handles[recordingID]
	o.mu.RUnlock()

	if !live {
		return ErrNoActiveDownload
	}

	if st.Progress >= nearComplete && o.finalizeIfPresent(ctx, userID, recordingID) {
		// The transfer may still be live; stop it so its goroutine exits.
		handle.Cancel()

		return nil
	}

	state, err := handle.Pause()
	if err != nil {
		if errors.Is(err, resumable.ErrCompleted) && o.finalizeIfPresent(ctx, userID, recordingID) {
			return nil
		}

		// Fall back to marking paused anyway: the UI must never be stuck
		// on "downloading" with no live handle behind it.
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "pause failed, marking paused regardless",
			"recording_id", recordingID, "err", err)
	}

	progress := o.progressOf(state)

	if blob, merr := state.Marshal(); merr == nil {
		o.ledger.SaveResumeState(ctx, userID, recordingID, blob)
	}

	o.ledger.Patch(ctx, userID, recordingID, func(r *ledger.Record) {
		r.Status = ledger.StatusPaused
		r.Progress = progress
	})

	o.setStatus(Status{RecordingID: recordingID, State: ledger.StatusPaused, Progress: progress})
	o.dropHandle(recordingID)

	return nil
}

// Resume reconstructs a transfer from the persisted resume token and runs it
// to completion with the same contract as Download.
func (o *Orchestrator) Resume(ctx context.Context, recordingID string) error {
	userID := o.identity.CurrentUserID()

	unlock := o.lock(recordingID)

	st, ok := o.status(recordingID)
	if !ok || st.State != ledger.StatusPaused {
		unlock()

		return ErrNotPaused
	}

	if st.Progress >= nearComplete && o.finalizeIfPresent(ctx, userID, recordingID) {
		unlock()

		return nil
	}

	blob, ok := o.ledger.ResumeState(ctx, userID, recordingID)
	if !ok {
		unlock()

		return ErrNoResumableState
	}

	state, err := resumable.UnmarshalState(blob)
	if err != nil {
		unlock()

		return ErrInvalidResumableState
	}

	handle, err := resumable.FromState(o.httpClient, state, o.progressFunc(userID, recordingID))
	if err != nil {
		unlock()

		return ErrInvalidResumableState
	}

	o.setStatus(Status{RecordingID: recordingID, State: ledger.StatusDownloading, Progress: st.Progress})
	o.ledger.Patch(ctx, userID, recordingID, func(r *ledger.Record) {
		r.Status = ledger.StatusDownloading
		r.Error = ""
	})

	// The token is consumed; a fresh one is written on the next pause.
	o.ledger.RemoveResumeState(ctx, userID, recordingID)

	o.mu.Lock()
	o.handles[recordingID] = handle
	o.mu.Unlock()

	unlock()

	return o.runTransfer(ctx, userID, recordingID, handle)
}

// Delete removes the downloaded artifact and all bookkeeping for the
// recording. A live transfer must be paused first.
func (o *Orchestrator) Delete(ctx context.Context, recordingID string) error {
	userID := o.identity.CurrentUserID()

	unlock := o.lock(recordingID)
	defer unlock()

	o.mu.RLock()
	_, live := o.handles[recordingID]
	o.mu.RUnlock()

	if live {
		return ErrCannotDeleteActive
	}

	logger := logctx.LoggerFromContext(ctx)

	if rec, ok := o.ledger.Get(ctx, userID, recordingID); ok && rec.AudioPath != "" {
		if err := fsx.Remove(rec.AudioPath); err != nil {
			logger.ErrorContext(ctx, "failed to delete audio file", "recording_id", recordingID, "err", err)
		}

		if err := fsx.Remove(rec.AudioPath + ".part"); err != nil {
			logger.ErrorContext(ctx, "failed to delete partial file", "recording_id", recordingID, "err", err)
		}
	}

	o.ledger.Remove(ctx, userID, recordingID)
	o.ledger.RemoveResumeState(ctx, userID, recordingID)

	o.mu.Lock()
	delete(o.statuses, recordingID)
	o.mu.Unlock()

	o.recalcUsage(ctx, userID)

	return nil
}

// ClearAll hard-stops every live transfer, wipes the user's ledger and the
// download directory, and resets the in-memory state. Used on sign-out.
func (o *Orchestrator) ClearAll(ctx context.Context, userID string) error {
	userID = identity.Normalize(userID)

	o.mu.Lock()
	handles := o.handles
	o.handles = make(map[string]*resumable.Transfer)
	o.statuses = make(map[string]Status)
	o.mu.Unlock()

	for _, handle := range handles {
		handle.Cancel()
	}

	o.ledger.ClearAll(ctx, userID)

	if err := fsx.RemoveAll(o.downloadDir); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to clear download directory", "err", err)
	}

	if err := fsx.EnsureDir(o.downloadDir); err != nil {
		return err
	}

	o.mu.Lock()
	o.usage = 0
	o.mu.Unlock()

	o.telemetry.RecordStorageUsage(userID, 0)

	return nil
}

// IsDownloaded reports whether the recording's in-memory status is exactly
// completed; a mere ledger record does not count.
func (o *Orchestrator) IsDownloaded(recordingID string) bool {
	st, ok := o.status(recordingID)

	return ok && st.State == ledger.StatusCompleted
}

// DownloadPath derives the deterministic local path for a remote object id.
// Empty input yields an empty path.
func (o *Orchestrator) DownloadPath(objectID string) string {
	if objectID == "" {
		return ""
	}

	return filepath.Join(o.downloadDir, "audio_"+objectID+".mp3")
}

// Statuses returns a snapshot of every tracked recording's status.
func (o *Orchestrator) Statuses() map[string]Status {
	o.mu.RLock()
	defer o.mu.RUnlock()

	snapshot := make(map[string]Status, len(o.statuses))
	for id, st := range o.statuses {
		snapshot[id] = st
	}

	return snapshot
}

// Status returns the status for one recording.
func (o *Orchestrator) Status(recordingID string) (Status, bool) {
	return o.status(recordingID)
}

// StorageUsage reports the total bytes the download directory holds.
func (o *Orchestrator) StorageUsage() int64 {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.usage
}

func (o *Orchestrator) runTransfer(ctx context.Context, userID, recordingID string, handle *resumable.Transfer) error {
	if o.sem != nil {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			o.markError(ctx, userID, recordingID, err.Error())
			o.dropHandle(recordingID)

			return &TransferFailedError{RecordingID: recordingID, Reason: err.Error(), Err: err}
		}

		defer o.sem.Release(1)
	}

	o.telemetry.IncrementActiveDownloads()
	defer o.telemetry.DecrementActiveDownloads()

	start := time.Now()
	err := handle.Start(ctx)

	switch {
	case err == nil:
		o.telemetry.RecordDownload("completed", time.Since(start))
		o.finalize(ctx, userID, recordingID, handle)

		return nil
	case errors.Is(err, resumable.ErrPaused), errors.Is(err, resumable.ErrCancelled):
		// Pause and ClearAll own the bookkeeping on their side.
		return nil
	default:
		o.telemetry.RecordDownload("error", time.Since(start))
		o.telemetry.RecordSystemError("downloads", "transfer_failed")
		o.markError(ctx, userID, recordingID, err.Error())
		o.dropHandle(recordingID)

		return &TransferFailedError{RecordingID: recordingID, Reason: err.Error(), Err: err}
	}
}

// finalize moves a transfer into the completed state: ledger record patched,
// resume token dropped, usage recalculated, listeners notified. Safe to call
// twice; the second call is a no-op.
func (o *Orchestrator) finalize(ctx context.Context, userID, recordingID string, handle *resumable.Transfer) {
	unlock := o.lock(recordingID)
	defer unlock()

	o.finalizeLocked(ctx, userID, recordingID, handle.State().Total)
}

func (o *Orchestrator) finalizeLocked(ctx context.Context, userID, recordingID string, totalBytes int64) {
	o.mu.Lock()
	st, tracked := o.statuses[recordingID]
	alreadyDone := tracked && st.State == ledger.StatusCompleted
	if tracked && !alreadyDone {
		o.statuses[recordingID] = Status{
			RecordingID: recordingID,
			State:       ledger.StatusCompleted,
			Progress:    1,
		}
	}
	delete(o.handles, recordingID)
	o.mu.Unlock()

	if !tracked || alreadyDone {
		return
	}

	now := time.Now().UnixMilli()

	o.ledger.Patch(ctx, userID, recordingID, func(r *ledger.Record) {
		r.Status = ledger.StatusCompleted
		r.Progress = 1
		r.Error = ""

		if r.DownloadedAt == 0 {
			r.DownloadedAt = now
		}
	})

	o.ledger.RemoveResumeState(ctx, userID, recordingID)
	o.recalcUsage(ctx, userID)
	o.telemetry.AddDownloadedBytes(totalBytes)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download completed",
		"recording_id", recordingID,
		"size", humanize.Bytes(uint64(max(totalBytes, 0))),
	)

	if rec, ok := o.ledger.Get(ctx, userID, recordingID); ok {
		o.emit(o.OnDownloadFinished, rec)
	}
}

// finalizeIfPresent finalizes the recording iff its target file exists on
// disk. Used by the pause/resume near-completion race guards.
func (o *Orchestrator) finalizeIfPresent(ctx context.Context, userID, recordingID string) bool {
	rec, ok := o.ledger.Get(ctx, userID, recordingID)
	if !ok || rec.AudioPath == "" {
		return false
	}

	info, err := fsx.Stat(rec.AudioPath)
	if err != nil || !info.Exists {
		return false
	}

	o.finalizeLocked(ctx, userID, recordingID, info.Size)

	return true
}

func (o *Orchestrator) markError(ctx context.Context, userID, recordingID, reason string) {
	o.mu.Lock()
	st, tracked := o.statuses[recordingID]
	if tracked {
		st.State = ledger.StatusError
		st.Error = reason
		o.statuses[recordingID] = st
	}
	o.mu.Unlock()

	if !tracked {
		return
	}

	o.ledger.Patch(ctx, userID, recordingID, func(r *ledger.Record) {
		r.Status = ledger.StatusError
		r.Error = reason
	})

	if rec, ok := o.ledger.Get(ctx, userID, recordingID); ok {
		o.emit(o.OnDownloadError, rec)
	}
}

func (o *Orchestrator) progressFunc(userID, recordingID string) resumable.ProgressFunc {
	return func(written, total int64) {
		var p float64
		if total > 0 {
			p = float64(written) / float64(total)
		}

		o.mu.Lock()
		if st, ok := o.statuses[recordingID]; ok && st.State == ledger.StatusDownloading {
			st.Progress = p
			o.statuses[recordingID] = st
		}
		o.mu.Unlock()

		// Persistence of progress ticks is fire-and-forget; losing one is
		// invisible and reconciliation heals any terminal drift.
		go o.ledger.Patch(context.Background(), userID, recordingID, func(r *ledger.Record) {
			r.Progress = p
		})
	}
}

func (o *Orchestrator) recalcUsage(ctx context.Context, userID string) {
	usage, err := fsx.DirSize(o.downloadDir)
	if err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to calculate storage usage", "err", err)

		return
	}

	o.mu.Lock()
	o.usage = usage
	o.mu.Unlock()

	o.telemetry.RecordStorageUsage(userID, usage)
}

func (o *Orchestrator) progressOf(state resumable.State) float64 {
	if state.Total <= 0 {
		return 0
	}

	return float64(state.BytesWritten) / float64(state.Total)
}

func (o *Orchestrator) lock(recordingID string) func() {
	v, _ := o.locks.LoadOrStore(recordingID, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()

	return m.Unlock
}

func (o *Orchestrator) status(recordingID string) (Status, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	st, ok := o.statuses[recordingID]

	return st, ok
}

func (o *Orchestrator) setStatus(st Status) {
	o.mu.Lock()
	o.statuses[st.RecordingID] = st
	o.mu.Unlock()
}

func (o *Orchestrator) dropHandle(recordingID string) {
	o.mu.Lock()
	delete(o.handles, recordingID)
	o.mu.Unlock()
}

func (o *Orchestrator) emit(ch chan ledger.Record, rec ledger.Record) {
	select {
	case ch <- rec:
	default:
		// Nobody is draining fast enough; dropping a notification beats
		// blocking a transfer goroutine.
	}
}
