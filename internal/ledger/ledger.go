// Package ledger is the durable per-user record store for download state.
// Records and the per-user index are JSON blobs in a key-value store; the
// ledger owns the mapping between a logical recording and its on-disk
// artifact. Store failures are logged and degrade to "record absent"; the
// ledger never fails its caller.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/avisono/birdsong_downloader/internal/fsx"
	"github.com/avisono/birdsong_downloader/internal/identity"
	"github.com/avisono/birdsong_downloader/internal/kv"
	"github.com/avisono/birdsong_downloader/internal/logctx"
)

// Status is the persisted download lifecycle state.
type Status string

const (
	StatusDownloading Status = "downloading"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

const loadConcurrency = 8

// Record is one user's download state for one recording, plus denormalized
// recording metadata so the UI can render offline entries without a network
// round-trip.
type Record struct {
	RecordingID  string  `json:"recordingId"`
	AudioPath    string  `json:"audioPath"`
	Status       Status  `json:"status"`
	Progress     float64 `json:"progress"`
	StartedAt    int64   `json:"startedAt"`
	DownloadedAt int64   `json:"downloadedAt"`
	Error        string  `json:"error,omitempty"`

	Title          string `json:"title"`
	Species        string `json:"species"`
	ScientificName string `json:"scientificName"`
	PageNumber     int    `json:"pageNumber"`
	Caption        string `json:"caption"`
	ObjectID       string `json:"objectId"`
}

// Ledger persists download records, the per-user index and resume tokens.
type Ledger struct {
	store kv.Store
}

func New(store kv.Store) *Ledger {
	return &Ledger{store: store}
}

func indexKey(userID string) string {
	return "downloads_list_" + identity.Normalize(userID)
}

func recordKey(userID, recordingID string) string {
	return "download_" + identity.Normalize(userID) + "_" + recordingID
}

func resumeKey(userID, recordingID string) string {
	return "resumable_" + identity.Normalize(userID) + "_" + recordingID
}

// Load reads every record in the user's index, reconciling each against the
// filesystem: when the backing file is present but the stored status
// disagrees, the record is rewritten as completed. Index entries whose record
// is gone are pruned. A corrupt or unavailable store yields an empty slice.
func (l *Ledger) Load(ctx context.Context, userID string) []Record {
	logger := logctx.LoggerFromContext(ctx)

	ids := l.index(ctx, userID)
	if len(ids) == 0 {
		return nil
	}

	results := make([]*Record, len(ids))

	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)

	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			rec, ok := l.Get(gctx, userID, id)
			if !ok {
				return nil
			}

			l.reconcile(gctx, userID, &rec)

			mu.Lock()
			results[i] = &rec
			mu.Unlock()

			return nil
		})
	}

	// Workers only report, never fail.
	_ = g.Wait()

	records := make([]Record, 0, len(ids))
	surviving := make([]string, 0, len(ids))

	for i, rec := range results {
		if rec == nil {
			logger.WarnContext(ctx, "pruning dangling index entry", "recording_id", ids[i], "user_id", identity.Normalize(userID))

			continue
		}

		records = append(records, *rec)
		surviving = append(surviving, rec.RecordingID)
	}

	if len(surviving) != len(ids) {
		l.writeIndex(ctx, userID, surviving)
	}

	return records
}

// Get reads a single record. A missing or corrupt record reports !ok.
func (l *Ledger) Get(ctx context.Context, userID, recordingID string) (Record, bool) {
	raw, err := l.store.Get(ctx, recordKey(userID, recordingID))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to read download record", "recording_id", recordingID, "err", err)
		}

		return Record{}, false
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "corrupt download record", "recording_id", recordingID, "err", err)

		return Record{}, false
	}

	return rec, true
}

// Upsert writes the full record and makes sure the id is in the index.
func (l *Ledger) Upsert(ctx context.Context, userID string, rec Record) {
	logger := logctx.LoggerFromContext(ctx)

	raw, err := json.Marshal(rec)
	if err != nil {
		logger.ErrorContext(ctx, "failed to marshal download record", "recording_id", rec.RecordingID, "err", err)

		return
	}

	if err := l.store.Set(ctx, recordKey(userID, rec.RecordingID), string(raw)); err != nil {
		logger.ErrorContext(ctx, "failed to persist download record", "recording_id", rec.RecordingID, "err", err)

		return
	}

	l.addToIndex(ctx, userID, rec.RecordingID)
}

// Patch applies a read-modify-write merge to an existing record. No-op if
// the record is absent.
func (l *Ledger) Patch(ctx context.Context, userID, recordingID string, mutate func(*Record)) {
	rec, ok := l.Get(ctx, userID, recordingID)
	if !ok {
		return
	}

	mutate(&rec)

	raw, err := json.Marshal(rec)
	if err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to marshal patched record", "recording_id", recordingID, "err", err)

		return
	}

	if err := l.store.Set(ctx, recordKey(userID, recordingID), string(raw)); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to persist patched record", "recording_id", recordingID, "err", err)
	}
}

// Remove deletes the record and drops the id from the index.
func (l *Ledger) Remove(ctx context.Context, userID, recordingID string) {
	logger := logctx.LoggerFromContext(ctx)

	if err := l.store.Remove(ctx, recordKey(userID, recordingID)); err != nil {
		logger.ErrorContext(ctx, "failed to remove download record", "recording_id", recordingID, "err", err)
	}

	ids := l.index(ctx, userID)
	pruned := make([]string, 0, len(ids))

	for _, id := range ids {
		if id != recordingID {
			pruned = append(pruned, id)
		}
	}

	if len(pruned) != len(ids) {
		l.writeIndex(ctx, userID, pruned)
	}
}

// ClearAll deletes every record, every resume token and the index itself for
// the user.
func (l *Ledger) ClearAll(ctx context.Context, userID string) {
	ids := l.index(ctx, userID)

	keys := make([]string, 0, len(ids)*2+1)
	for _, id := range ids {
		keys = append(keys, recordKey(userID, id), resumeKey(userID, id))
	}

	keys = append(keys, indexKey(userID))

	if err := l.store.MultiRemove(ctx, keys); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to clear download records", "user_id", identity.Normalize(userID), "err", err)
	}
}

// SaveResumeState persists the serialized resume token for a paused transfer.
func (l *Ledger) SaveResumeState(ctx context.Context, userID, recordingID, blob string) {
	if err := l.store.Set(ctx, resumeKey(userID, recordingID), blob); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to persist resume state", "recording_id", recordingID, "err", err)
	}
}

// ResumeState reads the resume token persisted for a paused transfer.
func (l *Ledger) ResumeState(ctx context.Context, userID, recordingID string) (string, bool) {
	raw, err := l.store.Get(ctx, resumeKey(userID, recordingID))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to read resume state", "recording_id", recordingID, "err", err)
		}

		return "", false
	}

	return raw, true
}

// RemoveResumeState drops a persisted resume token.
func (l *Ledger) RemoveResumeState(ctx context.Context, userID, recordingID string) {
	if err := l.store.Remove(ctx, resumeKey(userID, recordingID)); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to remove resume state", "recording_id", recordingID, "err", err)
	}
}

// reconcile corrects a record against filesystem ground truth: a present
// file always wins and forces the record to completed. A missing file under
// a completed status is left alone; the player surfaces it as unplayable
// rather than this layer guessing.
func (l *Ledger) reconcile(ctx context.Context, userID string, rec *Record) {
	if rec.AudioPath == "" {
		return
	}

	info, err := fsx.Stat(rec.AudioPath)
	if err != nil || !info.Exists || info.IsDirectory {
		return
	}

	if rec.Status == StatusCompleted && rec.Progress == 1 {
		return
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "reconciled download record against disk",
		"recording_id", rec.RecordingID,
		"previous_status", string(rec.Status),
	)

	rec.Status = StatusCompleted
	rec.Progress = 1
	rec.Error = ""

	if rec.DownloadedAt == 0 {
		rec.DownloadedAt = time.Now().UnixMilli()
	}

	raw, err := json.Marshal(*rec)
	if err != nil {
		return
	}

	if err := l.store.Set(ctx, recordKey(userID, rec.RecordingID), string(raw)); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to persist reconciled record", "recording_id", rec.RecordingID, "err", err)
	}
}

func (l *Ledger) index(ctx context.Context, userID string) []string {
	raw, err := l.store.Get(ctx, indexKey(userID))
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to read download index", "user_id", identity.Normalize(userID), "err", err)
		}

		return nil
	}

	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "corrupt download index", "user_id", identity.Normalize(userID), "err", err)

		return nil
	}

	return ids
}

func (l *Ledger) addToIndex(ctx context.Context, userID, recordingID string) {
	ids := l.index(ctx, userID)

	for _, id := range ids {
		if id == recordingID {
			return
		}
	}

	l.writeIndex(ctx, userID, append(ids, recordingID))
}

func (l *Ledger) writeIndex(ctx context.Context, userID string, ids []string) {
	raw, err := json.Marshal(ids)
	if err != nil {
		return
	}

	if err := l.store.Set(ctx, indexKey(userID), string(raw)); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to persist download index", "user_id", identity.Normalize(userID), "err", err)
	}
}
