// Package resumable implements a pausable network-to-file transfer. A
// transfer streams an HTTP body into "<dest>.part" and renames it to dest on
// completion. Pausing cancels the in-flight request and yields a
// serializable State from which a new transfer can be reconstructed; the
// resumed request uses a Range header so no bytes are re-fetched.
package resumable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/avisono/birdsong_downloader/internal/fsx"
	"github.com/avisono/birdsong_downloader/internal/fsx/progress"
)

var (
	// ErrPaused is returned by Start when the transfer was stopped by Pause.
	ErrPaused = errors.New("transfer paused")

	// ErrCancelled is returned by Start when the transfer was hard-stopped.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrCompleted is returned by Pause when the transfer finished before
	// the pause took effect.
	ErrCompleted = errors.New("transfer already completed")

	// ErrAlreadyRunning is returned by Start on a transfer that is live.
	ErrAlreadyRunning = errors.New("transfer already running")
)

const defaultReportInterval = 64 * 1024 // bytes between progress callbacks

// State is the serializable snapshot of a paused transfer.
type State struct {
	URL          string `json:"url"`
	Dest         string `json:"dest"`
	BytesWritten int64  `json:"bytesWritten"`
	Total        int64  `json:"total"`
	ETag         string `json:"etag,omitempty"`
}

// Marshal encodes the state as JSON.
func (s State) Marshal() (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal resume state: %w", err)
	}

	return string(raw), nil
}

// UnmarshalState decodes a JSON state blob, rejecting blobs that lack the
// fields needed to reconstruct a transfer.
func UnmarshalState(raw string) (State, error) {
	var st State
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return State{}, fmt.Errorf("failed to unmarshal resume state: %w", err)
	}

	if st.URL == "" || st.Dest == "" {
		return State{}, fmt.Errorf("resume state is missing url or dest")
	}

	return st, nil
}

// ProgressFunc receives cumulative bytes written and the expected total.
// Total is 0 when the server did not announce a length.
type ProgressFunc func(written, total int64)

type stopReason int

const (
	stopNone stopReason = iota
	stopPause
	stopCancel
)

// Transfer is one network-to-file download. A Transfer is single-shot: after
// Start returns it is either completed, paused (reconstruct via FromState)
// or failed.
type Transfer struct {
	client         *http.Client
	onProgress     ProgressFunc
	reportInterval int64

	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	done      chan struct{}
	running   bool
	completed bool
	stop      stopReason
}

// New creates a fresh transfer from url into dest.
func New(client *http.Client, url, dest string, onProgress ProgressFunc) *Transfer {
	return &Transfer{
		client:         client,
		onProgress:     onProgress,
		reportInterval: defaultReportInterval,
		state:          State{URL: url, Dest: dest},
	}
}

// FromState reconstructs a transfer from a previously paused state.
func FromState(client *http.Client, st State, onProgress ProgressFunc) (*Transfer, error) {
	if st.URL == "" || st.Dest == "" {
		return nil, fmt.Errorf("resume state is missing url or dest")
	}

	t := New(client, st.URL, st.Dest, onProgress)
	t.state = st

	return t, nil
}

// State returns a snapshot of the transfer's current state.
func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// Start runs the transfer until completion, pause or failure. It blocks the
// calling goroutine; Pause and Cancel are expected from other goroutines.
func (t *Transfer) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()

		return ErrAlreadyRunning
	}

	if t.completed {
		t.mu.Unlock()

		return nil
	}

	// A pause or cancel that landed before Start wins; the transfer never
	// touches the network.
	switch t.stop {
	case stopPause:
		t.mu.Unlock()

		return ErrPaused
	case stopCancel:
		t.mu.Unlock()

		return ErrCancelled
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	t.cancel = cancel
	t.done = done
	t.running = true
	t.stop = stopNone
	t.mu.Unlock()

	err := t.run(runCtx)

	t.mu.Lock()
	t.running = false
	if err == nil {
		t.completed = true
	}
	reason := t.stop
	t.mu.Unlock()

	cancel()
	close(done)

	if err != nil {
		switch reason {
		case stopPause:
			return ErrPaused
		case stopCancel:
			return ErrCancelled
		}

		return err
	}

	return nil
}

// Pause stops a live transfer and returns its serializable state. If the
// transfer finished before the pause took effect, ErrCompleted is returned.
func (t *Transfer) Pause() (State, error) {
	t.mu.Lock()

	if t.completed {
		st := t.state
		t.mu.Unlock()

		return st, ErrCompleted
	}

	if !t.running {
		// Not started yet (or already stopped); record the intent so a
		// late Start doesn't race past the pause, and hand back the
		// snapshot as the resume state.
		t.stop = stopPause
		st := t.state
		t.mu.Unlock()

		return st, nil
	}

	t.stop = stopPause
	done := t.done
	t.cancel()
	t.mu.Unlock()

	<-done

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.completed {
		return t.state, ErrCompleted
	}

	// The part file is the ground truth for how far we got.
	if info, err := fsx.Stat(t.partPath()); err == nil && info.Exists {
		t.state.BytesWritten = info.Size
	}

	return t.state, nil
}

// Cancel hard-stops a live transfer without preserving resumability
// guarantees beyond what is already on disk. Safe to call on a transfer that
// is not running.
func (t *Transfer) Cancel() {
	t.mu.Lock()

	if !t.running {
		t.stop = stopCancel
		t.mu.Unlock()

		return
	}

	t.stop = stopCancel
	done := t.done
	t.cancel()
	t.mu.Unlock()

	<-done
}

func (t *Transfer) partPath() string {
	return t.state.Dest + ".part"
}

func (t *Transfer) run(ctx context.Context) error {
	partPath := t.partPath()

	offset := t.resumeOffset(partPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.state.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		if t.state.ETag != "" {
			req.Header.Set("If-Range", t.state.ETag)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		// Continuing where we left off.
	case http.StatusOK:
		// Server ignored the range (or fresh start); restart from zero.
		offset = 0
	default:
		return fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, t.state.URL)
	}

	total := offset + resp.ContentLength
	if resp.ContentLength < 0 {
		total = 0
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if offset > 0 {
		flags = os.O_WRONLY | os.O_APPEND
	}

	out, err := os.OpenFile(partPath, flags, 0644)
	if err != nil {
		return fmt.Errorf("failed to open part file: %w", err)
	}

	t.mu.Lock()
	t.state.BytesWritten = offset
	t.state.Total = total
	if etag := resp.Header.Get("ETag"); etag != "" {
		t.state.ETag = etag
	}
	t.mu.Unlock()

	pr := progress.NewReader(resp.Body, offset, total, t.reportInterval, func(written, totalBytes int64) {
		t.mu.Lock()
		t.state.BytesWritten = written
		t.mu.Unlock()

		if t.onProgress != nil {
			t.onProgress(written, totalBytes)
		}
	})

	if _, err := io.Copy(out, pr); err != nil {
		out.Close()

		return fmt.Errorf("failed to copy body: %w", err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close part file: %w", err)
	}

	if err := os.Rename(partPath, t.state.Dest); err != nil {
		return fmt.Errorf("failed to finalize download: %w", err)
	}

	t.mu.Lock()
	if total > 0 {
		t.state.BytesWritten = total
	}
	t.mu.Unlock()

	return nil
}

// resumeOffset reconciles the recorded offset against the part file on disk;
// the file wins. A missing part file restarts the transfer from zero.
func (t *Transfer) resumeOffset(partPath string) int64 {
	t.mu.Lock()
	recorded := t.state.BytesWritten
	t.mu.Unlock()

	if recorded <= 0 {
		return 0
	}

	info, err := fsx.Stat(partPath)
	if err != nil || !info.Exists {
		return 0
	}

	return info.Size
}
