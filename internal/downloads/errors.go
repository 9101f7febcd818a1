package downloads

import (
	"errors"
	"fmt"
)

// Precondition violations on the download state machine. These are thrown to
// the caller, which owns user-facing messaging; they never mutate state.
var (
	// ErrAlreadyDownloaded rejects download() on a completed recording.
	ErrAlreadyDownloaded = errors.New("recording is already downloaded")

	// ErrAlreadyInProgress rejects download() while a transfer is live.
	ErrAlreadyInProgress = errors.New("download is already in progress")

	// ErrNotDownloading rejects pause() when the recording is not downloading.
	ErrNotDownloading = errors.New("recording is not downloading")

	// ErrNoActiveDownload rejects pause() when no transfer handle is live.
	ErrNoActiveDownload = errors.New("no active transfer for recording")

	// ErrNotPaused rejects resume() when the recording is not paused.
	ErrNotPaused = errors.New("download is not paused")

	// ErrNoResumableState rejects resume() when no resume token is persisted.
	ErrNoResumableState = errors.New("no resumable state persisted")

	// ErrInvalidResumableState rejects resume() on a malformed resume token.
	ErrInvalidResumableState = errors.New("resumable state is malformed")

	// ErrCannotDeleteActive rejects delete() while a transfer is live; the
	// caller must pause first.
	ErrCannotDeleteActive = errors.New("cannot delete recording with an active transfer")
)

// SourceUnavailableError means the backend could not issue a signed URL for
// the requested audio object.
type SourceUnavailableError struct {
	RecordingID string // Recording whose audio could not be signed
	ObjectID    string // Remote object key that was requested
	Err         error  // Underlying error, if any
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("no downloadable source for recording %s (object %q)", e.RecordingID, e.ObjectID)
}

func (e *SourceUnavailableError) Unwrap() error {
	return e.Err
}

// TransferFailedError means the underlying network/filesystem transfer
// failed; Reason is adapter-supplied text surfaced inline by the UI.
type TransferFailedError struct {
	RecordingID string
	Reason      string
	Err         error
}

func (e *TransferFailedError) Error() string {
	return fmt.Sprintf("transfer failed for recording %s: %s", e.RecordingID, e.Reason)
}

func (e *TransferFailedError) Unwrap() error {
	return e.Err
}
