// Package playback decides which source a recording should play from: the
// locally downloaded file or a freshly signed remote URL.
package playback

import (
	"context"
	"time"

	"github.com/avisono/birdsong_downloader/internal/catalog"
	"github.com/avisono/birdsong_downloader/internal/logctx"
)

// URLSigner issues time-limited read URLs for storage objects.
type URLSigner interface {
	CreateSignedReadURL(ctx context.Context, bucket, objectKey string, ttl time.Duration) (string, error)
}

// DownloadState answers whether a recording is fully downloaded and where
// its artifact lives.
type DownloadState interface {
	IsDownloaded(recordingID string) bool
	DownloadPath(objectID string) string
}

// Prober reports backend reachability.
type Prober interface {
	IsConnected(ctx context.Context) bool
}

// Resolver is a pure decision function over the collaborators above; it
// never mutates download state.
type Resolver struct {
	signer      URLSigner
	downloads   DownloadState
	prober      Prober
	audioBucket string
	videoBucket string
	readTTL     time.Duration
}

func NewResolver(signer URLSigner, downloads DownloadState, prober Prober, audioBucket, videoBucket string, readTTL time.Duration) *Resolver {
	return &Resolver{
		signer:      signer,
		downloads:   downloads,
		prober:      prober,
		audioBucket: audioBucket,
		videoBucket: videoBucket,
		readTTL:     readTTL,
	}
}

// ResolveAudio returns the best playable URI for the recording and whether
// one exists. Local always wins, even when online and even if the path turns
// out stale: the player surfacing an I/O error is preferable to a surprise
// network fetch masking a reconciliation bug.
func (r *Resolver) ResolveAudio(ctx context.Context, rec catalog.Recording) (string, bool) {
	if rec.HasDownloadableAudio() && r.downloads.IsDownloaded(rec.ID) {
		if path := r.downloads.DownloadPath(rec.AudioLQID); path != "" {
			return path, true
		}
	}

	if rec.HasStreamableAudio() && r.prober.IsConnected(ctx) {
		url, err := r.signer.CreateSignedReadURL(ctx, r.audioBucket, rec.AudioHQID, r.readTTL)
		if err != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to sign streaming url",
				"recording_id", rec.ID, "err", err)

			return "", false
		}

		return url, true
	}

	// No connectivity and no local copy: unplayable.
	return "", false
}

// ResolveSonogram returns a signed URL for the recording's sonogram video.
// Video is never downloaded for offline use, so there is no local branch.
func (r *Resolver) ResolveSonogram(ctx context.Context, rec catalog.Recording) (string, bool) {
	if !rec.HasSonogram() || !r.prober.IsConnected(ctx) {
		return "", false
	}

	url, err := r.signer.CreateSignedReadURL(ctx, r.videoBucket, rec.SonogramVideoID, r.readTTL)
	if err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to sign sonogram url",
			"recording_id", rec.ID, "err", err)

		return "", false
	}

	return url, true
}
