package catalog

import "strings"

// Recording is one catalog entry for a bird sound field-recording. Audio is
// stored remotely in two renditions: a high-quality object used for
// streaming and a low-quality object used for offline downloads. The
// sonogram video, when present, is streaming-only.
type Recording struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Species        string `json:"species"`
	ScientificName string `json:"scientificName"`
	PageNumber     int    `json:"pageNumber"`
	Caption        string `json:"caption"`

	AudioHQID       string `json:"audioHqId"`
	AudioLQID       string `json:"audioLqId"`
	SonogramVideoID string `json:"sonogramVideoId,omitempty"`
}

// HasDownloadableAudio reports whether the recording carries a low-quality
// object that can be fetched for offline use.
func (r *Recording) HasDownloadableAudio() bool {
	return strings.TrimSpace(r.AudioLQID) != ""
}

// HasStreamableAudio reports whether the recording carries a high-quality
// object for online streaming.
func (r *Recording) HasStreamableAudio() bool {
	return strings.TrimSpace(r.AudioHQID) != ""
}

// HasSonogram reports whether the recording has a sonogram video object.
func (r *Recording) HasSonogram() bool {
	return strings.TrimSpace(r.SonogramVideoID) != ""
}
