package progress

import "io"

// Reader wraps an io.Reader and reports cumulative progress via a callback.
// Offset seeds the cumulative count so resumed transfers report against the
// full object size rather than the remaining bytes.
type Reader struct {
	Reader         io.Reader
	Total          int64
	OnProgress     func(written int64, total int64)
	totalRead      int64 // cumulative total, including offset
	lastReport     int64 // bytes since last report
	reportInterval int64 // bytes
}

func NewReader(r io.Reader, offset, total, interval int64, cb func(written int64, total int64)) *Reader {
	return &Reader{
		Reader:         r,
		Total:          total,
		OnProgress:     cb,
		totalRead:      offset,
		reportInterval: interval,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)
		if pr.lastReport >= pr.reportInterval {
			pr.OnProgress(pr.totalRead, pr.Total)
			pr.lastReport = 0
		}
	}
	if err == io.EOF && pr.lastReport > 0 && pr.OnProgress != nil {
		// Flush the tail so the final callback always carries the full count.
		pr.OnProgress(pr.totalRead, pr.Total)
		pr.lastReport = 0
	}
	return n, err
}
