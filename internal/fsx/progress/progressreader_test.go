package progress

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type report struct {
	written int64
	total   int64
}

func TestReaderReportsAtInterval(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 1000)

	var reports []report

	pr := NewReader(bytes.NewReader(data), 0, 1000, 300, func(written, total int64) {
		reports = append(reports, report{written, total})
	})

	n, err := io.Copy(io.Discard, pr)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), n)

	require.NotEmpty(t, reports)

	last := reports[len(reports)-1]
	assert.Equal(t, int64(1000), last.written)
	assert.Equal(t, int64(1000), last.total)

	for i := 1; i < len(reports); i++ {
		assert.Greater(t, reports[i].written, reports[i-1].written)
	}
}

func TestReaderSeedsOffset(t *testing.T) {
	data := bytes.Repeat([]byte("y"), 100)

	var last report

	pr := NewReader(bytes.NewReader(data), 400, 500, 10, func(written, total int64) {
		last = report{written, total}
	})

	_, err := io.Copy(io.Discard, pr)
	require.NoError(t, err)

	// Cumulative count includes the bytes already on disk.
	assert.Equal(t, int64(500), last.written)
	assert.Equal(t, int64(500), last.total)
}

func TestReaderFlushesTailOnEOF(t *testing.T) {
	data := []byte("short")

	var calls int

	pr := NewReader(bytes.NewReader(data), 0, int64(len(data)), 1<<20, func(written, total int64) {
		calls++

		assert.Equal(t, int64(len(data)), written)
	})

	_, err := io.Copy(io.Discard, pr)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
