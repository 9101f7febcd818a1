package downloads

import (
	"errors"
	"fmt"
	"testing"
)

// TestSourceUnavailableError_Error verifies error message formatting
func TestSourceUnavailableError_Error(t *testing.T) {
	err := &SourceUnavailableError{
		RecordingID: "r1",
		ObjectID:    "abc123",
	}

	expected := `no downloadable source for recording r1 (object "abc123")`
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

// TestTransferFailedError_Error verifies error message formatting
func TestTransferFailedError_Error(t *testing.T) {
	err := &TransferFailedError{
		RecordingID: "r1",
		Reason:      "connection reset",
	}

	expected := "transfer failed for recording r1: connection reset"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestErrorUnwrapping(t *testing.T) {
	cause := fmt.Errorf("tcp timeout")

	tests := []struct {
		name string
		err  error
	}{
		{
			name: "source unavailable wraps cause",
			err:  &SourceUnavailableError{RecordingID: "r1", Err: cause},
		},
		{
			name: "transfer failed wraps cause",
			err:  &TransferFailedError{RecordingID: "r1", Reason: "boom", Err: cause},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, cause) {
				t.Errorf("errors.Is(%v, cause) = false, want true", tt.err)
			}
		})
	}
}
