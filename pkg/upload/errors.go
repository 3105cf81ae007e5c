package upload

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/coursehub/coursehub/pkg/attachments"
)

var (
	// ErrMissingConnectionID is returned before anything is sent when a
	// correlated request has no connection id.
	ErrMissingConnectionID = errors.New("upload requires a connection id")

	ErrSlotOccupied = attachments.ErrSlotOccupied
)

// UploadError wraps a transport failure or a non-2xx response. Status is zero
// when no response was received.
type UploadError struct {
	Endpoint string
	Status   int
	Body     string
	Cause    error
	// RetryAfter is the server's Retry-After hint, zero when absent.
	RetryAfter time.Duration
}

func (e *UploadError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("upload to %s failed: %v", e.Endpoint, e.Cause)
	}
	if e.Body != "" {
		return fmt.Sprintf("upload to %s failed with status %d: %s", e.Endpoint, e.Status, e.Body)
	}
	return fmt.Sprintf("upload to %s failed with status %d", e.Endpoint, e.Status)
}

func (e *UploadError) Unwrap() error { return e.Cause }

// Temporary reports whether resubmitting might succeed.
func (e *UploadError) Temporary() bool {
	return e.Status == 0 || e.Status == 408 || e.Status == 429 || e.Status >= 500
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(now time.Time, raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	t, err := time.Parse(time.RFC1123, raw)
	if err != nil {
		t, err = time.Parse(time.RFC3339, raw)
	}
	if err != nil || !t.After(now) {
		return 0
	}
	return t.Sub(now)
}
