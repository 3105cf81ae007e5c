package upload

import (
	"errors"
	"testing"
	"time"
)

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	tests := []struct {
		raw  string
		want time.Duration
	}{
		{"", 0},
		{"30", 30 * time.Second},
		{"-1", 0},
		{now.Add(2 * time.Minute).Format(time.RFC1123), 2 * time.Minute},
		{now.Add(-time.Minute).Format(time.RFC3339), 0},
		{"soon", 0},
	}
	for _, tc := range tests {
		if got := parseRetryAfter(now, tc.raw); got != tc.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestUploadErrorMessageAndUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &UploadError{Endpoint: "/x", Cause: cause}
	if !errors.Is(err, cause) {
		t.Fatal("UploadError should unwrap to its cause")
	}
	if err.Error() != "upload to /x failed: connection refused" {
		t.Fatalf("message = %q", err.Error())
	}
	rejected := &UploadError{Endpoint: "/x", Status: 413, Body: "too large"}
	if rejected.Temporary() {
		t.Fatal("413 should not be temporary")
	}
	if rejected.Error() != "upload to /x failed with status 413: too large" {
		t.Fatalf("message = %q", rejected.Error())
	}
}
