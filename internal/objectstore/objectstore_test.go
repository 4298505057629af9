package objectstore

import (
	"errors"
	"testing"
	"time"
)

func TestVerifyETag(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name      string
		live      string
		announced string
		wantErr   bool
	}{
		{name: "match", live: "abc123", announced: "abc123", wantErr: false},
		{name: "mismatch", live: "abc123", announced: "def456", wantErr: true},
		{name: "empty live", live: "", announced: "abc123", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyETag(Object{ETag: tt.live}, tt.announced)
			if tt.wantErr && !errors.Is(err, ErrETagMismatch) {
				t.Fatalf("VerifyETag() error = %v, want %v", err, ErrETagMismatch)
			}

			if !tt.wantErr && err != nil {
				t.Fatalf("VerifyETag() unexpected error: %v", err)
			}
		})
	}
}

func TestUnquoteETag(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		in, want string
	}{
		{in: `"abc123"`, want: "abc123"},
		{in: "abc123", want: "abc123"},
		{in: `"`, want: `"`},
		{in: "", want: ""},
	}

	for _, tt := range tests {
		if got := unquoteETag(tt.in); got != tt.want {
			t.Errorf("unquoteETag(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestToObject(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	etag := `"xyz"`
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	obj := toObject(&etag, 42, &now)
	if obj.ETag != "xyz" {
		t.Errorf("ETag = %q, want xyz", obj.ETag)
	}

	if obj.Size != 42 || obj.ContentLength != 42 {
		t.Errorf("Size/ContentLength = %d/%d, want 42/42", obj.Size, obj.ContentLength)
	}

	if !obj.LastModified.Equal(now) {
		t.Errorf("LastModified = %v, want %v", obj.LastModified, now)
	}
}
