package util

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWithUserWritePermission(t *testing.T) {
	tests := []struct {
		in   os.FileMode
		want os.FileMode
	}{
		{0444, 0644},
		{0644, 0644},
		{0755, 0755},
		{0000, 0200},
	}
	for _, tc := range tests {
		if got := WithUserWritePermission(tc.in); got != tc.want {
			t.Errorf("WithUserWritePermission(%o) = %o, want %o", tc.in, got, tc.want)
		}
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}

	t.Run("expands tilde", func(t *testing.T) {
		got, err := ExpandPath("~/media/movies")
		if err != nil {
			t.Fatal(err)
		}
		if want := filepath.Join(home, "media", "movies"); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("leaves absolute paths alone", func(t *testing.T) {
		got, err := ExpandPath("/data/movies")
		if err != nil {
			t.Fatal(err)
		}
		if got != "/data/movies" {
			t.Errorf("got %q", got)
		}
	})
}

func TestByteCountIEC(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0B"},
		{1023, "1023B"},
		{1024, "1.0KiB"},
		{1536, "1.5KiB"},
		{1048576, "1.0MiB"},
		{5368709120, "5.0GiB"},
	}
	for _, tc := range tests {
		if got := ByteCountIEC(tc.in); got != tc.want {
			t.Errorf("ByteCountIEC(%d) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
