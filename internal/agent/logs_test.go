package agent

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "svc.log")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTailFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
		n       int
		want    string
	}{
		{"last two of three", "a\nb\nc\n", 2, "b\nc\n"},
		{"exact count", "a\nb\nc\n", 3, "a\nb\nc\n"},
		{"more than available", "a\nb\n", 10, "a\nb\n"},
		{"no trailing newline", "a\nb\nc", 1, "c"},
		{"torn line counts", "a\nb\nc", 2, "b\nc"},
		{"single line", "only\n", 1, "only\n"},
		{"single line unterminated", "only", 5, "only"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tailFile(writeTemp(t, tt.content), tt.n)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("tail(%q, %d) = %q, want %q", tt.content, tt.n, got, tt.want)
			}
		})
	}
}

func TestTailFileEmpty(t *testing.T) {
	got, err := tailFile(writeTemp(t, ""), 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("tail of empty file = %q", got)
	}
}

func TestTailFileMissing(t *testing.T) {
	_, err := tailFile(filepath.Join(t.TempDir(), "nope.log"), 3)
	if !os.IsNotExist(err) {
		t.Errorf("want not-exist error, got %v", err)
	}
}
