package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// mp3Header is enough of an ID3v2 tag for content sniffing to call the
// file audio.
var mp3Header = []byte{'I', 'D', '3', 0x04, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}

// CreateTestFile writes size bytes to dir/name and returns the path.
func CreateTestFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

// CreateMediaFile writes a small file that sniffs as audio.
func CreateMediaFile(t *testing.T, dir, name string) string {
	t.Helper()
	data := append([]byte{}, mp3Header...)
	data = append(data, make([]byte, 512)...)
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

// FileExists checks if a file exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
