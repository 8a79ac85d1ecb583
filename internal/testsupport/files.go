package testsupport

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// Pattern returns size bytes of a repeating, offset-dependent pattern so
// that truncated or misaligned resumes are detectable by comparison.
func Pattern(size int64) []byte {
	if size < 0 {
		size = 0
	}
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return buf
}

// WriteFile fills the target path with size bytes of Pattern. A size <= 0
// writes a single byte.
func WriteFile(t testing.TB, path string, size int64) []byte {
	t.Helper()

	if size <= 0 {
		size = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	data := Pattern(size)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return data
}

// RequireContent fails the test unless path holds exactly want.
func RequireContent(t testing.TB, path string, want []byte) {
	t.Helper()

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("content mismatch for %s: got %d bytes, want %d", path, len(got), len(want))
	}
}

// RequireMissing fails the test if path exists.
func RequireMissing(t testing.TB, path string) {
	t.Helper()

	if _, err := os.Stat(path); err == nil {
		t.Fatalf("expected %s to be absent", path)
	} else if !os.IsNotExist(err) {
		t.Fatalf("stat %s: %v", path, err)
	}
}
