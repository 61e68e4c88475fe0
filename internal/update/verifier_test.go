package update

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeImage(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ImageFileName)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestVerifyMatch(t *testing.T) {
	content := []byte("firmware payload v2")
	path := writeImage(t, content)

	sum := sha256.Sum256(content)
	if !Verify(path, hex.EncodeToString(sum[:])) {
		t.Fatal("expected checksum to verify")
	}
}

func TestVerifyMismatch(t *testing.T) {
	path := writeImage(t, []byte("firmware payload v2"))

	if Verify(path, strings.Repeat("ab", 32)) {
		t.Fatal("expected mismatch to fail verification")
	}
}

func TestVerifyIsCaseSensitive(t *testing.T) {
	content := []byte("firmware payload v2")
	path := writeImage(t, content)

	sum := sha256.Sum256(content)
	upper := strings.ToUpper(hex.EncodeToString(sum[:]))
	if Verify(path, upper) {
		t.Fatal("comparison must be case-sensitive")
	}
}

func TestVerifyMissingFile(t *testing.T) {
	if Verify(filepath.Join(t.TempDir(), "missing.bin"), "whatever") {
		t.Fatal("missing file must fail verification")
	}
}
