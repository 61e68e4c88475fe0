package update

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// FileChecksum returns the lowercase hex sha256 digest of the file.
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %q for verification: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %q: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify compares the file's digest with the server-supplied checksum.
// The comparison is exact and case-sensitive; any mismatch is a hard
// verification failure and blocks the apply step.
func Verify(path, expected string) bool {
	actual, err := FileChecksum(path)
	if err != nil {
		log.Errorf("image verification failed: %v", err)
		return false
	}
	if actual != expected {
		log.Errorf("image checksum mismatch for %s (expected %s...)", path, truncateChecksum(expected))
		return false
	}
	return true
}

// truncateChecksum keeps mismatch logs diagnosable without echoing the
// whole digest.
func truncateChecksum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
