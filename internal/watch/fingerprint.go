package watch

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// fingerprint streams the file at path through SHA-256.
func fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("watch: open file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, bufio.NewReaderSize(f, 64<<10)); err != nil {
		return "", fmt.Errorf("watch: hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
