package fileInfo

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Checksum returns the hex SHA-256 of the file at path.
func Checksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Error("fail to close file", "path", path, "error", err)
		}
	}()
	return ChecksumReader(file)
}

func ChecksumReader(r io.Reader) (string, error) {
	hasher := sha256.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return "", fmt.Errorf("checksum: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Verify reports whether the file at path hashes to expected. An empty
// expected checksum always verifies.
func Verify(path, expected string) (bool, error) {
	if expected == "" {
		return true, nil
	}
	actual, err := Checksum(path)
	if err != nil {
		return false, err
	}
	return actual == expected, nil
}
