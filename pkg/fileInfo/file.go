// Package fileInfo describes a file offered for transfer.
package fileInfo

import (
	"errors"
	"fmt"
	"os"

	"github.com/gabriel-vasile/mimetype"
)

const DefaultMime = "application/octet-stream"

var ErrNotRegularFile = errors.New("not a regular file")

type FileInfo struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
	Checksum string `json:"checksum,omitempty"`
	Path     string `json:"-"`
}

// Describe stats path, sniffs its MIME type from content and, when
// withChecksum is set, hashes it.
func Describe(path string, withChecksum bool) (FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, err
	}
	if !info.Mode().IsRegular() {
		return FileInfo{}, fmt.Errorf("%s: %w", path, ErrNotRegularFile)
	}
	node := FileInfo{
		Name:     info.Name(),
		Size:     info.Size(),
		Path:     path,
		MimeType: DetectMime(path),
	}
	if withChecksum {
		sum, err := Checksum(path)
		if err != nil {
			return FileInfo{}, err
		}
		node.Checksum = sum
	}
	return node, nil
}

// DetectMime falls back to DefaultMime when the content cannot be read.
func DetectMime(path string) string {
	mime, err := mimetype.DetectFile(path)
	if err != nil {
		return DefaultMime
	}
	return mime.String()
}
