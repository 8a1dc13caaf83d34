package model

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// FileStatus is the ingestion state of an uploaded file.
type FileStatus string

const (
	FileUploading  FileStatus = "uploading"
	FileProcessing FileStatus = "processing"
	FileIndexed    FileStatus = "indexed"
	FileError      FileStatus = "error"
)

// IsTerminal reports whether no further automatic transition can happen.
func (s FileStatus) IsTerminal() bool {
	return s == FileIndexed || s == FileError
}

// IsValid reports whether s is one of the known states.
func (s FileStatus) IsValid() bool {
	switch s {
	case FileUploading, FileProcessing, FileIndexed, FileError:
		return true
	}
	return false
}

// UploadedFile is the tracked ingestion record for one file.
type UploadedFile struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Size      int64      `json:"size"`
	Type      string     `json:"type"`
	Status    FileStatus `json:"status"`
	RemoteID  string     `json:"remote_id,omitempty"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// FileBlob is a raw file handed in by the caller for upload.
type FileBlob struct {
	Name string
	Size int64
	Type string
	Open func() (io.ReadCloser, error)
}

// BlobFromPath builds a FileBlob backed by a file on disk.
func BlobFromPath(path string) (FileBlob, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileBlob{}, eris.Wrapf(err, "model: stat %s", path)
	}
	if info.IsDir() {
		return FileBlob{}, eris.Errorf("model: %s is a directory", path)
	}
	return FileBlob{
		Name: filepath.Base(path),
		Size: info.Size(),
		Type: MIMEType(path),
		Open: func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

// BlobFromBytes builds an in-memory FileBlob.
func BlobFromBytes(name string, data []byte) FileBlob {
	return FileBlob{
		Name: name,
		Size: int64(len(data)),
		Type: MIMEType(name),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// AcceptedExtensions lists the document types the upload surface offers.
// The list is advisory only; the backend decides what it can index.
var AcceptedExtensions = []string{
	".pdf", ".csv", ".txt", ".md", ".json", ".xml", ".html", ".yaml", ".yml", ".log", ".rst",
}

// Accepts reports whether name has an accepted extension.
func Accepts(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range AcceptedExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

var extraTypes = map[string]string{
	".md":   "text/markdown",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
	".log":  "text/plain",
	".rst":  "text/x-rst",
	".csv":  "text/csv",
}

// MIMEType guesses a MIME type from the file extension.
func MIMEType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := extraTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

// FormatFileSize renders a byte count the way the upload panel shows it.
func FormatFileSize(n int64) string {
	if n <= 0 {
		return "0 Bytes"
	}
	units := []string{"Bytes", "KB", "MB", "GB"}
	v := float64(n)
	i := 0
	for v >= 1024 && i < len(units)-1 {
		v /= 1024
		i++
	}
	return fmt.Sprintf("%s %s", strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64), units[i])
}

// UploadResult is the backend's view of an upload: one record per file in
// request order, with the backend's ids.
type UploadResult struct {
	Files      []UploadedFile `json:"files"`
	Provenance Provenance     `json:"provenance,omitempty"`
}
