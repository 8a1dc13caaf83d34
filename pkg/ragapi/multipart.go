package ragapi

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/rotisserie/eris"
)

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

var errNoContent = eris.New("file has no content")

// FileError reports a local failure to read a file. Nothing was sent to the
// backend when it is returned.
type FileError struct {
	Name string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("ragapi: read %s: %v", e.Name, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// encodeMultipart writes files as form fields file_0..file_N.
func encodeMultipart(files []File) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for i, f := range files {
		if err := writePart(w, fmt.Sprintf("file_%d", i), f); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", eris.Wrap(err, "ragapi: close multipart writer")
	}
	return &buf, w.FormDataContentType(), nil
}

func writePart(w *multipart.Writer, field string, f File) error {
	if f.Open == nil {
		return &FileError{Name: f.Name, Err: errNoContent}
	}
	rc, err := f.Open()
	if err != nil {
		return &FileError{Name: f.Name, Err: err}
	}
	defer rc.Close() //nolint:errcheck

	ct := f.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, quoteEscaper.Replace(field), quoteEscaper.Replace(f.Name)))
	h.Set("Content-Type", ct)

	part, err := w.CreatePart(h)
	if err != nil {
		return eris.Wrapf(err, "ragapi: create part for %s", f.Name)
	}
	if _, err := io.Copy(part, rc); err != nil {
		return &FileError{Name: f.Name, Err: err}
	}
	return nil
}
