package gallery

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/example/face-insight/internal/imaging"
)

// ErrInvalidFileType reports that the chosen file does not hold image data.
// Callers treat it as a retryable rejection, not a flow failure.
var ErrInvalidFileType = errors.New("gallery: selected file is not an image")

// File is one user-chosen file handle.
type File interface {
	Name() string
	ContentType() string
	Open() (io.ReadCloser, error)
}

// Adapter turns a gallery selection into a normalized image. It shares the
// normalization contract with the camera path so both converge on identical
// payload semantics.
type Adapter struct {
	logger   *zap.Logger
	maxBytes int64
}

// NewAdapter builds an adapter that refuses files larger than maxBytes.
func NewAdapter(maxBytes int64, logger *zap.Logger) *Adapter {
	return &Adapter{logger: logger.Named("gallery"), maxBytes: maxBytes}
}

// Select validates and reads the chosen file and yields its normalized
// encoding. A nil file (the user cancelled the picker) is a silent no-op
// returning an empty image and no error.
func (a *Adapter) Select(file File) (string, error) {
	if file == nil {
		return "", nil
	}

	reader, err := file.Open()
	if err != nil {
		return "", fmt.Errorf("gallery: open %q: %w", file.Name(), err)
	}
	defer reader.Close()

	data, err := io.ReadAll(io.LimitReader(reader, a.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("gallery: read %q: %w", file.Name(), err)
	}
	if int64(len(data)) > a.maxBytes {
		return "", fmt.Errorf("gallery: %q exceeds %d byte limit", file.Name(), a.maxBytes)
	}

	if !isImage(file.ContentType(), data) {
		a.logger.Debug("rejected non-image selection",
			zap.String("file", file.Name()),
			zap.String("content_type", file.ContentType()))
		return "", ErrInvalidFileType
	}

	return imaging.Normalize(base64.StdEncoding.EncodeToString(data))
}

// isImage trusts the declared content type when present and falls back to
// sniffing the bytes when the handle does not declare one.
func isImage(declared string, data []byte) bool {
	if declared != "" {
		return strings.HasPrefix(declared, "image/")
	}
	return strings.HasPrefix(mimetype.Detect(data).String(), "image/")
}

// multipartFile adapts a *multipart.FileHeader to the File interface.
type multipartFile struct {
	header *multipart.FileHeader
}

// FromMultipart wraps an uploaded form file. A nil header maps to a nil
// File, preserving the silent no-op on empty selections.
func FromMultipart(header *multipart.FileHeader) File {
	if header == nil {
		return nil
	}
	return &multipartFile{header: header}
}

func (f *multipartFile) Name() string { return f.header.Filename }

func (f *multipartFile) ContentType() string {
	return f.header.Header.Get("Content-Type")
}

func (f *multipartFile) Open() (io.ReadCloser, error) { return f.header.Open() }
