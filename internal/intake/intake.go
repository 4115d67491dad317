package intake

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
)

// MaxFileSize is the largest file accepted for extraction (20 MiB)
const MaxFileSize int64 = 20 << 20

// Reason identifies why a file was rejected at intake
type Reason string

const (
	ReasonUnsupportedType Reason = "unsupported-type"
	ReasonTooLarge        Reason = "too-large"
)

// allowedTypes maps accepted MIME types to their accepted extensions
var allowedTypes = map[string][]string{
	"image/jpeg":      {".jpg", ".jpeg"},
	"image/png":       {".png"},
	"image/bmp":       {".bmp"},
	"image/tiff":      {".tif", ".tiff"},
	"application/pdf": {".pdf"},
}

// ErrNoFile is returned by Select when nothing was selected
var ErrNoFile = errors.New("no file selected")

// ValidationError is returned when a file fails the intake checks
type ValidationError struct {
	Reason   Reason
	FileName string
	Detail   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Reason, e.FileName, e.Detail)
}

// Message returns the text shown to the user for this rejection
func (e *ValidationError) Message() string {
	switch e.Reason {
	case ReasonTooLarge:
		return "El archivo supera el tamaño máximo de 20MB"
	default:
		return "Formato no soportado. Formatos permitidos: JPG, PNG, BMP, TIFF, PDF"
	}
}

// File is a single document selected for import
type File struct {
	Name        string
	ContentType string
	Size        int64
	Data        []byte
}

// NewFile builds a File from raw bytes, resolving the content type
func NewFile(name string, data []byte, contentType string) File {
	return File{
		Name:        name,
		ContentType: ResolveContentType(name, contentType),
		Size:        int64(len(data)),
		Data:        data,
	}
}

// IsImage reports whether the file is one of the accepted image types
func (f File) IsImage() bool {
	return strings.HasPrefix(f.ContentType, "image/")
}

// Kind returns the label used in the import history ("PDF" or "Imagen")
func (f File) Kind() string {
	if f.ContentType == "application/pdf" {
		return "PDF"
	}
	return "Imagen"
}

// ResolveContentType normalizes the declared type and falls back to the
// file extension when the browser or OS did not supply one
func ResolveContentType(name, declared string) string {
	contentType := strings.ToLower(strings.TrimSpace(declared))
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	if contentType == "image/jpg" {
		contentType = "image/jpeg"
	}
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}

	ext := strings.ToLower(filepath.Ext(name))
	for mimeType, exts := range allowedTypes {
		for _, e := range exts {
			if e == ext {
				return mimeType
			}
		}
	}
	return "application/octet-stream"
}

// Validate checks a file against the type allow-list and size limit.
// It never touches the network.
func Validate(f File) error {
	if _, ok := allowedTypes[f.ContentType]; !ok {
		return &ValidationError{
			Reason:   ReasonUnsupportedType,
			FileName: f.Name,
			Detail:   fmt.Sprintf("content type %q not allowed", f.ContentType),
		}
	}
	if f.Size > MaxFileSize {
		return &ValidationError{
			Reason:   ReasonTooLarge,
			FileName: f.Name,
			Detail:   fmt.Sprintf("%d bytes exceeds %d", f.Size, MaxFileSize),
		}
	}
	return nil
}

// Select returns the first file of a selection; any others are ignored
func Select(files []File) (File, error) {
	if len(files) == 0 {
		return File{}, ErrNoFile
	}
	return files[0], nil
}

// Open reads a file from disk. Files over the size limit are rejected
// from their metadata without reading the content.
func Open(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("stat file: %w", err)
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("%s is a directory", path)
	}

	name := filepath.Base(path)
	if info.Size() > MaxFileSize {
		return File{
			Name:        name,
			ContentType: ResolveContentType(name, ""),
			Size:        info.Size(),
		}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("reading file: %w", err)
	}
	return NewFile(name, data, ""), nil
}

// FromMultipart reads an uploaded form file
func FromMultipart(header *multipart.FileHeader) (File, error) {
	if header.Size > MaxFileSize {
		return File{
			Name:        header.Filename,
			ContentType: ResolveContentType(header.Filename, header.Header.Get("Content-Type")),
			Size:        header.Size,
		}, nil
	}

	f, err := header.Open()
	if err != nil {
		return File{}, fmt.Errorf("opening form file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return File{}, fmt.Errorf("reading form file: %w", err)
	}
	return NewFile(header.Filename, data, header.Header.Get("Content-Type")), nil
}
