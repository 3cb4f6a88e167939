// Package imageprocessor turns uploaded images into the payload sent to the
// vision model.
package imageprocessor

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"io/fs"
	"net/http"
	"os"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/example/equipment-voice/internal/failure"
)

// FormatUnknown is reported for binary uploads no registered decoder
// understands. They are still forwarded to the vision model.
const FormatUnknown = "unknown"

// Info describes an image header.
type Info struct {
	Format string
	Width  int
	Height int
}

// Encode reads the file at path and returns its bytes as standard base64.
func Encode(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", failure.Wrap(failure.KindNotFound, err, "image file not found at: "+path)
		}
		return "", failure.Wrap(failure.KindIOFailure, err, "failed to read image file")
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Inspect decodes only the image header. Bytes no decoder recognises are
// passed through as FormatUnknown unless they sniff as clearly non-image
// content (text, audio, video, documents, archives).
func Inspect(data []byte) (Info, error) {
	if len(data) == 0 {
		return Info{}, failure.New(failure.KindValidationFailure, "uploaded file is empty")
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err == nil {
		return Info{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
	}
	if contentType := http.DetectContentType(data); isNonImage(contentType) {
		return Info{}, failure.Wrap(failure.KindUnsupportedMedia, err, "uploaded file is not an image ("+contentType+")")
	}
	return Info{Format: FormatUnknown}, nil
}

func isNonImage(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	switch {
	case strings.HasPrefix(mediaType, "text/"),
		strings.HasPrefix(mediaType, "audio/"),
		strings.HasPrefix(mediaType, "video/"):
		return true
	}
	switch mediaType {
	case "application/pdf", "application/zip", "application/x-gzip", "application/x-rar-compressed",
		"application/postscript", "application/wasm", "application/ogg", "font/woff", "font/ttf":
		return true
	}
	return false
}
