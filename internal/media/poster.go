// Package media validates poster uploads and stores them in S3-compatible
// object storage or on local disk.
package media

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// MaxPosterBytes is the largest accepted poster upload.
const MaxPosterBytes = 2 << 20

var ErrInvalidImage = errors.New("poster must be a JPEG, PNG or WEBP image of at most 2MB")

var allowedTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// Poster is a validated upload held in memory.
type Poster struct {
	Data        []byte
	ContentType string
	Ext         string
}

func (p Poster) Reader() io.Reader {
	return bytes.NewReader(p.Data)
}

func (p Poster) Size() int64 {
	return int64(len(p.Data))
}

// ValidatePoster reads the upload and checks size and sniffed content type.
// The client supplied Content-Type header is ignored.
func ValidatePoster(header *multipart.FileHeader) (Poster, error) {
	if header.Size > MaxPosterBytes {
		return Poster{}, ErrInvalidImage
	}
	file, err := header.Open()
	if err != nil {
		return Poster{}, fmt.Errorf("open upload: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxPosterBytes+1))
	if err != nil {
		return Poster{}, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 || len(data) > MaxPosterBytes {
		return Poster{}, ErrInvalidImage
	}

	contentType := http.DetectContentType(data)
	ext, ok := allowedTypes[contentType]
	if !ok {
		return Poster{}, ErrInvalidImage
	}
	return Poster{Data: data, ContentType: contentType, Ext: ext}, nil
}

// Key names a new poster object: movies/<unix-ms>-<uuid><ext>.
func Key(now time.Time, ext string) string {
	return fmt.Sprintf("movies/%d-%s%s", now.UnixMilli(), uuid.NewString(), ext)
}
