// Package imaging decodes uploaded brain-scan blobs into the fixed
// tensor geometry the image model expects. Supported formats: PNG,
// JPEG, DICOM and NIfTI-1 (optionally gzip-compressed).
package imaging

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
)

// ErrInvalidImage indicates an upload that is oversized, undecodable or
// in an unsupported format. Recoverable: the caller may resubmit the
// request without the image.
var ErrInvalidImage = errors.New("invalid scan image")

// MaxBytes is the largest accepted scan blob (16 MiB).
const MaxBytes = 16 << 20

// Format is a recognized scan container format.
type Format string

const (
	PNG     Format = "png"
	JPEG    Format = "jpeg"
	DICOM   Format = "dicom"
	NIfTI   Format = "nifti"
	Unknown Format = ""
)

// Scan is an opaque uploaded blob plus its declared media type. It is
// owned by the caller and only valid for the duration of one
// prediction call.
type Scan struct {
	Data      []byte
	MediaType string
}

var (
	pngMagic  = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	gzipMagic = []byte{0x1F, 0x8B}
)

// DetectFormat sniffs the blob's container format from magic bytes.
// Declared media types are advisory only; the bytes decide.
func DetectFormat(data []byte) Format {
	switch {
	case bytes.HasPrefix(data, pngMagic):
		return PNG
	case bytes.HasPrefix(data, jpegMagic):
		return JPEG
	case len(data) > 132 && bytes.Equal(data[128:132], []byte("DICM")):
		return DICOM
	case isNIfTI(data):
		return NIfTI
	default:
		return Unknown
	}
}

func isNIfTI(data []byte) bool {
	if len(data) < niftiHeaderSize {
		return false
	}
	magic := data[344:348]
	return bytes.Equal(magic, []byte("n+1\x00")) || bytes.Equal(magic, []byte("ni1\x00"))
}

// Validate checks the blob against the size limit and confirms the
// format is one we can decode. Gzip-wrapped NIfTI volumes are unwrapped
// before sniffing.
func (s *Scan) Validate() (Format, error) {
	if len(s.Data) == 0 {
		return Unknown, fmt.Errorf("%w: empty upload", ErrInvalidImage)
	}
	if len(s.Data) > MaxBytes {
		return Unknown, fmt.Errorf("%w: %d bytes exceeds %d byte limit", ErrInvalidImage, len(s.Data), MaxBytes)
	}

	if bytes.HasPrefix(s.Data, gzipMagic) {
		unwrapped, err := gunzipBounded(s.Data)
		if err != nil {
			return Unknown, fmt.Errorf("%w: gzip: %v", ErrInvalidImage, err)
		}
		s.Data = unwrapped
	}

	f := DetectFormat(s.Data)
	if f == Unknown {
		return Unknown, fmt.Errorf("%w: unsupported format (media type %q)", ErrInvalidImage, s.MediaType)
	}
	return f, nil
}

// gunzipBounded decompresses with the same size ceiling as raw uploads
// so a small compressed blob cannot expand without bound.
func gunzipBounded(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, MaxBytes+1))
	if err != nil {
		return nil, err
	}
	if len(out) > MaxBytes {
		return nil, fmt.Errorf("decompressed size exceeds %d byte limit", MaxBytes)
	}
	return out, nil
}
