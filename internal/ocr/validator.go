package ocr

import (
	"bytes"
	"fmt"
	"image"
	"strings"

	// Decoders for every supported upload type. The standard library has no
	// webp decoder, hence golang.org/x/image.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/clearscan/ocr-service/internal/models"
)

// ValidationReason classifies why an upload was rejected.
type ValidationReason string

const (
	ReasonEmpty           ValidationReason = "empty"
	ReasonUnsupportedType ValidationReason = "unsupported_type"
	ReasonTooLarge        ValidationReason = "too_large"
	ReasonCorrupt         ValidationReason = "corrupt"
)

// ValidationError is a client input fault detected before any engine
// instance is touched.
type ValidationError struct {
	Reason ValidationReason
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid upload (%s): %s", e.Reason, e.Detail)
}

// supportedTypes maps a declared content type to the image format name the
// decoder is expected to report for it.
var supportedTypes = map[string]string{
	"image/png":  "png",
	"image/jpg":  "jpeg",
	"image/jpeg": "jpeg",
	"image/webp": "webp",
	"image/gif":  "gif",
}

// Validator checks uploads before they reach the pipeline. It never touches
// the engine or the filesystem; its only side effect is decoding the image.
type Validator struct {
	maxSize      int64
	limitEnabled bool
}

// NewValidator creates a validator with an optional size limit.
func NewValidator(maxSize int64, limitEnabled bool) *Validator {
	return &Validator{maxSize: maxSize, limitEnabled: limitEnabled}
}

// Validate checks the declared type, the size limit, and then performs an
// actual decode. The declared content type is never trusted on its own: a
// payload that decodes to a different format than declared is rejected, as
// is one that does not decode at all.
func (v *Validator) Validate(data []byte, declaredType string) (*models.UploadedImage, error) {
	declared := normalizeContentType(declaredType)
	expectedFormat, ok := supportedTypes[declared]
	if !ok {
		return nil, &ValidationError{
			Reason: ReasonUnsupportedType,
			Detail: fmt.Sprintf("content type %q is not supported", declaredType),
		}
	}
	if len(data) == 0 {
		return nil, &ValidationError{Reason: ReasonEmpty, Detail: "image payload is empty"}
	}
	if v.limitEnabled && int64(len(data)) > v.maxSize {
		return nil, &ValidationError{
			Reason: ReasonTooLarge,
			Detail: fmt.Sprintf("image is %d bytes, limit is %d", len(data), v.maxSize),
		}
	}

	_, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &ValidationError{
			Reason: ReasonCorrupt,
			Detail: fmt.Sprintf("image does not decode: %v", err),
		}
	}
	if format != expectedFormat {
		return nil, &ValidationError{
			Reason: ReasonUnsupportedType,
			Detail: fmt.Sprintf("payload decodes as %s but was declared %s", format, declared),
		}
	}

	return &models.UploadedImage{
		Data:        data,
		ContentType: declared,
		Format:      format,
		Size:        int64(len(data)),
		Verified:    true,
	}, nil
}

func normalizeContentType(contentType string) string {
	// Strip any media type parameters, e.g. "image/png; charset=binary".
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}
