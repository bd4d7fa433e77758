package ocr

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"testing"
)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		img.Set(x, 4, color.Black)
	}
	return img
}

func encodePNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, testImage()); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func encodeJPEG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, testImage(), nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func encodeGIF(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := gif.Encode(&buf, testImage(), nil); err != nil {
		t.Fatalf("encode gif: %v", err)
	}
	return buf.Bytes()
}

func reasonOf(t *testing.T, err error) ValidationReason {
	t.Helper()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
	return verr.Reason
}

func TestValidateAcceptsSupportedImages(t *testing.T) {
	v := NewValidator(1<<20, true)
	tests := []struct {
		name         string
		data         []byte
		declaredType string
		wantFormat   string
	}{
		{"png", encodePNG(t), "image/png", "png"},
		{"jpeg", encodeJPEG(t), "image/jpeg", "jpeg"},
		{"jpg alias", encodeJPEG(t), "image/jpg", "jpeg"},
		{"gif", encodeGIF(t), "image/gif", "gif"},
		{"type with parameters", encodePNG(t), "image/png; charset=binary", "png"},
		{"mixed case type", encodePNG(t), "Image/PNG", "png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := v.Validate(tt.data, tt.declaredType)
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if img.Format != tt.wantFormat {
				t.Fatalf("Format = %q, want %q", img.Format, tt.wantFormat)
			}
			if !img.Verified {
				t.Fatal("Verified = false after successful validation")
			}
			if img.Size != int64(len(tt.data)) {
				t.Fatalf("Size = %d, want %d", img.Size, len(tt.data))
			}
		})
	}
}

func TestValidateRejections(t *testing.T) {
	v := NewValidator(64, true)
	tests := []struct {
		name         string
		data         []byte
		declaredType string
		want         ValidationReason
	}{
		{"unsupported type", encodePNG(t), "text/plain", ReasonUnsupportedType},
		{"pdf declared", []byte("%PDF-1.4"), "application/pdf", ReasonUnsupportedType},
		{"empty payload", nil, "image/png", ReasonEmpty},
		{"over the limit", encodePNG(t), "image/png", ReasonTooLarge},
		{"garbage bytes", bytes.Repeat([]byte{0xde, 0xad}, 8), "image/png", ReasonCorrupt},
		{"truncated png", encodePNG(t)[:16], "image/png", ReasonCorrupt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(tt.data, tt.declaredType)
			if got := reasonOf(t, err); got != tt.want {
				t.Fatalf("reason = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidateTypeCheckPrecedesSizeCheck(t *testing.T) {
	// An oversized payload with a bad declared type must fail on the type.
	v := NewValidator(4, true)
	_, err := v.Validate(encodePNG(t), "text/plain")
	if got := reasonOf(t, err); got != ReasonUnsupportedType {
		t.Fatalf("reason = %q, want %q", got, ReasonUnsupportedType)
	}
}

func TestValidateDeclaredTypeMismatch(t *testing.T) {
	// A perfectly valid PNG declared as JPEG is rejected: the declared type
	// is never trusted on its own.
	v := NewValidator(1<<20, true)
	_, err := v.Validate(encodePNG(t), "image/jpeg")
	if got := reasonOf(t, err); got != ReasonUnsupportedType {
		t.Fatalf("reason = %q, want %q", got, ReasonUnsupportedType)
	}
}

func TestValidateLimitDisabled(t *testing.T) {
	v := NewValidator(4, false)
	if _, err := v.Validate(encodePNG(t), "image/png"); err != nil {
		t.Fatalf("Validate() error = %v with limit disabled", err)
	}
}
