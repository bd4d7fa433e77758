package models

import "time"

// UploadedImage is a validated image payload. Immutable once the validator
// has produced it; no pipeline stage mutates the bytes afterward.
type UploadedImage struct {
	Data        []byte
	ContentType string // declared type, e.g. "image/png"
	Format      string // decode-verified format, e.g. "png"
	Size        int64
	Verified    bool
}

// RecognitionRequest carries one upload through the pipeline.
type RecognitionRequest struct {
	Image       []byte
	ContentType string

	// Languages is the ordered set of requested language codes. Empty means
	// the configured default language.
	Languages []string

	// Model optionally selects a trained-data variant (a file inside a
	// per-language subdirectory, e.g. chi_sim/fast). Only valid with a
	// single language code.
	Model string

	// PageSegMode optionally overrides the engine's page segmentation mode.
	PageSegMode *int

	// Whitelist restricts recognition to the given characters. Empty means
	// no restriction.
	Whitelist string

	// DPI hints the effective resolution of the input image. Zero lets the
	// engine estimate it.
	DPI int
}

// Word is one recognized token with its bounding box in pixel coordinates
// and a confidence in [0,1].
type Word struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
}

// RecognitionResult is the assembled outcome of one recognition call.
type RecognitionResult struct {
	RequestID      string
	Text           string
	Words          []Word
	MeanConfidence float64
	Languages      []string
	Duration       time.Duration
}
