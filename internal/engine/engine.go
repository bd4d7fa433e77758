// Package engine wraps the native recognition engine behind a small instance
// abstraction and manages a bounded pool of pre-initialized instances. The
// native engine is expensive to initialize and not reentrant: one instance
// must never serve two calls at once, which is exactly what the pool enforces.
package engine

// Word is one recognized token as reported by the native engine, with a
// confidence normalized to [0,1] and pixel-coordinate bounds.
type Word struct {
	Text       string
	Confidence float64
	X          int
	Y          int
	Width      int
	Height     int
}

// Output is the raw result of a single recognition call.
type Output struct {
	Text           string
	Words          []Word
	MeanConfidence float64
}

// Params carries per-call tuning flags. All fields are optional; a zero value
// selects the engine default for that flag. Implementations apply every field
// on every call so a pooled instance never carries one request's tuning into
// the next.
type Params struct {
	// PageSegMode overrides the page segmentation mode when non-nil.
	PageSegMode *int
	// Whitelist restricts recognition to the given characters; empty means
	// no restriction.
	Whitelist string
	// DPI hints the effective resolution of the input image; zero lets the
	// engine estimate it.
	DPI int
}

// Instance is one initialized handle to the native engine with its currently
// loaded trained data. An Instance is NOT safe for concurrent use; the pool
// guarantees exclusive ownership between Acquire and Release.
type Instance interface {
	// Languages returns the trained-data identifiers currently loaded.
	Languages() []string
	// Reload swaps the loaded trained data for a different language set.
	Reload(languages []string) error
	// Recognize runs the blocking native recognition call on an encoded
	// image. The call is CPU-bound and cannot be interrupted mid-flight.
	Recognize(image []byte, params Params) (Output, error)
	// Close releases the native handle.
	Close() error
}

// Factory creates a fresh Instance preloaded with the given trained data.
// The pool uses it at startup and whenever a failed instance is replaced.
type Factory func(languages []string) (Instance, error)

func sameLanguages(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
