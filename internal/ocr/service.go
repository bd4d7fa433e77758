// Package ocr drives the recognition pipeline: upload validation, language
// resolution, engine acquisition, the blocking recognition call, and result
// assembly.
package ocr

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clearscan/ocr-service/internal/engine"
	"github.com/clearscan/ocr-service/internal/langdata"
	"github.com/clearscan/ocr-service/internal/models"
)

// Service runs recognition requests end to end. All collaborators are passed
// in at construction; the service holds no mutable state of its own.
type Service struct {
	registry  *langdata.Registry
	pool      *engine.Pool
	validator *Validator
}

// NewService wires the pipeline together.
func NewService(registry *langdata.Registry, pool *engine.Pool, validator *Validator) *Service {
	return &Service{registry: registry, pool: pool, validator: validator}
}

// Recognize validates the upload, resolves every requested language eagerly,
// acquires an engine instance, and runs the blocking recognition call on its
// own goroutine so a slow recognition never stalls the caller's scheduler.
//
// If the request is abandoned before the call starts, the call is skipped and
// the instance released untouched. If it is abandoned mid-call, the native
// call runs to completion in the background (it is not interruptible), its
// result is discarded, and the instance is still released or replaced
// normally afterward.
func (s *Service) Recognize(ctx context.Context, req models.RecognitionRequest) (*models.RecognitionResult, error) {
	requestID := uuid.New().String()

	img, err := s.validator.Validate(req.Image, req.ContentType)
	if err != nil {
		return nil, err
	}

	codes := req.Languages
	if len(codes) == 0 {
		codes = []string{s.registry.DefaultLanguage()}
	}
	resolved, err := s.registry.ResolveAll(codes, req.Model)
	if err != nil {
		return nil, err
	}
	trained := make([]string, len(resolved))
	for i, m := range resolved {
		trained[i] = m.TrainedData
	}

	lease, err := s.pool.Acquire(ctx, trained)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		// Abandoned while waiting; skip the call entirely.
		lease.Release()
		return nil, ctx.Err()
	}

	generation := lease.Generation()
	params := engine.Params{
		PageSegMode: req.PageSegMode,
		Whitelist:   req.Whitelist,
		DPI:         req.DPI,
	}
	start := time.Now()

	type outcome struct {
		out     engine.Output
		elapsed time.Duration
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := lease.Recognize(img.Data, params)
		if err != nil {
			lease.Discard()
		} else {
			lease.Release()
		}
		done <- outcome{out: out, elapsed: time.Since(start), err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case oc := <-done:
		if oc.err != nil {
			return nil, &engine.FailureError{
				Op:         "recognize",
				Languages:  trained,
				Generation: generation,
				ImageSize:  int(img.Size),
				Err:        oc.err,
			}
		}
		return buildResult(oc.out, requestID, codes, oc.elapsed), nil
	}
}
