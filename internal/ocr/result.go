package ocr

import (
	"time"

	"github.com/clearscan/ocr-service/internal/engine"
	"github.com/clearscan/ocr-service/internal/models"
)

// buildResult maps native engine output plus request metadata into the
// response shape. Pure and total: missing optional fields get defensive
// defaults and this stage never fails.
func buildResult(out engine.Output, requestID string, languages []string, elapsed time.Duration) *models.RecognitionResult {
	words := make([]models.Word, 0, len(out.Words))
	for _, w := range out.Words {
		words = append(words, models.Word{
			Text:       w.Text,
			Confidence: w.Confidence,
			X:          w.X,
			Y:          w.Y,
			Width:      w.Width,
			Height:     w.Height,
		})
	}
	return &models.RecognitionResult{
		RequestID:      requestID,
		Text:           out.Text,
		Words:          words,
		MeanConfidence: out.MeanConfidence,
		Languages:      append([]string{}, languages...),
		Duration:       elapsed,
	}
}
