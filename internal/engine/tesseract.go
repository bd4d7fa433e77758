package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/otiai10/gosseract/v2"
)

// TesseractFactory returns a Factory producing Tesseract-backed instances
// reading trained data from dataPath.
func TesseractFactory(dataPath string) Factory {
	return func(languages []string) (Instance, error) {
		client := gosseract.NewClient()
		if dataPath != "" {
			if err := client.SetTessdataPrefix(dataPath); err != nil {
				client.Close()
				return nil, fmt.Errorf("set tessdata prefix: %w", err)
			}
		}
		if err := client.SetLanguage(languages...); err != nil {
			client.Close()
			return nil, fmt.Errorf("load languages %s: %w", strings.Join(languages, "+"), err)
		}
		return &tesseractInstance{
			client:    client,
			languages: append([]string(nil), languages...),
		}, nil
	}
}

type tesseractInstance struct {
	client    *gosseract.Client
	languages []string
}

func (t *tesseractInstance) Languages() []string {
	return append([]string(nil), t.languages...)
}

func (t *tesseractInstance) Reload(languages []string) error {
	if err := t.client.SetLanguage(languages...); err != nil {
		return fmt.Errorf("load languages %s: %w", strings.Join(languages, "+"), err)
	}
	t.languages = append([]string(nil), languages...)
	return nil
}

func (t *tesseractInstance) Recognize(image []byte, params Params) (Output, error) {
	if err := t.client.SetImageFromBytes(image); err != nil {
		return Output{}, fmt.Errorf("set image: %w", err)
	}

	// Tuning variables persist on the native handle, so every call sets all
	// of them: a pooled instance must not carry one request's flags into the
	// next request.
	mode := gosseract.PSM_AUTO
	if params.PageSegMode != nil {
		mode = gosseract.PageSegMode(*params.PageSegMode)
	}
	if err := t.client.SetPageSegMode(mode); err != nil {
		return Output{}, fmt.Errorf("set page segmentation mode: %w", err)
	}
	if err := t.client.SetWhitelist(params.Whitelist); err != nil {
		return Output{}, fmt.Errorf("set whitelist: %w", err)
	}
	if err := t.client.SetVariable("user_defined_dpi", strconv.Itoa(params.DPI)); err != nil {
		return Output{}, fmt.Errorf("set dpi: %w", err)
	}

	text, err := t.client.Text()
	if err != nil {
		return Output{}, fmt.Errorf("recognize text: %w", err)
	}

	words, meanConf := t.extractWords()
	return Output{
		Text:           strings.TrimSpace(text),
		Words:          words,
		MeanConfidence: meanConf,
	}, nil
}

func (t *tesseractInstance) extractWords() ([]Word, float64) {
	boxes, err := t.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return nil, 0
	}
	words := make([]Word, 0, len(boxes))
	var sum float64
	for _, b := range boxes {
		conf := b.Confidence / 100.0
		sum += conf
		words = append(words, Word{
			Text:       b.Word,
			Confidence: conf,
			X:          b.Box.Min.X,
			Y:          b.Box.Min.Y,
			Width:      b.Box.Dx(),
			Height:     b.Box.Dy(),
		})
	}
	return words, sum / float64(len(words))
}

func (t *tesseractInstance) Close() error {
	return t.client.Close()
}
