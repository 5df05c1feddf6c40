// Package ocr turns newsletter level images into tabular text using the
// Gemini vision API. The adapter is stateless; a given image always produces
// the same request.
package ocr

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/phuslu/log"
	"google.golang.org/genai"

	"he_alerts/internal/models"
)

// TableText is OCR output: rows of cell strings.
type TableText [][]string

// Reader extracts a table from an image. hint describes the expected layout
// and is folded into the prompt.
type Reader interface {
	OCR(ctx context.Context, image []byte, hint string) (TableText, error)
}

// GeminiReader is the production Reader.
type GeminiReader struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGeminiReader builds a reader against the Gemini API backend.
func NewGeminiReader(ctx context.Context, apiKey, model string, timeout time.Duration) (*GeminiReader, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("init genai client: %w", err)
	}
	return &GeminiReader{client: client, model: model, timeout: timeout}, nil
}

const promptTemplate = `Extract the table from this image as plain text.
%s
Output one line per table row with cells separated by " | ".
Do not output markdown, headers you invent, or any commentary.`

// OCR sends the image and returns the parsed table. Failures return an empty
// table wrapped in ErrOCR; callers decide whether the extraction proceeds
// partially.
func (r *GeminiReader) OCR(ctx context.Context, image []byte, hint string) (TableText, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	contents := []*genai.Content{{
		Role: genai.RoleUser,
		Parts: []*genai.Part{
			genai.NewPartFromBytes(image, sniffMIME(image)),
			genai.NewPartFromText(fmt.Sprintf(promptTemplate, hint)),
		},
	}}

	resp, err := r.client.Models.GenerateContent(ctx, r.model, contents, &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(0)),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: generate: %v", models.ErrOCR, err)
	}

	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			text.WriteString(part.Text)
		}
		if text.Len() > 0 {
			break
		}
	}
	if text.Len() == 0 {
		return nil, fmt.Errorf("%w: empty response", models.ErrOCR)
	}

	table := ParseTableText(text.String())
	log.Debug().Int("rows", len(table)).Int("bytes", len(image)).Msg("ocr table extracted")
	return table, nil
}

// ParseTableText splits pipe-delimited OCR output into rows of trimmed cells.
// Blank lines and markdown separator rows are dropped.
func ParseTableText(s string) TableText {
	var table TableText
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		line = strings.Trim(line, "|")
		cells := strings.Split(line, "|")
		row := make([]string, 0, len(cells))
		allSep := true
		for _, c := range cells {
			c = strings.TrimSpace(c)
			if strings.Trim(c, "-: ") != "" {
				allSep = false
			}
			row = append(row, c)
		}
		if allSep {
			continue
		}
		table = append(table, row)
	}
	return table
}

func sniffMIME(b []byte) string {
	switch {
	case bytes.HasPrefix(b, []byte("\x89PNG")):
		return "image/png"
	case bytes.HasPrefix(b, []byte("\xff\xd8")):
		return "image/jpeg"
	case bytes.HasPrefix(b, []byte("GIF8")):
		return "image/gif"
	default:
		return "image/png"
	}
}
