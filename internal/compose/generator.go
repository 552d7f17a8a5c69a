// Package compose materializes a render specification from a transcript,
// a caption preset and the source video's metadata. It is pure computation:
// no I/O, no persistence.
package compose

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/clipforge/api/internal/model"
)

const (
	defaultMaxChars = 42
	defaultFontSize = 48
	defaultPosition = "bottom"
)

// Cue is one on-screen caption with its timing window.
type Cue struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// RenderSpec is the document handed to the render provider.
type RenderSpec struct {
	SourceURL string          `json:"sourceUrl"`
	Width     int             `json:"width"`
	Height    int             `json:"height"`
	FPS       float64         `json:"fps"`
	Duration  float64         `json:"duration"`
	Template  string          `json:"template"`
	FontSize  int             `json:"fontSize"`
	Position  string          `json:"position"`
	Highlight bool            `json:"highlight"`
	Cues      []Cue           `json:"cues"`
	Overrides model.KVPairs   `json:"overrides,omitempty"`
	Words     json.RawMessage `json:"words,omitempty"`
}

// Generate builds a render specification. Words are grouped into cues by
// the preset's line length; timing comes straight from the transcript.
func Generate(t *model.Transcription, preset model.CaptionPreset, meta *model.VideoMeta) (json.RawMessage, error) {
	if t == nil || len(t.Words) == 0 {
		return nil, fmt.Errorf("transcription has no words")
	}
	if meta == nil {
		return nil, fmt.Errorf("video metadata is required")
	}

	maxChars := preset.MaxChars
	if maxChars <= 0 {
		maxChars = defaultMaxChars
	}
	fontSize := preset.FontSize
	if fontSize <= 0 {
		fontSize = defaultFontSize
	}
	position := preset.Position
	if position == "" {
		position = defaultPosition
	}

	spec := RenderSpec{
		Width:     meta.Width,
		Height:    meta.Height,
		FPS:       meta.FPS,
		Duration:  meta.DurationSeconds,
		Template:  preset.Template,
		FontSize:  fontSize,
		Position:  position,
		Highlight: preset.Highlight,
		Cues:      buildCues(t.Words, maxChars),
		Overrides: preset.Overrides,
	}

	if preset.Highlight {
		// word-level timing travels along for karaoke-style templates
		words, err := json.Marshal(t.Words)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal words: %w", err)
		}
		spec.Words = words
	}

	data, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal render spec: %w", err)
	}
	return data, nil
}

// WithSource returns a copy of spec with the source URL filled in.
func WithSource(spec json.RawMessage, sourceURL string) (json.RawMessage, error) {
	var s RenderSpec
	if err := json.Unmarshal(spec, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal render spec: %w", err)
	}
	s.SourceURL = sourceURL
	return json.Marshal(s)
}

func buildCues(words []model.Word, maxChars int) []Cue {
	var cues []Cue
	var line []string
	var lineLen int
	var start float64

	flush := func(end float64) {
		if len(line) == 0 {
			return
		}
		cues = append(cues, Cue{
			Text:  strings.Join(line, " "),
			Start: start,
			End:   end,
		})
		line = nil
		lineLen = 0
	}

	for _, w := range words {
		text := strings.TrimSpace(w.Text)
		if text == "" {
			continue
		}
		if len(line) > 0 && lineLen+1+len(text) > maxChars {
			flush(w.Start)
		}
		if len(line) == 0 {
			start = w.Start
		}
		line = append(line, text)
		lineLen += len(text)
		if len(line) > 1 {
			lineLen++
		}
	}
	if len(words) > 0 {
		flush(words[len(words)-1].End)
	}
	return cues
}
