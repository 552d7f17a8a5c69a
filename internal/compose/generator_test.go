package compose

import (
	"encoding/json"
	"testing"

	"github.com/clipforge/api/internal/model"
)

func sampleTranscription() *model.Transcription {
	return &model.Transcription{
		ID:     "tr-1",
		FileID: "file-1",
		Status: model.TranscriptionStatusCompleted,
		Words: []model.Word{
			{Text: "never", Start: 0.0, End: 0.3},
			{Text: "gonna", Start: 0.3, End: 0.6},
			{Text: "give", Start: 0.6, End: 0.8},
			{Text: "you", Start: 0.8, End: 1.0},
			{Text: "up", Start: 1.0, End: 1.2},
		},
		Duration: 1.2,
	}
}

func sampleMeta() *model.VideoMeta {
	return &model.VideoMeta{DurationSeconds: 1.2, Width: 1080, Height: 1920, FPS: 30, HasAudio: true}
}

func TestGenerate_GroupsWordsIntoCues(t *testing.T) {
	preset := model.CaptionPreset{Template: "bold", MaxChars: 11}

	data, err := Generate(sampleTranscription(), preset, sampleMeta())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	var spec RenderSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		t.Fatalf("spec is not valid JSON: %v", err)
	}

	// "never gonna" fits in 11 chars; "give you up" forms the second line
	if len(spec.Cues) != 2 {
		t.Fatalf("expected 2 cues, got %d: %+v", len(spec.Cues), spec.Cues)
	}
	if spec.Cues[0].Text != "never gonna" {
		t.Errorf("unexpected first cue %q", spec.Cues[0].Text)
	}
	if spec.Cues[1].Text != "give you up" {
		t.Errorf("unexpected second cue %q", spec.Cues[1].Text)
	}

	// cue windows tile the transcript
	if spec.Cues[0].Start != 0.0 || spec.Cues[0].End != 0.6 {
		t.Errorf("first cue window wrong: %+v", spec.Cues[0])
	}
	if spec.Cues[1].Start != 0.6 || spec.Cues[1].End != 1.2 {
		t.Errorf("second cue window wrong: %+v", spec.Cues[1])
	}
}

func TestGenerate_AppliesPresetDefaults(t *testing.T) {
	data, err := Generate(sampleTranscription(), model.CaptionPreset{Template: "clean"}, sampleMeta())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	var spec RenderSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		t.Fatal(err)
	}
	if spec.FontSize != defaultFontSize {
		t.Errorf("expected default font size %d, got %d", defaultFontSize, spec.FontSize)
	}
	if spec.Position != defaultPosition {
		t.Errorf("expected default position %q, got %q", defaultPosition, spec.Position)
	}
	if spec.Width != 1080 || spec.Height != 1920 {
		t.Errorf("video geometry not carried over: %dx%d", spec.Width, spec.Height)
	}
	if spec.Words != nil {
		t.Error("word timing should only be included for highlight presets")
	}
}

func TestGenerate_HighlightIncludesWordTiming(t *testing.T) {
	data, err := Generate(sampleTranscription(), model.CaptionPreset{Template: "karaoke", Highlight: true}, sampleMeta())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	var spec RenderSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		t.Fatal(err)
	}
	var words []model.Word
	if err := json.Unmarshal(spec.Words, &words); err != nil {
		t.Fatalf("words are not valid JSON: %v", err)
	}
	if len(words) != 5 {
		t.Errorf("expected 5 words, got %d", len(words))
	}
}

func TestGenerate_RejectsEmptyInput(t *testing.T) {
	if _, err := Generate(nil, model.CaptionPreset{Template: "x"}, sampleMeta()); err == nil {
		t.Error("expected error for nil transcription")
	}
	empty := &model.Transcription{ID: "tr"}
	if _, err := Generate(empty, model.CaptionPreset{Template: "x"}, sampleMeta()); err == nil {
		t.Error("expected error for empty transcript")
	}
	if _, err := Generate(sampleTranscription(), model.CaptionPreset{Template: "x"}, nil); err == nil {
		t.Error("expected error for missing metadata")
	}
}

func TestWithSource_SetsURLAndPreservesSpec(t *testing.T) {
	data, err := Generate(sampleTranscription(), model.CaptionPreset{Template: "bold"}, sampleMeta())
	if err != nil {
		t.Fatal(err)
	}

	out, err := WithSource(data, "https://cdn.test/in.mp4")
	if err != nil {
		t.Fatalf("WithSource failed: %v", err)
	}

	var spec RenderSpec
	if err := json.Unmarshal(out, &spec); err != nil {
		t.Fatal(err)
	}
	if spec.SourceURL != "https://cdn.test/in.mp4" {
		t.Errorf("source URL not set: %q", spec.SourceURL)
	}
	if spec.Template != "bold" || len(spec.Cues) == 0 {
		t.Error("existing spec fields lost")
	}
}
