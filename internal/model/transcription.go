package model

import "time"

// Word is a single transcribed word with timing.
type Word struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Transcription is the speech-to-text result for one source file. It is
// created once per file and shared across caption projects referencing the
// same file; once completed or failed it is never written again.
type Transcription struct {
	ID          string              `json:"id"`
	FileID      string              `json:"fileId"`
	Language    string              `json:"language,omitempty"`
	Status      TranscriptionStatus `json:"status"`
	Words       []Word              `json:"words,omitempty"`
	Duration    float64             `json:"duration,omitempty"`
	Error       *string             `json:"error,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
	CompletedAt *time.Time          `json:"completedAt,omitempty"`
}
