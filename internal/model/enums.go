package model

// Render job status
type RenderStatus string

const (
	RenderStatusPending   RenderStatus = "pending"
	RenderStatusQueued    RenderStatus = "queued"
	RenderStatusRendering RenderStatus = "rendering"
	RenderStatusCompleted RenderStatus = "completed"
	RenderStatusFailed    RenderStatus = "failed"
	RenderStatusCancelled RenderStatus = "cancelled"
)

// IsTerminal reports whether the render status can no longer change.
func (s RenderStatus) IsTerminal() bool {
	return s == RenderStatusCompleted || s == RenderStatusFailed || s == RenderStatusCancelled
}

// Render kind routes quota usage to the correct counter
type RenderKind string

const (
	RenderKindTemplate RenderKind = "template"
	RenderKindCaption  RenderKind = "caption"
)

// Caption project status
type CaptionStatus string

const (
	CaptionStatusPending      CaptionStatus = "pending"
	CaptionStatusTranscribing CaptionStatus = "transcribing"
	CaptionStatusGenerating   CaptionStatus = "generating"
	CaptionStatusRendering    CaptionStatus = "rendering"
	CaptionStatusCompleted    CaptionStatus = "completed"
	CaptionStatusFailed       CaptionStatus = "failed"
)

func (s CaptionStatus) IsTerminal() bool {
	return s == CaptionStatusCompleted || s == CaptionStatusFailed
}

// Transcription status
type TranscriptionStatus string

const (
	TranscriptionStatusPending    TranscriptionStatus = "pending"
	TranscriptionStatusProcessing TranscriptionStatus = "processing"
	TranscriptionStatusCompleted  TranscriptionStatus = "completed"
	TranscriptionStatusFailed     TranscriptionStatus = "failed"
)

func (s TranscriptionStatus) IsTerminal() bool {
	return s == TranscriptionStatusCompleted || s == TranscriptionStatusFailed
}

// Media file status
type FileStatus string

const (
	FileStatusUploaded  FileStatus = "uploaded"
	FileStatusImporting FileStatus = "importing"
	FileStatusProbing   FileStatus = "probing"
	FileStatusReady     FileStatus = "ready"
	FileStatusFailed    FileStatus = "failed"
)

func (s FileStatus) IsTerminal() bool {
	return s == FileStatusReady || s == FileStatusFailed
}

// Quota usage kinds
type QuotaKind string

const (
	QuotaCaptionProjects      QuotaKind = "caption_projects"
	QuotaCaptionRenderMinutes QuotaKind = "caption_render_minutes"
	QuotaRenderMinutes        QuotaKind = "render_minutes"
)
