package model

import "time"

// VideoMeta is the probed metadata for a media file.
type VideoMeta struct {
	DurationSeconds float64 `json:"durationSeconds"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	FPS             float64 `json:"fps"`
	Codec           string  `json:"codec,omitempty"`
	HasAudio        bool    `json:"hasAudio"`
}

// MediaFile is a user-owned source file. Uploaded files get probed for
// metadata; remote files are imported first and then probed.
type MediaFile struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"ownerId"`
	URL        string     `json:"url"`
	SourceURL  string     `json:"sourceUrl,omitempty"`
	Status     FileStatus `json:"status"`
	Meta       *VideoMeta `json:"meta,omitempty"`
	Error      *string    `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// FileRegisterRequest registers an already-uploaded or remote file
type FileRegisterRequest struct {
	URL       string `json:"url" validate:"required_without=SourceURL,omitempty,url"`
	SourceURL string `json:"sourceUrl" validate:"required_without=URL,omitempty,url"`
}

// FileResponse represents a media file record
type FileResponse struct {
	FileID    string     `json:"fileId"`
	URL       string     `json:"url"`
	Status    FileStatus `json:"status"`
	Meta      *VideoMeta `json:"meta,omitempty"`
	Error     *string    `json:"error"`
	CreatedAt time.Time  `json:"createdAt"`
}
