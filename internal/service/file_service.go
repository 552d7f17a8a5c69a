package service

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/clipforge/api/internal/clock"
	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/queue"
	"github.com/clipforge/api/internal/store"
	"github.com/clipforge/api/internal/worker"
)

// FileRegistrar defines the interface for media file operations
type FileRegistrar interface {
	Register(ctx context.Context, ownerID string, req *model.FileRegisterRequest) (*model.FileResponse, error)
	Get(ctx context.Context, ownerID, fileID string) (*model.FileResponse, error)
}

// FileService registers media files and schedules their preparation.
type FileService struct {
	store  store.Store
	queues *queue.Registry
	clk    clock.Clock
}

// NewFileService creates a new file service
func NewFileService(st store.Store, queues *queue.Registry, clk clock.Clock) *FileService {
	return &FileService{store: st, queues: queues, clk: clk}
}

// Register records a media file. An already-uploaded file goes straight to
// probing; a remote source is imported first.
func (s *FileService) Register(ctx context.Context, ownerID string, req *model.FileRegisterRequest) (*model.FileResponse, error) {
	file := &model.MediaFile{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		URL:       req.URL,
		SourceURL: req.SourceURL,
		CreatedAt: s.clk.Now(),
	}

	taskType := worker.TaskTypeProbe
	if req.URL == "" {
		file.Status = model.FileStatusImporting
		taskType = worker.TaskTypeImport
	} else {
		file.Status = model.FileStatusUploaded
	}

	if err := s.store.SaveFile(ctx, file); err != nil {
		return nil, fmt.Errorf("failed to save file: %w", err)
	}
	if _, err := s.queues.Enqueue(ctx, worker.QueueFile, taskType, file.ID, nil); err != nil {
		return nil, fmt.Errorf("failed to enqueue file task: %w", err)
	}

	log.Printf("File %s registered for owner %s", file.ID, ownerID)
	return fileResponse(file), nil
}

// Get returns the current state of a media file.
func (s *FileService) Get(ctx context.Context, ownerID, fileID string) (*model.FileResponse, error) {
	file, err := s.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return fileResponse(file), nil
}

func fileResponse(file *model.MediaFile) *model.FileResponse {
	return &model.FileResponse{
		FileID:    file.ID,
		URL:       file.URL,
		Status:    file.Status,
		Meta:      file.Meta,
		Error:     file.Error,
		CreatedAt: file.CreatedAt,
	}
}
