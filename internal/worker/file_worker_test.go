package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/clipforge/api/internal/client"
	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/testsupport"
)

func TestFileWorker_ProbeMarksReady(t *testing.T) {
	st := testsupport.NewMemStore()
	if err := st.SaveFile(context.Background(), &model.MediaFile{
		ID: "file-1", OwnerID: "u1", URL: "https://cdn.test/file-1.mp4", Status: model.FileStatusUploaded,
	}); err != nil {
		t.Fatal(err)
	}

	prober := &testsupport.FakeProber{
		Meta: client.ProbeResult{DurationSeconds: 12.5, Width: 1920, Height: 1080, FPS: 24, Codec: "h264", HasAudio: true},
	}
	reg, _ := makeRegistry(t)
	w := NewFileWorker(st, prober, reg, testsupport.NewFakeClock())

	if err := w.ProcessProbe(context.Background(), makeTask(t, TaskTypeProbe, "file-1")); err != nil {
		t.Fatalf("probe failed: %v", err)
	}

	f, _ := st.GetFile(context.Background(), "file-1")
	if f.Status != model.FileStatusReady {
		t.Errorf("expected ready, got %s", f.Status)
	}
	if f.Meta == nil || f.Meta.Width != 1920 || !f.Meta.HasAudio {
		t.Errorf("metadata not persisted: %+v", f.Meta)
	}
	if f.FinishedAt == nil {
		t.Error("expected finished timestamp")
	}
}

func TestFileWorker_ProbeFailureMarksFailed(t *testing.T) {
	st := testsupport.NewMemStore()
	if err := st.SaveFile(context.Background(), &model.MediaFile{
		ID: "file-1", OwnerID: "u1", URL: "x", Status: model.FileStatusUploaded,
	}); err != nil {
		t.Fatal(err)
	}

	prober := &testsupport.FakeProber{ProbeErr: errors.New("not a media file")}
	reg, _ := makeRegistry(t)
	w := NewFileWorker(st, prober, reg, testsupport.NewFakeClock())

	if err := w.ProcessProbe(context.Background(), makeTask(t, TaskTypeProbe, "file-1")); err == nil {
		t.Fatal("expected error")
	}
	f, _ := st.GetFile(context.Background(), "file-1")
	if f.Status != model.FileStatusFailed {
		t.Errorf("expected failed, got %s", f.Status)
	}
}

func TestFileWorker_ImportChainsProbe(t *testing.T) {
	st := testsupport.NewMemStore()
	if err := st.SaveFile(context.Background(), &model.MediaFile{
		ID: "file-1", OwnerID: "u1", SourceURL: "https://example.com/video.mp4", Status: model.FileStatusImporting,
	}); err != nil {
		t.Fatal(err)
	}

	prober := &testsupport.FakeProber{}
	reg, enq := makeRegistry(t)
	w := NewFileWorker(st, prober, reg, testsupport.NewFakeClock())

	if err := w.ProcessImport(context.Background(), makeTask(t, TaskTypeImport, "file-1")); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	f, _ := st.GetFile(context.Background(), "file-1")
	if f.URL == "" {
		t.Error("imported URL not persisted")
	}

	types := enq.TaskTypes()
	if len(types) != 1 || types[0] != TaskTypeProbe {
		t.Errorf("expected a chained probe task, got %v", types)
	}
}

func TestFileWorker_ImportRedeliverySkipsReimport(t *testing.T) {
	st := testsupport.NewMemStore()
	if err := st.SaveFile(context.Background(), &model.MediaFile{
		ID:        "file-1",
		OwnerID:   "u1",
		SourceURL: "https://example.com/video.mp4",
		URL:       "https://cdn.test/uploads/file-1",
		Status:    model.FileStatusImporting,
	}); err != nil {
		t.Fatal(err)
	}

	reg, enq := makeRegistry(t)
	w := NewFileWorker(st, &testsupport.FakeProber{}, reg, testsupport.NewFakeClock())

	if err := w.ProcessImport(context.Background(), makeTask(t, TaskTypeImport, "file-1")); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}

	f, _ := st.GetFile(context.Background(), "file-1")
	if f.URL != "https://cdn.test/uploads/file-1" {
		t.Errorf("existing import overwritten: %q", f.URL)
	}
	// still chains the probe so the file can finish preparation
	types := enq.TaskTypes()
	if len(types) != 1 || types[0] != TaskTypeProbe {
		t.Errorf("expected a chained probe task, got %v", types)
	}
}

func TestFileWorker_ImportWithoutSourceFails(t *testing.T) {
	st := testsupport.NewMemStore()
	if err := st.SaveFile(context.Background(), &model.MediaFile{
		ID: "file-1", OwnerID: "u1", Status: model.FileStatusImporting,
	}); err != nil {
		t.Fatal(err)
	}

	reg, _ := makeRegistry(t)
	w := NewFileWorker(st, &testsupport.FakeProber{}, reg, testsupport.NewFakeClock())

	if err := w.ProcessImport(context.Background(), makeTask(t, TaskTypeImport, "file-1")); err == nil {
		t.Fatal("expected error for missing source URL")
	}
	f, _ := st.GetFile(context.Background(), "file-1")
	if f.Status != model.FileStatusFailed {
		t.Errorf("expected failed, got %s", f.Status)
	}
}
