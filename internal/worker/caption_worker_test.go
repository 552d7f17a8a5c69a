package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/testsupport"
)

type captionFixture struct {
	store    *testsupport.MemStore
	gate     *testsupport.FakeGate
	hub      *testsupport.FakeHub
	clk      *testsupport.FakeClock
	enqueuer *testsupport.FakeEnqueuer
	worker   *CaptionWorker
}

func newCaptionFixture(t *testing.T) *captionFixture {
	t.Helper()
	f := &captionFixture{
		store: testsupport.NewMemStore(),
		gate:  &testsupport.FakeGate{},
		hub:   &testsupport.FakeHub{},
		clk:   testsupport.NewFakeClock(),
	}
	reg, enq := makeRegistry(t)
	f.enqueuer = enq
	f.worker = NewCaptionWorker(f.store, f.gate, reg, f.hub, f.clk, testPipelineConfig())
	return f
}

func (f *captionFixture) seedReadyFile(t *testing.T, id string) {
	t.Helper()
	err := f.store.SaveFile(context.Background(), &model.MediaFile{
		ID:      id,
		OwnerID: "u1",
		URL:     "https://cdn.test/" + id + ".mp4",
		Status:  model.FileStatusReady,
		Meta:    &model.VideoMeta{DurationSeconds: 42, Width: 1920, Height: 1080, FPS: 30, HasAudio: true},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (f *captionFixture) seedProject(t *testing.T, id, fileID string) {
	t.Helper()
	err := f.store.SaveCaption(context.Background(), &model.CaptionProject{
		ID:      id,
		OwnerID: "u1",
		FileID:  fileID,
		Preset:  model.CaptionPreset{Template: "bold", Language: "en", Highlight: true},
		Status:  model.CaptionStatusPending,
	})
	if err != nil {
		t.Fatal(err)
	}
}

// driveSideEffects simulates the transcribe and render workers: whenever the
// caption worker sleeps, pending transcriptions complete and pending render
// jobs finish.
func (f *captionFixture) driveSideEffects() {
	f.clk.OnSleep = func(n int, d time.Duration) {
		ctx := context.Background()

		for _, id := range []string{"proj-1", "proj-2"} {
			p, err := f.store.GetCaption(ctx, id)
			if err != nil {
				continue
			}
			if p.TranscriptionID != "" {
				tr, err := f.store.GetTranscription(ctx, p.TranscriptionID)
				if err == nil && tr.Status == model.TranscriptionStatusPending {
					tr.Status = model.TranscriptionStatusCompleted
					tr.Words = []model.Word{
						{Text: "hello", Start: 0.0, End: 0.4},
						{Text: "world", Start: 0.4, End: 0.9},
					}
					tr.Duration = 42
					_ = f.store.SaveTranscription(ctx, tr)
				}
			}
			if p.RenderJobID != "" {
				_, _ = f.store.UpdateRenderIf(ctx, p.RenderJobID,
					[]model.RenderStatus{model.RenderStatusPending},
					func(j *model.RenderJob) error {
						j.Status = model.RenderStatusCompleted
						j.Progress = 100
						j.OutputURL = "https://cdn.test/final.mp4"
						j.ThumbnailURL = "https://cdn.test/final.jpg"
						return nil
					})
			}
		}
	}
}

func TestCaptionWorker_EndToEnd(t *testing.T) {
	f := newCaptionFixture(t)
	f.seedReadyFile(t, "file-1")
	f.seedProject(t, "proj-1", "file-1")
	f.driveSideEffects()

	if err := f.worker.ProcessTask(context.Background(), makeTask(t, TaskTypeCaption, "proj-1")); err != nil {
		t.Fatalf("ProcessTask failed: %v", err)
	}

	project, err := f.store.GetCaption(context.Background(), "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if project.Status != model.CaptionStatusCompleted {
		t.Fatalf("expected completed, got %s (error: %v)", project.Status, project.Error)
	}
	if project.Progress != 100 {
		t.Errorf("expected progress 100, got %d", project.Progress)
	}
	if project.OutputURL != "https://cdn.test/final.mp4" {
		t.Errorf("render output not copied: %q", project.OutputURL)
	}
	if project.TranscriptionID == "" || project.RenderJobID == "" {
		t.Error("expected transcription and render job references")
	}
	if len(project.Spec) == 0 {
		t.Error("expected a composed render spec on the project")
	}

	// the backing render job carries the caption kind
	job, err := f.store.GetRender(context.Background(), project.RenderJobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Kind != model.RenderKindCaption {
		t.Errorf("expected caption render kind, got %s", job.Kind)
	}
	if job.CaptionID != "proj-1" {
		t.Errorf("render job not linked to the project: %q", job.CaptionID)
	}

	if got := f.gate.Committed(model.QuotaCaptionProjects); got != 1 {
		t.Errorf("expected 1 caption project committed, got %d", got)
	}

	// transcription and render tasks were both enqueued
	var transcribes, renders int
	for _, typ := range f.enqueuer.TaskTypes() {
		switch typ {
		case TaskTypeTranscribe:
			transcribes++
		case TaskTypeRender:
			renders++
		}
	}
	if transcribes != 1 || renders != 1 {
		t.Errorf("expected 1 transcribe and 1 render task, got %d/%d", transcribes, renders)
	}
}

func TestCaptionWorker_ReusesExistingTranscription(t *testing.T) {
	f := newCaptionFixture(t)
	f.seedReadyFile(t, "file-1")
	f.seedProject(t, "proj-1", "file-1")
	f.driveSideEffects()

	// another project already transcribed this file
	existing := &model.Transcription{
		ID:     "tr-existing",
		FileID: "file-1",
		Status: model.TranscriptionStatusCompleted,
		Words:  []model.Word{{Text: "hi", Start: 0, End: 0.5}},
	}
	if _, created, err := f.store.BindTranscription(context.Background(), "file-1", existing); err != nil || !created {
		t.Fatalf("seed bind failed: created=%v err=%v", created, err)
	}

	if err := f.worker.ProcessTask(context.Background(), makeTask(t, TaskTypeCaption, "proj-1")); err != nil {
		t.Fatalf("ProcessTask failed: %v", err)
	}

	project, _ := f.store.GetCaption(context.Background(), "proj-1")
	if project.TranscriptionID != "tr-existing" {
		t.Errorf("expected reuse of tr-existing, got %q", project.TranscriptionID)
	}
	for _, typ := range f.enqueuer.TaskTypes() {
		if typ == TaskTypeTranscribe {
			t.Error("must not enqueue a second transcription for the same file")
		}
	}
}

func TestCaptionWorker_SharedFileBindsOneTranscription(t *testing.T) {
	f := newCaptionFixture(t)
	f.seedReadyFile(t, "file-1")
	f.seedProject(t, "proj-1", "file-1")
	f.seedProject(t, "proj-2", "file-1")
	f.driveSideEffects()

	if err := f.worker.ProcessTask(context.Background(), makeTask(t, TaskTypeCaption, "proj-1")); err != nil {
		t.Fatalf("first project failed: %v", err)
	}
	if err := f.worker.ProcessTask(context.Background(), makeTask(t, TaskTypeCaption, "proj-2")); err != nil {
		t.Fatalf("second project failed: %v", err)
	}

	p1, _ := f.store.GetCaption(context.Background(), "proj-1")
	p2, _ := f.store.GetCaption(context.Background(), "proj-2")
	if p1.Status != model.CaptionStatusCompleted || p2.Status != model.CaptionStatusCompleted {
		t.Fatalf("expected both completed, got %s / %s", p1.Status, p2.Status)
	}
	if p1.TranscriptionID == "" || p1.TranscriptionID != p2.TranscriptionID {
		t.Errorf("projects must share one transcription, got %q / %q", p1.TranscriptionID, p2.TranscriptionID)
	}

	var transcribes int
	for _, typ := range f.enqueuer.TaskTypes() {
		if typ == TaskTypeTranscribe {
			transcribes++
		}
	}
	if transcribes != 1 {
		t.Errorf("expected exactly one transcribe task for the shared file, got %d", transcribes)
	}
}

func TestCaptionWorker_TerminalRedeliveryChargesNothing(t *testing.T) {
	f := newCaptionFixture(t)
	f.seedReadyFile(t, "file-1")
	f.seedProject(t, "proj-1", "file-1")
	f.driveSideEffects()

	if err := f.worker.ProcessTask(context.Background(), makeTask(t, TaskTypeCaption, "proj-1")); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if err := f.worker.ProcessTask(context.Background(), makeTask(t, TaskTypeCaption, "proj-1")); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}

	if got := f.gate.Committed(model.QuotaCaptionProjects); got != 1 {
		t.Errorf("redelivery of a finished project must not charge again, got %d", got)
	}
}

func TestCaptionWorker_TranscriptionFailureFailsProject(t *testing.T) {
	f := newCaptionFixture(t)
	f.seedReadyFile(t, "file-1")
	f.seedProject(t, "proj-1", "file-1")

	f.clk.OnSleep = func(n int, d time.Duration) {
		ctx := context.Background()
		p, err := f.store.GetCaption(ctx, "proj-1")
		if err != nil || p.TranscriptionID == "" {
			return
		}
		tr, err := f.store.GetTranscription(ctx, p.TranscriptionID)
		if err == nil && tr.Status == model.TranscriptionStatusPending {
			msg := "no speech found"
			tr.Status = model.TranscriptionStatusFailed
			tr.Error = &msg
			_ = f.store.SaveTranscription(ctx, tr)
		}
	}

	err := f.worker.ProcessTask(context.Background(), makeTask(t, TaskTypeCaption, "proj-1"))
	if err == nil {
		t.Fatal("expected error for failed transcription")
	}

	project, _ := f.store.GetCaption(context.Background(), "proj-1")
	if project.Status != model.CaptionStatusFailed {
		t.Errorf("expected failed, got %s", project.Status)
	}
	if project.Error == nil {
		t.Error("expected error message on the project")
	}
}

func TestCaptionWorker_ExternalCancellationStopsRun(t *testing.T) {
	f := newCaptionFixture(t)
	f.seedReadyFile(t, "file-1")
	f.seedProject(t, "proj-1", "file-1")

	// the project is failed from the outside while the worker waits for
	// the transcription
	f.clk.OnSleep = func(n int, d time.Duration) {
		msg := "Cancelled by owner"
		_, _ = f.store.UpdateCaptionIf(context.Background(), "proj-1",
			[]model.CaptionStatus{model.CaptionStatusTranscribing},
			func(p *model.CaptionProject) error {
				p.Status = model.CaptionStatusFailed
				p.Error = &msg
				return nil
			})
	}

	if err := f.worker.ProcessTask(context.Background(), makeTask(t, TaskTypeCaption, "proj-1")); err != nil {
		t.Fatalf("externally cancelled project must exit cleanly, got %v", err)
	}
}

func TestCaptionWorker_FileNotReadyFailsProject(t *testing.T) {
	f := newCaptionFixture(t)
	if err := f.store.SaveFile(context.Background(), &model.MediaFile{
		ID:      "file-1",
		OwnerID: "u1",
		Status:  model.FileStatusFailed,
	}); err != nil {
		t.Fatal(err)
	}
	f.seedProject(t, "proj-1", "file-1")

	err := f.worker.ProcessTask(context.Background(), makeTask(t, TaskTypeCaption, "proj-1"))
	if err == nil {
		t.Fatal("expected error for unusable file")
	}
	project, _ := f.store.GetCaption(context.Background(), "proj-1")
	if project.Status != model.CaptionStatusFailed {
		t.Errorf("expected failed, got %s", project.Status)
	}
}

// The caption queue has no broker retries, so the worker must ride out
// intermittent store errors while waiting rather than give up on a project
// that is still making progress.
func TestCaptionWorker_RidesOutTransientReadsWhileWaiting(t *testing.T) {
	mem := testsupport.NewMemStore()
	blip := errors.New("read tcp: connection reset")
	faulty := &testsupport.FaultStore{
		Store: mem,
		// first read (the initial load) succeeds, then two wait-loop
		// iterations fail before the store recovers
		GetCaptionErrs: []error{nil, blip, blip},
	}
	clk := testsupport.NewFakeClock()
	reg, _ := makeRegistry(t)
	w := NewCaptionWorker(faulty, &testsupport.FakeGate{}, reg, &testsupport.FakeHub{}, clk, testPipelineConfig())

	ctx := context.Background()
	if err := mem.SaveFile(ctx, &model.MediaFile{
		ID:      "file-1",
		OwnerID: "u1",
		URL:     "https://cdn.test/file-1.mp4",
		Status:  model.FileStatusReady,
		Meta:    &model.VideoMeta{DurationSeconds: 42, Width: 1920, Height: 1080, FPS: 30, HasAudio: true},
	}); err != nil {
		t.Fatal(err)
	}
	if err := mem.SaveCaption(ctx, &model.CaptionProject{
		ID:      "proj-1",
		OwnerID: "u1",
		FileID:  "file-1",
		Preset:  model.CaptionPreset{Template: "bold", Language: "en"},
		Status:  model.CaptionStatusPending,
	}); err != nil {
		t.Fatal(err)
	}

	clk.OnSleep = func(n int, d time.Duration) {
		p, err := mem.GetCaption(ctx, "proj-1")
		if err != nil {
			return
		}
		if p.TranscriptionID != "" {
			tr, err := mem.GetTranscription(ctx, p.TranscriptionID)
			if err == nil && tr.Status == model.TranscriptionStatusPending {
				tr.Status = model.TranscriptionStatusCompleted
				tr.Words = []model.Word{{Text: "hello", Start: 0, End: 0.4}}
				tr.Duration = 42
				_ = mem.SaveTranscription(ctx, tr)
			}
		}
		if p.RenderJobID != "" {
			_, _ = mem.UpdateRenderIf(ctx, p.RenderJobID,
				[]model.RenderStatus{model.RenderStatusPending},
				func(j *model.RenderJob) error {
					j.Status = model.RenderStatusCompleted
					j.Progress = 100
					j.OutputURL = "https://cdn.test/final.mp4"
					return nil
				})
		}
	}

	if err := w.ProcessTask(ctx, makeTask(t, TaskTypeCaption, "proj-1")); err != nil {
		t.Fatalf("intermittent store errors must not fail the run: %v", err)
	}
	project, err := mem.GetCaption(ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if project.Status != model.CaptionStatusCompleted {
		t.Fatalf("expected completed, got %s (error: %v)", project.Status, project.Error)
	}
}

// When the store stays down past the retry budget, the project must still
// end up terminal with an error recorded, never stuck mid-pipeline.
func TestCaptionWorker_StoreOutageLeavesTerminalFailure(t *testing.T) {
	mem := testsupport.NewMemStore()
	faulty := &testsupport.FaultStore{
		Store:      mem,
		GetFileErr: errors.New("dial tcp: connection refused"),
	}
	clk := testsupport.NewFakeClock()
	reg, _ := makeRegistry(t)
	w := NewCaptionWorker(faulty, &testsupport.FakeGate{}, reg, &testsupport.FakeHub{}, clk, testPipelineConfig())

	ctx := context.Background()
	if err := mem.SaveFile(ctx, &model.MediaFile{ID: "file-1", OwnerID: "u1", Status: model.FileStatusReady}); err != nil {
		t.Fatal(err)
	}
	if err := mem.SaveCaption(ctx, &model.CaptionProject{
		ID:      "proj-1",
		OwnerID: "u1",
		FileID:  "file-1",
		Preset:  model.CaptionPreset{Template: "bold"},
		Status:  model.CaptionStatusPending,
	}); err != nil {
		t.Fatal(err)
	}

	err := w.ProcessTask(ctx, makeTask(t, TaskTypeCaption, "proj-1"))
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}

	project, gerr := mem.GetCaption(ctx, "proj-1")
	if gerr != nil {
		t.Fatal(gerr)
	}
	if project.Status != model.CaptionStatusFailed {
		t.Errorf("project left non-terminal: %s", project.Status)
	}
	if project.Error == nil {
		t.Error("expected an error message on the failed project")
	}
}

func TestCaptionWorker_TranscribeWaitCapTimesOut(t *testing.T) {
	f := newCaptionFixture(t)
	f.seedReadyFile(t, "file-1")
	f.seedProject(t, "proj-1", "file-1")

	// nothing ever completes the transcription
	err := f.worker.ProcessTask(context.Background(), makeTask(t, TaskTypeCaption, "proj-1"))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	project, _ := f.store.GetCaption(context.Background(), "proj-1")
	if project.Status != model.CaptionStatusFailed {
		t.Errorf("expected failed after wait cap, got %s", project.Status)
	}
}
