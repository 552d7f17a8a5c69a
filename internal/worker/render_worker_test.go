package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/clipforge/api/internal/client"
	"github.com/clipforge/api/internal/config"
	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/queue"
	"github.com/clipforge/api/internal/testsupport"
)

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		PollInterval:      2 * time.Second,
		RenderPollCap:     time.Minute,
		TranscribeWaitCap: 30 * time.Second,
	}
}

func makeTask(t *testing.T, taskType, jobID string) *asynq.Task {
	t.Helper()
	data, err := json.Marshal(queue.Envelope{JobID: jobID})
	if err != nil {
		t.Fatal(err)
	}
	return asynq.NewTask(taskType, data)
}

func makeRegistry(t *testing.T) (*queue.Registry, *testsupport.FakeEnqueuer) {
	t.Helper()
	enq := &testsupport.FakeEnqueuer{}
	limiter := queue.NewLogLimiter(30*time.Second, testsupport.NewFakeClock())
	reg := queue.NewRegistry(enq, limiter)
	if _, err := Queues(reg); err != nil {
		t.Fatal(err)
	}
	return reg, enq
}

type renderFixture struct {
	store    *testsupport.MemStore
	provider *testsupport.FakeRenderProvider
	gate     *testsupport.FakeGate
	hub      *testsupport.FakeHub
	clk      *testsupport.FakeClock
	enqueuer *testsupport.FakeEnqueuer
	worker   *RenderWorker
}

func newRenderFixture(t *testing.T) *renderFixture {
	t.Helper()
	f := &renderFixture{
		store:    testsupport.NewMemStore(),
		provider: &testsupport.FakeRenderProvider{},
		gate:     &testsupport.FakeGate{},
		hub:      &testsupport.FakeHub{},
		clk:      testsupport.NewFakeClock(),
	}
	reg, enq := makeRegistry(t)
	f.enqueuer = enq
	prober := &testsupport.FakeProber{Thumbnail: []byte("jpeg")}
	storage := &testsupport.FakeStorage{}
	f.worker = NewRenderWorker(f.store, f.provider, prober, storage, f.gate, reg, f.hub, f.clk, testPipelineConfig())
	return f
}

func (f *renderFixture) seedJob(t *testing.T, job *model.RenderJob) {
	t.Helper()
	if job.Kind == "" {
		job.Kind = model.RenderKindTemplate
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = f.clk.Now()
	}
	if err := f.store.SaveRender(context.Background(), job); err != nil {
		t.Fatal(err)
	}
}

func TestRenderWorker_HappyPath(t *testing.T) {
	f := newRenderFixture(t)
	f.provider.Steps = []client.RenderProgress{
		{FractionDone: 0.25},
		{FractionDone: 0.75},
		{Done: true, OutputURL: "https://cdn.test/out.mp4", DurationSec: 95},
	}
	f.seedJob(t, &model.RenderJob{ID: "job-1", OwnerID: "u1", Status: model.RenderStatusQueued})

	if err := f.worker.ProcessTask(context.Background(), makeTask(t, TaskTypeRender, "job-1")); err != nil {
		t.Fatalf("ProcessTask failed: %v", err)
	}

	job, err := f.store.GetRender(context.Background(), "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != model.RenderStatusCompleted {
		t.Errorf("expected completed, got %s", job.Status)
	}
	if job.Progress != 100 {
		t.Errorf("expected progress 100, got %d", job.Progress)
	}
	if job.OutputURL != "https://cdn.test/out.mp4" {
		t.Errorf("unexpected output URL %q", job.OutputURL)
	}
	if job.ExternalHandle == nil || job.ExternalHandle.RenderID != "render-1" {
		t.Error("external handle not persisted")
	}
	if job.ThumbnailURL == "" {
		t.Error("expected thumbnail backfill")
	}
	if job.StartedAt == nil || job.CompletedAt == nil {
		t.Error("expected start and completion timestamps")
	}

	// 95 seconds rounds up to 2 minutes on the template counter
	if got := f.gate.Committed(model.QuotaRenderMinutes); got != 2 {
		t.Errorf("expected 2 render minutes committed, got %d", got)
	}
	if got := f.gate.Committed(model.QuotaCaptionRenderMinutes); got != 0 {
		t.Errorf("caption counter should be untouched, got %d", got)
	}
}

func TestRenderWorker_CaptionKindRoutesQuota(t *testing.T) {
	f := newRenderFixture(t)
	f.provider.Steps = []client.RenderProgress{{Done: true, OutputURL: "https://cdn.test/c.mp4", DurationSec: 30}}
	f.seedJob(t, &model.RenderJob{ID: "job-c", OwnerID: "u1", Kind: model.RenderKindCaption, CaptionID: "proj-1", Status: model.RenderStatusPending})

	if err := f.worker.ProcessTask(context.Background(), makeTask(t, TaskTypeRender, "job-c")); err != nil {
		t.Fatalf("ProcessTask failed: %v", err)
	}

	if got := f.gate.Committed(model.QuotaCaptionRenderMinutes); got != 1 {
		t.Errorf("expected 1 caption render minute, got %d", got)
	}
	if got := f.gate.Committed(model.QuotaRenderMinutes); got != 0 {
		t.Errorf("template counter should be untouched, got %d", got)
	}
}

func TestRenderWorker_ResumesWithoutSecondStart(t *testing.T) {
	f := newRenderFixture(t)
	f.provider.Steps = []client.RenderProgress{{Done: true, OutputURL: "https://cdn.test/out.mp4", DurationSec: 10}}
	f.seedJob(t, &model.RenderJob{
		ID:             "job-r",
		OwnerID:        "u1",
		Status:         model.RenderStatusRendering,
		Progress:       40,
		ExternalHandle: &model.ExternalHandle{RenderID: "render-77", BucketName: "b"},
	})

	if err := f.worker.ProcessTask(context.Background(), makeTask(t, TaskTypeRender, "job-r")); err != nil {
		t.Fatalf("ProcessTask failed: %v", err)
	}

	if f.provider.Starts() != 0 {
		t.Errorf("resume must not start a second external render, got %d starts", f.provider.Starts())
	}
	job, _ := f.store.GetRender(context.Background(), "job-r")
	if job.Status != model.RenderStatusCompleted {
		t.Errorf("expected completed, got %s", job.Status)
	}
}

func TestRenderWorker_DuplicateDeliveryStartsOnce(t *testing.T) {
	f := newRenderFixture(t)
	f.provider.Steps = []client.RenderProgress{{Done: true, OutputURL: "https://cdn.test/out.mp4", DurationSec: 5}}
	f.seedJob(t, &model.RenderJob{ID: "job-d", OwnerID: "u1", Status: model.RenderStatusQueued})

	// two workers race for the claim; the loser's conditional update fails
	// and it skips without touching the provider
	tasks := []*asynq.Task{
		makeTask(t, TaskTypeRender, "job-d"),
		makeTask(t, TaskTypeRender, "job-d"),
	}
	var wg sync.WaitGroup
	errs := make([]error, len(tasks))
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task *asynq.Task) {
			defer wg.Done()
			errs[i] = f.worker.ProcessTask(context.Background(), task)
		}(i, task)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("delivery %d errored: %v", i, err)
		}
	}
	if got := f.provider.Starts(); got != 1 {
		t.Errorf("expected exactly one external start, got %d", got)
	}
	job, _ := f.store.GetRender(context.Background(), "job-d")
	if job.Status != model.RenderStatusCompleted {
		t.Errorf("expected completed, got %s", job.Status)
	}
}

func TestRenderWorker_TerminalRedeliveryIsNoop(t *testing.T) {
	f := newRenderFixture(t)
	f.seedJob(t, &model.RenderJob{ID: "job-t", OwnerID: "u1", Status: model.RenderStatusFailed, ThumbnailURL: "x"})

	if err := f.worker.ProcessTask(context.Background(), makeTask(t, TaskTypeRender, "job-t")); err != nil {
		t.Fatalf("redelivery of a terminal job must succeed, got %v", err)
	}
	if f.provider.Starts() != 0 {
		t.Error("terminal job must not reach the provider")
	}
}

func TestRenderWorker_MissingJobIsNoop(t *testing.T) {
	f := newRenderFixture(t)
	if err := f.worker.ProcessTask(context.Background(), makeTask(t, TaskTypeRender, "ghost")); err != nil {
		t.Fatalf("missing job should be skipped, got %v", err)
	}
}

func TestRenderWorker_CancellationStopsPolling(t *testing.T) {
	f := newRenderFixture(t)
	f.provider.Steps = []client.RenderProgress{{FractionDone: 0.1}, {FractionDone: 0.2}, {FractionDone: 0.3}}
	f.seedJob(t, &model.RenderJob{ID: "job-x", OwnerID: "u1", Status: model.RenderStatusQueued})

	// flip to cancelled while the worker is in its second wait
	f.clk.OnSleep = func(n int, d time.Duration) {
		if n == 1 {
			_, err := f.store.UpdateRenderIf(context.Background(), "job-x",
				[]model.RenderStatus{model.RenderStatusRendering},
				func(j *model.RenderJob) error {
					j.Status = model.RenderStatusCancelled
					return nil
				})
			if err != nil {
				t.Errorf("cancel flip failed: %v", err)
			}
		}
	}

	if err := f.worker.ProcessTask(context.Background(), makeTask(t, TaskTypeRender, "job-x")); err != nil {
		t.Fatalf("cancelled job must exit cleanly, got %v", err)
	}
	job, _ := f.store.GetRender(context.Background(), "job-x")
	if job.Status != model.RenderStatusCancelled {
		t.Errorf("expected cancelled, got %s", job.Status)
	}
}

func TestRenderWorker_ProgressIsMonotonic(t *testing.T) {
	f := newRenderFixture(t)
	// provider reports a regression between snapshots
	f.provider.Steps = []client.RenderProgress{
		{FractionDone: 0.6},
		{FractionDone: 0.4},
		{Done: true, OutputURL: "https://cdn.test/out.mp4", DurationSec: 5},
	}
	f.seedJob(t, &model.RenderJob{ID: "job-m", OwnerID: "u1", Status: model.RenderStatusQueued})

	if err := f.worker.ProcessTask(context.Background(), makeTask(t, TaskTypeRender, "job-m")); err != nil {
		t.Fatalf("ProcessTask failed: %v", err)
	}

	values := f.hub.ProgressValues()
	last := -1
	for _, v := range values {
		if v < last {
			t.Fatalf("progress regressed: %v", values)
		}
		last = v
	}
}

func TestRenderWorker_FatalErrorFailsJob(t *testing.T) {
	f := newRenderFixture(t)
	f.provider.Steps = []client.RenderProgress{{FatalError: "gpu exploded"}}
	f.seedJob(t, &model.RenderJob{ID: "job-f", OwnerID: "u1", Status: model.RenderStatusQueued})

	err := f.worker.ProcessTask(context.Background(), makeTask(t, TaskTypeRender, "job-f"))
	if err == nil {
		t.Fatal("expected an error for a fatal render failure")
	}

	job, _ := f.store.GetRender(context.Background(), "job-f")
	if job.Status != model.RenderStatusFailed {
		t.Errorf("expected failed, got %s", job.Status)
	}
	if job.Error == nil {
		t.Error("expected error message on the job")
	}
}

func TestRenderWorker_PollCapTimesOut(t *testing.T) {
	f := newRenderFixture(t)
	f.provider.Steps = []client.RenderProgress{{FractionDone: 0.5}}
	f.seedJob(t, &model.RenderJob{ID: "job-slow", OwnerID: "u1", Status: model.RenderStatusQueued})

	err := f.worker.ProcessTask(context.Background(), makeTask(t, TaskTypeRender, "job-slow"))
	if err == nil {
		t.Fatal("expected timeout error")
	}

	job, _ := f.store.GetRender(context.Background(), "job-slow")
	if job.Status != model.RenderStatusFailed {
		t.Errorf("expected failed after poll cap, got %s", job.Status)
	}
}

func TestRenderWorker_UnreachableProviderHitsPollCap(t *testing.T) {
	f := newRenderFixture(t)
	// every single poll fails; the cap must still terminate the loop
	f.provider.PollErr = context.DeadlineExceeded
	f.seedJob(t, &model.RenderJob{ID: "job-dark", OwnerID: "u1", Status: model.RenderStatusQueued})

	err := f.worker.ProcessTask(context.Background(), makeTask(t, TaskTypeRender, "job-dark"))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("timeout must not be retried by the broker, got %v", err)
	}

	job, _ := f.store.GetRender(context.Background(), "job-dark")
	if job.Status != model.RenderStatusFailed {
		t.Errorf("expected failed after poll cap, got %s", job.Status)
	}
	if job.Error == nil {
		t.Error("expected a timeout message on the job")
	}
}

func TestRenderWorker_TransientPollErrorKeepsPolling(t *testing.T) {
	f := newRenderFixture(t)
	f.provider.Steps = []client.RenderProgress{
		{FractionDone: 0.5},
		{Done: true, OutputURL: "https://cdn.test/out.mp4", DurationSec: 5},
	}
	f.provider.PollErrs = map[int]error{0: context.DeadlineExceeded}
	f.seedJob(t, &model.RenderJob{ID: "job-p", OwnerID: "u1", Status: model.RenderStatusQueued})

	if err := f.worker.ProcessTask(context.Background(), makeTask(t, TaskTypeRender, "job-p")); err != nil {
		t.Fatalf("transient poll error must not abort, got %v", err)
	}
	job, _ := f.store.GetRender(context.Background(), "job-p")
	if job.Status != model.RenderStatusCompleted {
		t.Errorf("expected completed, got %s", job.Status)
	}
}

func TestRenderWorker_CompletionEnqueuesWebhook(t *testing.T) {
	f := newRenderFixture(t)
	f.provider.Steps = []client.RenderProgress{{Done: true, OutputURL: "https://cdn.test/out.mp4", DurationSec: 5}}
	f.seedJob(t, &model.RenderJob{ID: "job-w", OwnerID: "u1", Status: model.RenderStatusQueued, WebhookID: "wh-1"})

	if err := f.worker.ProcessTask(context.Background(), makeTask(t, TaskTypeRender, "job-w")); err != nil {
		t.Fatalf("ProcessTask failed: %v", err)
	}

	found := false
	for _, typ := range f.enqueuer.TaskTypes() {
		if typ == TaskTypeWebhook {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a webhook delivery task, got %v", f.enqueuer.TaskTypes())
	}
}
