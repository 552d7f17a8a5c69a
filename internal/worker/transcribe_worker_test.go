package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/clipforge/api/internal/client"
	"github.com/clipforge/api/internal/model"
	"github.com/clipforge/api/internal/testsupport"
)

func TestTranscribeWorker_PersistsWords(t *testing.T) {
	st := testsupport.NewMemStore()
	clk := testsupport.NewFakeClock()
	if err := st.SaveTranscription(context.Background(), &model.Transcription{
		ID: "tr-1", FileID: "file-1", Status: model.TranscriptionStatusPending,
	}); err != nil {
		t.Fatal(err)
	}

	transcriber := &testsupport.FakeTranscriber{
		Result: client.TranscriptResult{
			Words: []client.TranscriptWord{
				{Text: "one", Start: 0, End: 0.5},
				{Text: "two", Start: 0.5, End: 1.0},
			},
			Duration: 1.0,
			Language: "en",
		},
	}

	w := NewTranscribeWorker(st, transcriber, clk)
	task := makePayloadTask(t, TaskTypeTranscribe, "tr-1", transcribeTaskPayload{
		TranscriptionID: "tr-1",
		AudioURL:        "https://cdn.test/file-1.mp4",
	})

	if err := w.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("ProcessTask failed: %v", err)
	}

	tr, _ := st.GetTranscription(context.Background(), "tr-1")
	if tr.Status != model.TranscriptionStatusCompleted {
		t.Errorf("expected completed, got %s", tr.Status)
	}
	if len(tr.Words) != 2 || tr.Words[0].Text != "one" {
		t.Errorf("words not persisted: %+v", tr.Words)
	}
	if tr.Duration != 1.0 || tr.Language != "en" {
		t.Errorf("metadata not persisted: %+v", tr)
	}
	if tr.CompletedAt == nil {
		t.Error("expected completion timestamp")
	}
}

func TestTranscribeWorker_CompletedRedeliveryIsNoop(t *testing.T) {
	st := testsupport.NewMemStore()
	if err := st.SaveTranscription(context.Background(), &model.Transcription{
		ID: "tr-1", Status: model.TranscriptionStatusCompleted,
		Words: []model.Word{{Text: "kept", Start: 0, End: 1}},
	}); err != nil {
		t.Fatal(err)
	}

	transcriber := &testsupport.FakeTranscriber{}
	w := NewTranscribeWorker(st, transcriber, testsupport.NewFakeClock())
	task := makePayloadTask(t, TaskTypeTranscribe, "tr-1", transcribeTaskPayload{TranscriptionID: "tr-1"})

	if err := w.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if transcriber.Calls() != 0 {
		t.Error("completed transcription must not be re-transcribed")
	}
	tr, _ := st.GetTranscription(context.Background(), "tr-1")
	if len(tr.Words) != 1 || tr.Words[0].Text != "kept" {
		t.Error("existing result was overwritten")
	}
}

func TestTranscribeWorker_FailureMarksRecord(t *testing.T) {
	st := testsupport.NewMemStore()
	if err := st.SaveTranscription(context.Background(), &model.Transcription{
		ID: "tr-1", Status: model.TranscriptionStatusPending,
	}); err != nil {
		t.Fatal(err)
	}

	transcriber := &testsupport.FakeTranscriber{Err: errors.New("unsupported codec")}
	w := NewTranscribeWorker(st, transcriber, testsupport.NewFakeClock())
	task := makePayloadTask(t, TaskTypeTranscribe, "tr-1", transcribeTaskPayload{TranscriptionID: "tr-1"})

	if err := w.ProcessTask(context.Background(), task); err == nil {
		t.Fatal("expected error")
	}

	tr, _ := st.GetTranscription(context.Background(), "tr-1")
	if tr.Status != model.TranscriptionStatusFailed {
		t.Errorf("expected failed, got %s", tr.Status)
	}
	if tr.Error == nil {
		t.Error("expected error message")
	}
	// bounded in-call retries before giving up
	if transcriber.Calls() != 3 {
		t.Errorf("expected 3 attempts, got %d", transcriber.Calls())
	}
}

func TestTranscribeWorker_MissingRecordIsNoop(t *testing.T) {
	st := testsupport.NewMemStore()
	w := NewTranscribeWorker(st, &testsupport.FakeTranscriber{}, testsupport.NewFakeClock())
	task := makePayloadTask(t, TaskTypeTranscribe, "ghost", transcribeTaskPayload{TranscriptionID: "ghost"})

	if err := w.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("missing record should be skipped, got %v", err)
	}
}
