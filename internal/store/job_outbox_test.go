package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// --- Job repo tests ---

func TestSQLiteStore_JobRepo_EnqueueAndGet(t *testing.T) {
	s := newTestSQLiteStore(t)

	runAt := time.Now().Add(time.Hour)
	id, err := s.EnqueueJob("document_process", runAt, `{"form_id":"pf_1"}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	if id == "" {
		t.Fatal("EnqueueJob returned empty ID")
	}

	job, err := s.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job == nil {
		t.Fatal("GetJob returned nil")
	}
	if job.Kind != "document_process" {
		t.Errorf("Expected kind 'document_process', got %q", job.Kind)
	}
	if job.Status != JobStatusQueued {
		t.Errorf("Expected status 'queued', got %q", job.Status)
	}
	if job.PayloadJSON != `{"form_id":"pf_1"}` {
		t.Errorf("Expected payload, got %q", job.PayloadJSON)
	}
}

func TestSQLiteStore_JobRepo_Dedupe(t *testing.T) {
	s := newTestSQLiteStore(t)

	runAt := time.Now()
	id1, err := s.EnqueueJob("document_process", runAt, `{}`, "doc:pf_1")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	id2, err := s.EnqueueJob("document_process", runAt, `{}`, "doc:pf_1")
	if err != nil {
		t.Fatalf("Second EnqueueJob failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("Expected dedupe to return same ID, got %q and %q", id1, id2)
	}

	// After the job completes, the dedupe key frees up.
	if err := s.CompleteJob(id1); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	id3, err := s.EnqueueJob("document_process", runAt, `{}`, "doc:pf_1")
	if err != nil {
		t.Fatalf("Third EnqueueJob failed: %v", err)
	}
	if id3 == id1 {
		t.Error("Expected new job after terminal status, got same ID")
	}
}

func TestSQLiteStore_JobRepo_ClaimAndProgress(t *testing.T) {
	s := newTestSQLiteStore(t)

	id, err := s.EnqueueJob("document_process", time.Now().Add(-time.Minute), `{}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	_, err = s.EnqueueJob("document_process", time.Now().Add(time.Hour), `{}`, "")
	if err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	jobs, err := s.ClaimDueJobs(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("Expected 1 due job, got %d", len(jobs))
	}
	if jobs[0].ID != id || jobs[0].Status != JobStatusRunning {
		t.Errorf("Claimed job mismatch: %+v", jobs[0])
	}

	if err := s.UpdateJobProgress(id, "extracting_responses"); err != nil {
		t.Fatalf("UpdateJobProgress failed: %v", err)
	}
	job, err := s.GetJob(id)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.Progress != "extracting_responses" {
		t.Errorf("Expected progress persisted, got %q", job.Progress)
	}

	// Claimed jobs are not claimable again.
	again, err := s.ClaimDueJobs(time.Now(), 10)
	if err != nil {
		t.Fatalf("Second ClaimDueJobs failed: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("Expected no claimable jobs, got %d", len(again))
	}
}

func TestSQLiteStore_JobRepo_FailAndRetry(t *testing.T) {
	s := newTestSQLiteStore(t)

	id, _ := s.EnqueueJob("document_process", time.Now().Add(-time.Minute), `{}`, "")
	if _, err := s.ClaimDueJobs(time.Now(), 1); err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}

	nextRun := time.Now().Add(30 * time.Second)
	if err := s.FailJob(id, "genai timeout", nextRun); err != nil {
		t.Fatalf("FailJob failed: %v", err)
	}
	job, _ := s.GetJob(id)
	if job.Status != JobStatusQueued {
		t.Errorf("Expected requeued after first failure, got %q", job.Status)
	}
	if job.Attempt != 1 || job.LastError != "genai timeout" {
		t.Errorf("Attempt/error not recorded: %+v", job)
	}

	// Exhaust remaining attempts.
	s.FailJob(id, "genai timeout", nextRun)
	s.FailJob(id, "genai timeout", nextRun)
	job, _ = s.GetJob(id)
	if job.Status != JobStatusFailed {
		t.Errorf("Expected permanently failed after max attempts, got %q", job.Status)
	}
}

func TestSQLiteStore_JobRepo_RequeueStale(t *testing.T) {
	s := newTestSQLiteStore(t)

	s.EnqueueJob("document_process", time.Now().Add(-time.Minute), `{}`, "")
	if _, err := s.ClaimDueJobs(time.Now(), 1); err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}

	n, err := s.RequeueStaleRunningJobs(time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("RequeueStaleRunningJobs failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 stale job requeued, got %d", n)
	}
}

// --- Outbox tests ---

func TestSQLiteStore_Outbox_Lifecycle(t *testing.T) {
	s := newTestSQLiteStore(t)

	id, err := s.EnqueueOutboxMessage("pat_1", "clinical_alert", `{"alert_id":"alert_1"}`, "alert_1")
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}

	// Same dedupe key returns the existing message.
	id2, err := s.EnqueueOutboxMessage("pat_1", "clinical_alert", `{"alert_id":"alert_1"}`, "alert_1")
	if err != nil {
		t.Fatalf("Second EnqueueOutboxMessage failed: %v", err)
	}
	if id2 != id {
		t.Errorf("Expected dedupe to return same ID, got %q and %q", id, id2)
	}

	msgs, err := s.ClaimDueOutboxMessages(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 claimable message, got %d", len(msgs))
	}
	if msgs[0].PatientID != "pat_1" || msgs[0].Status != OutboxStatusSending {
		t.Errorf("Claimed message mismatch: %+v", msgs[0])
	}

	if err := s.MarkOutboxMessageSent(id); err != nil {
		t.Fatalf("MarkOutboxMessageSent failed: %v", err)
	}
	again, _ := s.ClaimDueOutboxMessages(time.Now(), 10)
	if len(again) != 0 {
		t.Errorf("Expected no claimable messages after send, got %d", len(again))
	}
}

func TestSQLiteStore_Outbox_FailSchedulesRetry(t *testing.T) {
	s := newTestSQLiteStore(t)

	id, _ := s.EnqueueOutboxMessage("pat_1", "clinical_alert", `{}`, "")
	if _, err := s.ClaimDueOutboxMessages(time.Now(), 1); err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}

	nextAttempt := time.Now().Add(time.Hour)
	if err := s.FailOutboxMessage(id, "twilio 500", nextAttempt); err != nil {
		t.Fatalf("FailOutboxMessage failed: %v", err)
	}

	// Not yet due for retry.
	msgs, _ := s.ClaimDueOutboxMessages(time.Now(), 10)
	if len(msgs) != 0 {
		t.Errorf("Expected no claimable messages before retry time, got %d", len(msgs))
	}

	// Due once the retry time passes.
	msgs, _ = s.ClaimDueOutboxMessages(time.Now().Add(2*time.Hour), 10)
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 claimable message after retry time, got %d", len(msgs))
	}
	if msgs[0].Attempts != 1 || msgs[0].LastError != "twilio 500" {
		t.Errorf("Failure not recorded: %+v", msgs[0])
	}
}

// --- Runner tests ---

func TestJobRunner_DispatchesToHandler(t *testing.T) {
	s := NewInMemoryStore()
	runner := NewJobRunner(s, time.Second)

	var executed atomic.Int32
	runner.RegisterHandler("document_process", func(ctx context.Context, job Job) error {
		executed.Add(1)
		if job.PayloadJSON != `{"form_id":"pf_1"}` {
			t.Errorf("Handler received wrong payload: %q", job.PayloadJSON)
		}
		return nil
	})

	id, _ := s.EnqueueJob("document_process", time.Now().Add(-time.Second), `{"form_id":"pf_1"}`, "")
	runner.poll(context.Background())

	if executed.Load() != 1 {
		t.Fatalf("Expected handler to run once, ran %d times", executed.Load())
	}
	job, _ := s.GetJob(id)
	if job.Status != JobStatusDone {
		t.Errorf("Expected job done, got %q", job.Status)
	}
}

func TestJobRunner_FailureSchedulesBackoff(t *testing.T) {
	s := NewInMemoryStore()
	runner := NewJobRunner(s, time.Second)
	runner.RegisterHandler("document_process", func(ctx context.Context, job Job) error {
		return errors.New("extraction failed")
	})

	id, _ := s.EnqueueJob("document_process", time.Now().Add(-time.Second), `{}`, "")
	runner.poll(context.Background())

	job, _ := s.GetJob(id)
	if job.Status != JobStatusQueued {
		t.Errorf("Expected requeued for retry, got %q", job.Status)
	}
	if job.Attempt != 1 || job.LastError != "extraction failed" {
		t.Errorf("Failure not recorded: %+v", job)
	}
	if !job.RunAt.After(time.Now()) {
		t.Error("Expected retry scheduled in the future")
	}
}

func TestJobRunner_UnknownKindFails(t *testing.T) {
	s := NewInMemoryStore()
	runner := NewJobRunner(s, time.Second)

	id, _ := s.EnqueueJob("unknown_kind", time.Now().Add(-time.Second), `{}`, "")
	runner.poll(context.Background())

	job, _ := s.GetJob(id)
	if job.Status != JobStatusQueued || job.Attempt != 1 {
		t.Errorf("Expected failed attempt for unknown kind: %+v", job)
	}
}

func TestOutboxSender_SendsAndMarks(t *testing.T) {
	s := NewInMemoryStore()
	var sent atomic.Int32
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		sent.Add(1)
		return nil
	}, time.Second)

	id, _ := s.EnqueueOutboxMessage("pat_1", "clinical_alert", `{}`, "")
	sender.poll(context.Background())

	if sent.Load() != 1 {
		t.Fatalf("Expected 1 send, got %d", sent.Load())
	}
	msgs, _ := s.ClaimDueOutboxMessages(time.Now(), 10)
	if len(msgs) != 0 {
		t.Errorf("Expected message %s marked sent", id)
	}
}

func TestOutboxSender_FailureRetries(t *testing.T) {
	s := NewInMemoryStore()
	sender := NewOutboxSender(s, func(ctx context.Context, msg OutboxMessage) error {
		return errors.New("sms gateway unavailable")
	}, time.Second)

	s.EnqueueOutboxMessage("pat_1", "clinical_alert", `{}`, "")
	sender.poll(context.Background())

	msgs, _ := s.ClaimDueOutboxMessages(time.Now().Add(time.Hour), 10)
	if len(msgs) != 1 {
		t.Fatalf("Expected message requeued for retry, got %d", len(msgs))
	}
	if msgs[0].Attempts != 1 || msgs[0].LastError != "sms gateway unavailable" {
		t.Errorf("Failure not recorded: %+v", msgs[0])
	}
}
