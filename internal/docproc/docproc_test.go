package docproc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/CareSignal/CarePipe/internal/models"
	"github.com/CareSignal/CarePipe/internal/store"
)

// mockGenerator returns canned extraction output.
type mockGenerator struct {
	response   string
	err        error
	lastSystem string
	lastUser   string
}

func (m *mockGenerator) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	m.lastSystem = systemPrompt
	m.lastUser = userPrompt
	if m.err != nil {
		return "", m.err
	}
	return m.response, nil
}

// seedDocStore installs a 3-question template (all required) and an open
// patient form.
func seedDocStore(t *testing.T) *store.InMemoryStore {
	t.Helper()
	s := store.NewInMemoryStore()
	now := time.Now()

	tmpl := models.FormTemplate{
		ID:   "tmpl_post_op",
		Name: "Post-Op Summary",
		Sections: []models.FormSection{
			{
				ID: "sec_main", TemplateID: "tmpl_post_op", Title: "Summary", Position: 0,
				Questions: []models.Question{
					{ID: "q_pain", SectionID: "sec_main", Text: "Rate your pain from 0 to 10",
						Type: models.QuestionTypePainScale, IsRequired: true, Position: 0},
					{ID: "q_mobile", SectionID: "sec_main", Text: "Can you walk unassisted?",
						Type: models.QuestionTypeBoolean, IsRequired: true, Position: 1},
					{ID: "q_notes", SectionID: "sec_main", Text: "Anything else to report?",
						Type: models.QuestionTypeText, IsRequired: true, Position: 2},
				},
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.SaveFormTemplate(tmpl); err != nil {
		t.Fatalf("SaveFormTemplate failed: %v", err)
	}
	if err := s.SavePatientForm(models.PatientForm{
		ID: "pf_doc", TemplateID: "tmpl_post_op", PatientID: "pat_1",
		Status: models.FormStatusNotStarted, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("SavePatientForm failed: %v", err)
	}
	return s
}

func TestSubmitDocument_EnqueuesJob(t *testing.T) {
	s := seedDocStore(t)
	p := NewProcessor(s, s, &mockGenerator{})

	result, err := p.SubmitDocument(context.Background(), SubmitRequest{
		PatientFormID: "pf_doc",
		DocumentText:  "Patient reports pain at 4 of 10 and is walking unassisted.",
	})
	if err != nil {
		t.Fatalf("SubmitDocument failed: %v", err)
	}
	job, err := p.JobStatus(result.JobID)
	if err != nil || job == nil {
		t.Fatalf("JobStatus failed: %v", err)
	}
	if job.Kind != JobKindDocumentProcess {
		t.Errorf("Expected kind %s, got %s", JobKindDocumentProcess, job.Kind)
	}
	if job.Status != store.JobStatusQueued {
		t.Errorf("Expected queued job, got %s", job.Status)
	}
	var payload jobPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		t.Fatalf("Payload not decodable: %v", err)
	}
	if payload.PatientFormID != "pf_doc" {
		t.Errorf("Payload form mismatch: %+v", payload)
	}
}

func TestSubmitDocument_DedupesSameDocument(t *testing.T) {
	s := seedDocStore(t)
	p := NewProcessor(s, s, &mockGenerator{})
	doc := "Same discharge summary."

	first, err := p.SubmitDocument(context.Background(), SubmitRequest{PatientFormID: "pf_doc", DocumentText: doc})
	if err != nil {
		t.Fatalf("First submit failed: %v", err)
	}
	second, err := p.SubmitDocument(context.Background(), SubmitRequest{PatientFormID: "pf_doc", DocumentText: doc})
	if err != nil {
		t.Fatalf("Second submit failed: %v", err)
	}
	if first.JobID != second.JobID {
		t.Errorf("Expected dedupe to return the same job, got %s and %s", first.JobID, second.JobID)
	}

	third, err := p.SubmitDocument(context.Background(), SubmitRequest{PatientFormID: "pf_doc", DocumentText: doc + " Updated."})
	if err != nil {
		t.Fatalf("Third submit failed: %v", err)
	}
	if third.JobID == first.JobID {
		t.Error("Different document should enqueue a new job")
	}
}

func TestSubmitDocument_Validation(t *testing.T) {
	s := seedDocStore(t)
	p := NewProcessor(s, s, &mockGenerator{})

	if _, err := p.SubmitDocument(context.Background(), SubmitRequest{PatientFormID: "pf_doc", DocumentText: "   "}); !errors.Is(err, ErrEmptyDocument) {
		t.Errorf("Expected ErrEmptyDocument, got %v", err)
	}
	if _, err := p.SubmitDocument(context.Background(), SubmitRequest{PatientFormID: "pf_missing", DocumentText: "text"}); !errors.Is(err, ErrFormNotFound) {
		t.Errorf("Expected ErrFormNotFound, got %v", err)
	}
}

func runJob(t *testing.T, p *Processor, s *store.InMemoryStore, jobID string) error {
	t.Helper()
	job, err := s.GetJob(jobID)
	if err != nil || job == nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	return p.JobHandler()(context.Background(), *job)
}

func TestJobHandler_ExtractsAndEvaluates(t *testing.T) {
	s := seedDocStore(t)
	gen := &mockGenerator{response: `{"q_pain": "4", "q_mobile": "yes"}`}
	p := NewProcessor(s, s, gen)

	result, err := p.SubmitDocument(context.Background(), SubmitRequest{
		PatientFormID: "pf_doc",
		DocumentText:  "Pain is 4 of 10. Walking unassisted since Tuesday.",
	})
	if err != nil {
		t.Fatalf("SubmitDocument failed: %v", err)
	}
	if err := runJob(t, p, s, result.JobID); err != nil {
		t.Fatalf("Job handler failed: %v", err)
	}

	if !strings.Contains(gen.lastSystem, "q_pain") || !strings.Contains(gen.lastSystem, "Rate your pain") {
		t.Errorf("Extraction prompt missing question details: %s", gen.lastSystem)
	}
	if !strings.Contains(gen.lastUser, "Walking unassisted") {
		t.Error("Document text not passed to the model")
	}

	r, _ := s.GetQuestionResponse("pf_doc", "q_pain")
	if r == nil || r.NumberValue == nil || *r.NumberValue != 4 {
		t.Errorf("Pain answer not persisted: %+v", r)
	}
	if r.Method != models.ResponseMethodAIExtracted {
		t.Errorf("Expected ai_extracted method, got %s", r.Method)
	}
	r, _ = s.GetQuestionResponse("pf_doc", "q_mobile")
	if r == nil || r.BooleanValue == nil || !*r.BooleanValue {
		t.Errorf("Boolean answer not persisted: %+v", r)
	}

	// q_notes unanswered: form incomplete, no document generated.
	form, _ := s.GetPatientForm("pf_doc")
	if form.Status != models.FormStatusInProgress {
		t.Errorf("Expected in_progress form, got %s", form.Status)
	}
	if form.DocumentURL != "" {
		t.Errorf("Document should not be generated for incomplete form, got %s", form.DocumentURL)
	}

	job, _ := s.GetJob(result.JobID)
	if job.Progress != StageEvaluatingResponses {
		t.Errorf("Expected progress %s, got %s", StageEvaluatingResponses, job.Progress)
	}
}

func TestJobHandler_CompletionGeneratesDocument(t *testing.T) {
	s := seedDocStore(t)
	gen := &mockGenerator{response: "```json\n{\"q_pain\": \"3\", \"q_mobile\": \"no\", \"q_notes\": \"Incision healing well\"}\n```"}
	p := NewProcessor(s, s, gen)

	result, err := p.SubmitDocument(context.Background(), SubmitRequest{
		PatientFormID: "pf_doc",
		DocumentText:  "Full visit summary.",
	})
	if err != nil {
		t.Fatalf("SubmitDocument failed: %v", err)
	}
	if err := runJob(t, p, s, result.JobID); err != nil {
		t.Fatalf("Job handler failed: %v", err)
	}

	form, _ := s.GetPatientForm("pf_doc")
	if form.Status != models.FormStatusCompleted {
		t.Fatalf("Expected completed form, got %s", form.Status)
	}
	if !strings.HasPrefix(form.DocumentURL, DefaultDocumentBaseURL) || !strings.Contains(form.DocumentURL, "pf_doc") {
		t.Errorf("Unexpected document URL: %s", form.DocumentURL)
	}

	job, _ := s.GetJob(result.JobID)
	if job.Progress != StageGeneratingDocument {
		t.Errorf("Expected progress %s, got %s", StageGeneratingDocument, job.Progress)
	}
}

func TestJobHandler_ModelFailure(t *testing.T) {
	s := seedDocStore(t)
	p := NewProcessor(s, s, &mockGenerator{err: errors.New("rate limited")})

	result, err := p.SubmitDocument(context.Background(), SubmitRequest{PatientFormID: "pf_doc", DocumentText: "doc"})
	if err != nil {
		t.Fatalf("SubmitDocument failed: %v", err)
	}
	if err := runJob(t, p, s, result.JobID); err == nil {
		t.Error("Expected handler error on model failure")
	}

	p2 := NewProcessor(s, s, &mockGenerator{response: "I could not find any answers."})
	if err := runJob(t, p2, s, result.JobID); err == nil {
		t.Error("Expected handler error on unparseable model output")
	}
}

func TestExtractJSONObject(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"a": "1"}`, `{"a": "1"}`},
		{"```json\n{\"a\": \"1\"}\n```", `{"a": "1"}`},
		{`Here you go: {"a": "1"} hope that helps`, `{"a": "1"}`},
		{"no json here", "no json here"},
	}
	for _, tc := range cases {
		if got := extractJSONObject(tc.in); got != tc.want {
			t.Errorf("extractJSONObject(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
