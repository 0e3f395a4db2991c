// Package docproc extracts form answers from free-text documents with the GenAI
// client and runs them through the response evaluator. Submissions become
// durable jobs so extraction survives restarts and can be polled by clients.
package docproc

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/CareSignal/CarePipe/internal/forms"
	"github.com/CareSignal/CarePipe/internal/models"
	"github.com/CareSignal/CarePipe/internal/store"
)

// JobKindDocumentProcess is the job queue kind for document extraction work.
const JobKindDocumentProcess = "document_process"

// Progress stage labels recorded on the job as processing advances.
const (
	StageExtractingResponses = "extracting_responses"
	StageEvaluatingResponses = "evaluating_responses"
	StageGeneratingDocument  = "generating_document"
)

// DefaultDocumentBaseURL is where generated documents are published.
const DefaultDocumentBaseURL = "https://docs.carepipe.example.com/forms"

var (
	// ErrFormNotFound indicates the target patient form does not exist.
	ErrFormNotFound = errors.New("patient form not found")
	// ErrEmptyDocument indicates the submitted document has no text.
	ErrEmptyDocument = errors.New("document text is empty")
)

// generator is the slice of the GenAI client the processor needs.
type generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Processor turns submitted documents into evaluated form responses.
type Processor struct {
	store store.Store
	jobs  store.JobRepo
	gen   generator
}

// NewProcessor creates a Processor over the given store, job queue, and
// GenAI client.
func NewProcessor(st store.Store, jobs store.JobRepo, gen generator) *Processor {
	return &Processor{store: st, jobs: jobs, gen: gen}
}

// SubmitRequest identifies the form and carries the raw document text.
type SubmitRequest struct {
	PatientFormID string `json:"patient_form_id"`
	DocumentText  string `json:"document_text"`
}

// SubmitResult reports the job tracking the submission.
type SubmitResult struct {
	JobID string `json:"job_id"`
}

// jobPayload is the persisted job body for document_process jobs.
type jobPayload struct {
	PatientFormID string `json:"patient_form_id"`
	DocumentText  string `json:"document_text"`
}

// SubmitDocument enqueues a document extraction job. Resubmitting the same
// document for the same form returns the existing job instead of a duplicate.
func (p *Processor) SubmitDocument(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.DocumentText) == "" {
		return nil, ErrEmptyDocument
	}

	form, err := p.store.GetPatientForm(req.PatientFormID)
	if err != nil {
		return nil, fmt.Errorf("failed to load patient form %s: %w", req.PatientFormID, err)
	}
	if form == nil {
		return nil, ErrFormNotFound
	}

	payload, err := json.Marshal(jobPayload{
		PatientFormID: req.PatientFormID,
		DocumentText:  req.DocumentText,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	docHash := sha256.Sum256([]byte(req.DocumentText))
	dedupeKey := fmt.Sprintf("docproc_%s_%x", req.PatientFormID, docHash[:8])

	jobID, err := p.jobs.EnqueueJob(JobKindDocumentProcess, time.Now(), string(payload), dedupeKey)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue document job: %w", err)
	}
	slog.Info("Processor.SubmitDocument: job enqueued", "jobID", jobID, "formID", req.PatientFormID)
	return &SubmitResult{JobID: jobID}, nil
}

// JobStatus retrieves the tracking job for a submitted document.
func (p *Processor) JobStatus(id string) (*store.Job, error) {
	return p.jobs.GetJob(id)
}

// JobHandler returns the handler the job runner dispatches document_process
// jobs to.
func (p *Processor) JobHandler() store.JobHandler {
	return func(ctx context.Context, job store.Job) error {
		var payload jobPayload
		if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
			return fmt.Errorf("failed to decode job payload: %w", err)
		}
		return p.process(ctx, job.ID, payload)
	}
}

func (p *Processor) process(ctx context.Context, jobID string, payload jobPayload) error {
	p.setProgress(jobID, StageExtractingResponses)

	form, err := p.store.GetPatientForm(payload.PatientFormID)
	if err != nil {
		return fmt.Errorf("failed to load patient form %s: %w", payload.PatientFormID, err)
	}
	if form == nil {
		return ErrFormNotFound
	}
	template, err := p.store.GetFormTemplate(form.TemplateID)
	if err != nil {
		return fmt.Errorf("failed to load form template %s: %w", form.TemplateID, err)
	}
	if template == nil {
		return fmt.Errorf("form template %s not found", form.TemplateID)
	}

	answers, err := p.extractAnswers(ctx, template, payload.DocumentText)
	if err != nil {
		return err
	}
	slog.Info("Processor.process: answers extracted", "jobID", jobID, "formID", form.ID, "count", len(answers))

	p.setProgress(jobID, StageEvaluatingResponses)

	evaluator := forms.NewEvaluator(p.store)
	questions := template.Questions()
	saved := 0
	alerts := 0
	for _, q := range questions {
		raw, ok := answers[q.ID]
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		result, err := evaluator.SaveResponse(ctx, forms.SaveResponseInput{
			PatientFormID: form.ID,
			QuestionID:    q.ID,
			RawValue:      raw,
			Method:        models.ResponseMethodAIExtracted,
		})
		if err != nil {
			return fmt.Errorf("failed to evaluate extracted answer for question %s: %w", q.ID, err)
		}
		if !result.Success {
			slog.Warn("Processor.process: extracted answer rejected",
				"jobID", jobID, "questionID", q.ID, "reason", result.ValidationError)
			continue
		}
		saved++
		alerts += len(result.AlertsRaised)
	}
	slog.Info("Processor.process: responses evaluated",
		"jobID", jobID, "formID", form.ID, "saved", saved, "alertsRaised", alerts)

	updated, err := p.store.GetPatientForm(form.ID)
	if err != nil {
		return fmt.Errorf("failed to reload patient form %s: %w", form.ID, err)
	}
	if updated != nil && updated.Status == models.FormStatusCompleted {
		p.setProgress(jobID, StageGeneratingDocument)
		if err := p.generateDocument(ctx, updated.ID); err != nil {
			return err
		}
	}
	return nil
}

// extractAnswers asks the model to read the document and answer the template's
// questions as a JSON object keyed by question id.
func (p *Processor) extractAnswers(ctx context.Context, template *models.FormTemplate, documentText string) (map[string]string, error) {
	systemPrompt := buildExtractionPrompt(template)
	raw, err := p.gen.Generate(ctx, systemPrompt, documentText)
	if err != nil {
		return nil, fmt.Errorf("failed to extract answers: %w", err)
	}

	var answers map[string]string
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &answers); err != nil {
		return nil, fmt.Errorf("failed to parse extraction output: %w", err)
	}
	return answers, nil
}

func buildExtractionPrompt(template *models.FormTemplate) string {
	var b strings.Builder
	b.WriteString("You are a clinical form assistant. Read the patient document provided by the user ")
	b.WriteString("and answer the following questions using only information stated in the document.\n\n")
	b.WriteString("Questions:\n")
	for _, q := range template.Questions() {
		fmt.Fprintf(&b, "- id: %s, type: %s, question: %s\n", q.ID, q.Type, q.Text)
	}
	b.WriteString("\nRespond with a single JSON object mapping question id to the answer as a string. ")
	b.WriteString("Use \"yes\" or \"no\" for boolean questions, plain numbers for numeric questions, ")
	b.WriteString("and YYYY-MM-DD for dates. Omit questions the document does not answer. ")
	b.WriteString("Do not include any text outside the JSON object.")
	return b.String()
}

// extractJSONObject trims surrounding prose or markdown fencing the model may
// wrap around its JSON output.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}

// generateDocument stands in for the PDF generation service. It stores a stub
// URL on the completed form.
func (p *Processor) generateDocument(ctx context.Context, formID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	url := fmt.Sprintf("%s/%s.pdf", DefaultDocumentBaseURL, formID)
	if err := p.store.SetPatientFormDocumentURL(formID, url); err != nil {
		return fmt.Errorf("failed to store document URL for form %s: %w", formID, err)
	}
	slog.Info("Processor.generateDocument: document generated", "formID", formID, "url", url)
	return nil
}

func (p *Processor) setProgress(jobID, stage string) {
	if err := p.jobs.UpdateJobProgress(jobID, stage); err != nil {
		slog.Warn("Processor.setProgress: failed to record progress", "jobID", jobID, "stage", stage, "error", err)
	}
}
