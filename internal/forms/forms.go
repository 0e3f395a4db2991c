// Package forms evaluates patient form responses: typed parsing, clinical
// alert rules, and completion tracking.
package forms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/CareSignal/CarePipe/internal/models"
	"github.com/CareSignal/CarePipe/internal/store"
	"github.com/CareSignal/CarePipe/internal/util"
)

// Pain scale alert thresholds.
const (
	PainScaleHighThreshold   = 8.0
	PainScaleMediumThreshold = 6.0
)

// OutboxKindClinicalAlert is the outbox message kind for provider alert
// notifications.
const OutboxKindClinicalAlert = "clinical_alert"

// Error variables for evaluator failures.
var (
	ErrFormNotFound     = errors.New("patient form not found")
	ErrTemplateNotFound = errors.New("form template not found")
	ErrQuestionNotFound = errors.New("question not found in form template")
)

// dateLayouts are the accepted input formats for date answers. Dates are
// normalized to YYYY-MM-DD for storage.
var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"January 2, 2006",
	time.RFC3339,
}

// timeLayouts are the accepted input formats for time answers, normalized to
// HH:MM:SS.
var timeLayouts = []string{
	"15:04:05",
	"15:04",
	"3:04 PM",
	"3:04PM",
}

// truthyValues map to boolean true; anything else parses as false.
var truthyValues = map[string]bool{
	"yes":  true,
	"y":    true,
	"true": true,
	"1":    true,
}

// SaveResponseInput carries one raw answer for evaluation.
type SaveResponseInput struct {
	PatientFormID string
	QuestionID    string
	RawValue      string
	Method        models.ResponseMethod
}

// CompletionStatus summarizes how much of a form is answered.
type CompletionStatus struct {
	PatientFormID        string            `json:"patient_form_id"`
	TotalQuestions       int               `json:"total_questions"`
	AnsweredQuestions    int               `json:"answered_questions"`
	CompletionPercentage int               `json:"completion_percentage"`
	IsComplete           bool              `json:"is_complete"`
	Status               models.FormStatus `json:"status"`
}

// SaveResult reports the outcome of a response evaluation.
type SaveResult struct {
	Success         bool                   `json:"success"`
	ValidationError string                 `json:"validation_error,omitempty"`
	AlertsRaised    []models.ClinicalAlert `json:"alerts_raised,omitempty"`
	Completion      *CompletionStatus      `json:"completion,omitempty"`
}

// Evaluator processes form responses against their template definitions.
type Evaluator struct {
	store store.Store
}

// NewEvaluator creates a response evaluator backed by the given store.
func NewEvaluator(st store.Store) *Evaluator {
	return &Evaluator{store: st}
}

// SaveResponse parses one raw answer by its question's type, stores it,
// evaluates the question's clinical alert rules, and recomputes form
// completion. Unparseable numeric input is rejected without a write; other
// parse problems are recorded but the answer is kept as text. Duplicate
// submissions for the same (form, question) replace the earlier answer.
func (e *Evaluator) SaveResponse(ctx context.Context, in SaveResponseInput) (*SaveResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	slog.Debug("Evaluator.SaveResponse: evaluating response", "formID", in.PatientFormID, "questionID", in.QuestionID)

	form, err := e.store.GetPatientForm(in.PatientFormID)
	if err != nil {
		return nil, fmt.Errorf("failed to load patient form %s: %w", in.PatientFormID, err)
	}
	if form == nil {
		return nil, ErrFormNotFound
	}
	template, err := e.store.GetFormTemplate(form.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load form template %s: %w", form.TemplateID, err)
	}
	if template == nil {
		return nil, ErrTemplateNotFound
	}

	var question *models.Question
	for _, q := range template.Questions() {
		if q.ID == in.QuestionID {
			qCopy := q
			question = &qCopy
			break
		}
	}
	if question == nil {
		return nil, ErrQuestionNotFound
	}

	response, validationErr := parseResponse(*question, in)
	if response == nil {
		// Rejected input: the write is skipped entirely.
		slog.Info("Evaluator.SaveResponse: rejected response", "formID", in.PatientFormID,
			"questionID", in.QuestionID, "validation", validationErr)
		return &SaveResult{Success: false, ValidationError: validationErr}, nil
	}

	if err := e.store.UpsertQuestionResponse(*response); err != nil {
		slog.Error("Evaluator.SaveResponse: persistence failed", "formID", in.PatientFormID,
			"questionID", in.QuestionID, "error", err)
		return &SaveResult{Success: false, ValidationError: "failed to store response: " + err.Error()}, nil
	}

	alerts := e.evaluateAlerts(ctx, form, *question, *response)

	completion, err := e.recomputeCompletion(form, template)
	if err != nil {
		slog.Error("Evaluator.SaveResponse: completion recompute failed", "formID", in.PatientFormID, "error", err)
	}

	slog.Info("Evaluator.SaveResponse: response recorded", "formID", in.PatientFormID,
		"questionID", in.QuestionID, "alerts", len(alerts))
	return &SaveResult{
		Success:         true,
		ValidationError: validationErr,
		AlertsRaised:    alerts,
		Completion:      completion,
	}, nil
}

// FormCompletionStatus reports the current completion state of a form without
// modifying it.
func (e *Evaluator) FormCompletionStatus(ctx context.Context, formID string) (*CompletionStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	form, err := e.store.GetPatientForm(formID)
	if err != nil {
		return nil, fmt.Errorf("failed to load patient form %s: %w", formID, err)
	}
	if form == nil {
		return nil, ErrFormNotFound
	}
	template, err := e.store.GetFormTemplate(form.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load form template %s: %w", form.TemplateID, err)
	}
	if template == nil {
		return nil, ErrTemplateNotFound
	}
	responses, err := e.store.GetQuestionResponses(formID)
	if err != nil {
		return nil, fmt.Errorf("failed to load responses for form %s: %w", formID, err)
	}
	status := computeCompletion(form, template, responses)
	return &status, nil
}

// parseResponse converts a raw answer into a typed QuestionResponse. A nil
// response means the input was rejected; a non-empty validation string with a
// non-nil response means the value was kept in degraded (text) form.
func parseResponse(q models.Question, in SaveResponseInput) (*models.QuestionResponse, string) {
	now := time.Now()
	r := models.QuestionResponse{
		ID:            util.GenerateResponseID(),
		PatientFormID: in.PatientFormID,
		QuestionID:    in.QuestionID,
		Method:        in.Method,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	raw := strings.TrimSpace(in.RawValue)

	switch q.Type {
	case models.QuestionTypeNumber, models.QuestionTypePainScale:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Sprintf("invalid numeric value %q for question %s", raw, q.ID)
		}
		r.ResponseType = models.ResponseTypeNumber
		r.NumberValue = &v
		return &r, ""

	case models.QuestionTypeDate:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, raw); err == nil {
				r.ResponseType = models.ResponseTypeDate
				r.DateValue = t.Format("2006-01-02")
				return &r, ""
			}
		}
		r.ResponseType = models.ResponseTypeText
		r.TextValue = raw
		return &r, fmt.Sprintf("unrecognized date format %q, stored as text", raw)

	case models.QuestionTypeTime:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, raw); err == nil {
				r.ResponseType = models.ResponseTypeTime
				r.TimeValue = t.Format("15:04:05")
				return &r, ""
			}
		}
		r.ResponseType = models.ResponseTypeText
		r.TextValue = raw
		return &r, fmt.Sprintf("unrecognized time format %q, stored as text", raw)

	case models.QuestionTypeBoolean:
		v := truthyValues[strings.ToLower(raw)]
		r.ResponseType = models.ResponseTypeBoolean
		r.BooleanValue = &v
		return &r, ""

	default:
		r.ResponseType = models.ResponseTypeText
		r.TextValue = raw
		return &r, ""
	}
}

// evaluateAlerts runs every applicable rule category independently and
// persists the resulting alerts. Alerts flagged for provider notification are
// enqueued on the outbox keyed by alert ID; the evaluator never sends
// directly.
func (e *Evaluator) evaluateAlerts(ctx context.Context, form *models.PatientForm, q models.Question, r models.QuestionResponse) []models.ClinicalAlert {
	var alerts []models.ClinicalAlert

	if q.Type == models.QuestionTypePainScale && r.NumberValue != nil {
		v := *r.NumberValue
		switch {
		case v >= PainScaleHighThreshold:
			alerts = append(alerts, newAlert(form, q, models.AlertTypePainThreshold,
				models.SeverityHigh, true,
				fmt.Sprintf("Pain level %g reported (threshold %g)", v, PainScaleHighThreshold)))
		case v >= PainScaleMediumThreshold:
			alerts = append(alerts, newAlert(form, q, models.AlertTypePainThreshold,
				models.SeverityMedium, false,
				fmt.Sprintf("Elevated pain level %g reported", v)))
		}
	}

	rule := q.ClinicalAlert
	if rule != nil && rule.HasRules() {
		severity := rule.Severity
		if severity == "" {
			severity = models.SeverityMedium
		}

		if r.NumberValue != nil {
			v := *r.NumberValue
			if rule.MaxThreshold != nil && v > *rule.MaxThreshold {
				alerts = append(alerts, newAlert(form, q, models.AlertTypeThresholdExceeded,
					severity, rule.ImmediateAction,
					fmt.Sprintf("Value %g exceeds maximum threshold %g", v, *rule.MaxThreshold)))
			}
			if rule.MinThreshold != nil && v < *rule.MinThreshold {
				alerts = append(alerts, newAlert(form, q, models.AlertTypeThresholdExceeded,
					severity, rule.ImmediateAction,
					fmt.Sprintf("Value %g below minimum threshold %g", v, *rule.MinThreshold)))
			}
		}

		if rule.ConcerningIfYes && r.BooleanValue != nil && *r.BooleanValue {
			alerts = append(alerts, newAlert(form, q, models.AlertTypeConcerningResponse,
				severity, rule.ImmediateAction,
				fmt.Sprintf("Concerning response to %q", q.Text)))
		}

		if len(rule.AlertKeywords) > 0 && r.TextValue != "" {
			lower := strings.ToLower(r.TextValue)
			var matched []string
			for _, kw := range rule.AlertKeywords {
				if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
					matched = append(matched, kw)
				}
			}
			if len(matched) > 0 {
				alerts = append(alerts, newAlert(form, q, models.AlertTypeKeywordDetected,
					severity, rule.ImmediateAction,
					fmt.Sprintf("Response contains alert keywords: %s", strings.Join(matched, ", "))))
			}
		}
	}

	for i := range alerts {
		if err := e.store.AddClinicalAlert(alerts[i]); err != nil {
			slog.Error("Evaluator.evaluateAlerts: failed to persist alert",
				"alertID", alerts[i].ID, "error", err)
			continue
		}
		if alerts[i].NotifyProvider {
			e.enqueueProviderNotification(ctx, alerts[i])
		}
	}
	return alerts
}

func newAlert(form *models.PatientForm, q models.Question, alertType models.AlertType,
	severity models.AlertSeverity, immediate bool, message string) models.ClinicalAlert {
	return models.ClinicalAlert{
		ID:                      util.GenerateAlertID(),
		PatientID:               form.PatientID,
		PatientFormID:           form.ID,
		QuestionID:              q.ID,
		Type:                    alertType,
		Severity:                severity,
		Message:                 message,
		RequiresImmediateAction: immediate,
		NotifyProvider: immediate || severity == models.SeverityHigh ||
			severity == models.SeverityCritical,
		CreatedAt: time.Now(),
	}
}

func (e *Evaluator) enqueueProviderNotification(ctx context.Context, alert models.ClinicalAlert) {
	payload, err := json.Marshal(alert)
	if err != nil {
		slog.Error("Evaluator.enqueueProviderNotification: marshal failed", "alertID", alert.ID, "error", err)
		return
	}
	// Dedupe on alert ID: re-evaluation of the same response never double-notifies.
	if _, err := e.store.EnqueueOutboxMessage(alert.PatientID, OutboxKindClinicalAlert, string(payload), alert.ID); err != nil {
		slog.Error("Evaluator.enqueueProviderNotification: enqueue failed", "alertID", alert.ID, "error", err)
	}
}

// recomputeCompletion recalculates the form's completion state after a write
// and persists the transition. A completed form never moves backwards.
func (e *Evaluator) recomputeCompletion(form *models.PatientForm, template *models.FormTemplate) (*CompletionStatus, error) {
	responses, err := e.store.GetQuestionResponses(form.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load responses for form %s: %w", form.ID, err)
	}
	status := computeCompletion(form, template, responses)

	if status.Status != form.Status || status.CompletionPercentage != form.CompletionPercentage {
		var completedAt *time.Time
		if form.CompletedAt != nil {
			completedAt = form.CompletedAt
		} else if status.Status == models.FormStatusCompleted {
			now := time.Now()
			completedAt = &now
		}
		if err := e.store.UpdatePatientFormStatus(form.ID, status.Status, status.CompletionPercentage, completedAt); err != nil {
			return &status, fmt.Errorf("failed to update form status: %w", err)
		}
	}
	return &status, nil
}

// computeCompletion derives the completion summary from template questions and
// stored responses. Percentage counts every question; completeness only the
// required ones.
func computeCompletion(form *models.PatientForm, template *models.FormTemplate, responses []models.QuestionResponse) CompletionStatus {
	questions := template.Questions()
	answered := make(map[string]bool, len(responses))
	for _, r := range responses {
		answered[r.QuestionID] = true
	}

	total := len(questions)
	answeredCount := 0
	requiredAnswered := true
	for _, q := range questions {
		if answered[q.ID] {
			answeredCount++
		} else if q.IsRequired {
			requiredAnswered = false
		}
	}

	pct := 0
	if total > 0 {
		pct = answeredCount * 100 / total
	}
	isComplete := total > 0 && requiredAnswered

	status := form.Status
	switch {
	case form.Status == models.FormStatusCompleted:
		// Completed never regresses.
	case isComplete:
		status = models.FormStatusCompleted
	case answeredCount > 0:
		status = models.FormStatusInProgress
	}

	return CompletionStatus{
		PatientFormID:        form.ID,
		TotalQuestions:       total,
		AnsweredQuestions:    answeredCount,
		CompletionPercentage: pct,
		IsComplete:           isComplete || form.Status == models.FormStatusCompleted,
		Status:               status,
	}
}
