package forms

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/CareSignal/CarePipe/internal/models"
	"github.com/CareSignal/CarePipe/internal/store"
)

// seedForm installs a 5-question template (3 required) and an open patient
// form against it.
func seedForm(t *testing.T) *store.InMemoryStore {
	t.Helper()
	s := store.NewInMemoryStore()
	now := time.Now()

	maxTemp := 38.5
	tmpl := models.FormTemplate{
		ID:   "tmpl_daily",
		Name: "Daily Recovery Check-In",
		Sections: []models.FormSection{
			{
				ID: "sec_vitals", TemplateID: "tmpl_daily", Title: "Vitals", Position: 0,
				Questions: []models.Question{
					{ID: "q_pain", SectionID: "sec_vitals", Text: "Rate your pain from 0 to 10",
						Type: models.QuestionTypePainScale, IsRequired: true, Position: 0},
					{ID: "q_temp", SectionID: "sec_vitals", Text: "What is your temperature?",
						Type: models.QuestionTypeNumber, IsRequired: true, Position: 1,
						ClinicalAlert: &models.ClinicalAlertRule{
							MaxThreshold: &maxTemp,
							Severity:     models.SeverityHigh,
						}},
					{ID: "q_swelling", SectionID: "sec_vitals", Text: "Is the incision site swollen?",
						Type: models.QuestionTypeBoolean, IsRequired: true, Position: 2,
						ClinicalAlert: &models.ClinicalAlertRule{
							ConcerningIfYes: true,
						}},
				},
			},
			{
				ID: "sec_notes", TemplateID: "tmpl_daily", Title: "Notes", Position: 1,
				Questions: []models.Question{
					{ID: "q_notes", SectionID: "sec_notes", Text: "Anything else to report?",
						Type: models.QuestionTypeText, IsRequired: false, Position: 0,
						ClinicalAlert: &models.ClinicalAlertRule{
							AlertKeywords: []string{"bleeding", "fever", "chest pain"},
							Severity:      models.SeverityHigh,
						}},
					{ID: "q_meds_time", SectionID: "sec_notes", Text: "When did you last take pain medication?",
						Type: models.QuestionTypeTime, IsRequired: false, Position: 1},
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
		ID: "pf_1", TemplateID: "tmpl_daily", PatientID: "pat_1",
		Status: models.FormStatusNotStarted, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("SavePatientForm failed: %v", err)
	}
	return s
}

func saveOK(t *testing.T, e *Evaluator, questionID, raw string) *SaveResult {
	t.Helper()
	result, err := e.SaveResponse(context.Background(), SaveResponseInput{
		PatientFormID: "pf_1",
		QuestionID:    questionID,
		RawValue:      raw,
		Method:        models.ResponseMethodManual,
	})
	if err != nil {
		t.Fatalf("SaveResponse(%s, %q) errored: %v", questionID, raw, err)
	}
	if !result.Success {
		t.Fatalf("SaveResponse(%s, %q) not successful: %s", questionID, raw, result.ValidationError)
	}
	return result
}

func TestSaveResponse_TypedParsing(t *testing.T) {
	s := seedForm(t)
	e := NewEvaluator(s)

	saveOK(t, e, "q_temp", "37.2")
	r, _ := s.GetQuestionResponse("pf_1", "q_temp")
	if r == nil || r.NumberValue == nil || *r.NumberValue != 37.2 {
		t.Errorf("Number not parsed: %+v", r)
	}

	saveOK(t, e, "q_swelling", "Yes")
	r, _ = s.GetQuestionResponse("pf_1", "q_swelling")
	if r == nil || r.BooleanValue == nil || !*r.BooleanValue {
		t.Errorf("Truthy boolean not parsed: %+v", r)
	}

	saveOK(t, e, "q_swelling", "no")
	r, _ = s.GetQuestionResponse("pf_1", "q_swelling")
	if r.BooleanValue == nil || *r.BooleanValue {
		t.Errorf("Falsy boolean not parsed: %+v", r)
	}

	saveOK(t, e, "q_meds_time", "3:04 PM")
	r, _ = s.GetQuestionResponse("pf_1", "q_meds_time")
	if r.TimeValue != "15:04:00" {
		t.Errorf("Time not normalized: %q", r.TimeValue)
	}

	saveOK(t, e, "q_notes", "Feeling better today")
	r, _ = s.GetQuestionResponse("pf_1", "q_notes")
	if r.TextValue != "Feeling better today" || r.ResponseType != models.ResponseTypeText {
		t.Errorf("Text not stored: %+v", r)
	}
}

func TestSaveResponse_MalformedNumberRejected(t *testing.T) {
	s := seedForm(t)
	e := NewEvaluator(s)

	for _, raw := range []string{"not a number", "NaN", "+Inf", ""} {
		result, err := e.SaveResponse(context.Background(), SaveResponseInput{
			PatientFormID: "pf_1",
			QuestionID:    "q_temp",
			RawValue:      raw,
			Method:        models.ResponseMethodManual,
		})
		if err != nil {
			t.Fatalf("SaveResponse(%q) errored instead of returning a result: %v", raw, err)
		}
		if result.Success {
			t.Errorf("Expected rejection for %q", raw)
		}
		if result.ValidationError == "" {
			t.Errorf("Expected validation error for %q", raw)
		}
	}

	// Rejected input leaves no trace.
	r, _ := s.GetQuestionResponse("pf_1", "q_temp")
	if r != nil {
		t.Errorf("Expected no stored response after rejections, got %+v", r)
	}
}

func TestSaveResponse_UpsertIdempotent(t *testing.T) {
	s := seedForm(t)
	e := NewEvaluator(s)

	saveOK(t, e, "q_pain", "4")
	saveOK(t, e, "q_pain", "5")

	all, _ := s.GetQuestionResponses("pf_1")
	if len(all) != 1 {
		t.Fatalf("Expected 1 response after duplicate submission, got %d", len(all))
	}
	if *all[0].NumberValue != 5 {
		t.Errorf("Expected latest value 5, got %g", *all[0].NumberValue)
	}
}

func TestSaveResponse_PainScaleSeverities(t *testing.T) {
	cases := []struct {
		raw       string
		alerts    int
		severity  models.AlertSeverity
		immediate bool
	}{
		{"9", 1, models.SeverityHigh, true},
		{"8", 1, models.SeverityHigh, true},
		{"7", 1, models.SeverityMedium, false},
		{"6", 1, models.SeverityMedium, false},
		{"3", 0, "", false},
	}
	for _, c := range cases {
		t.Run("pain "+c.raw, func(t *testing.T) {
			s := seedForm(t)
			e := NewEvaluator(s)
			result := saveOK(t, e, "q_pain", c.raw)
			if len(result.AlertsRaised) != c.alerts {
				t.Fatalf("Expected %d alerts for pain %s, got %d", c.alerts, c.raw, len(result.AlertsRaised))
			}
			if c.alerts == 0 {
				return
			}
			a := result.AlertsRaised[0]
			if a.Type != models.AlertTypePainThreshold {
				t.Errorf("Expected pain_threshold alert, got %s", a.Type)
			}
			if a.Severity != c.severity || a.RequiresImmediateAction != c.immediate {
				t.Errorf("Pain %s: got severity=%s immediate=%v", c.raw, a.Severity, a.RequiresImmediateAction)
			}
			stored, _ := s.GetPatientAlerts("pat_1")
			if len(stored) != c.alerts {
				t.Errorf("Expected %d persisted alerts, got %d", c.alerts, len(stored))
			}
		})
	}
}

func TestSaveResponse_ThresholdAlert(t *testing.T) {
	s := seedForm(t)
	e := NewEvaluator(s)

	result := saveOK(t, e, "q_temp", "39.1")
	if len(result.AlertsRaised) != 1 {
		t.Fatalf("Expected threshold alert, got %d alerts", len(result.AlertsRaised))
	}
	a := result.AlertsRaised[0]
	if a.Type != models.AlertTypeThresholdExceeded || a.Severity != models.SeverityHigh {
		t.Errorf("Unexpected alert: %+v", a)
	}

	// In range: no alert.
	result = saveOK(t, e, "q_temp", "36.8")
	if len(result.AlertsRaised) != 0 {
		t.Errorf("Expected no alert for normal value, got %d", len(result.AlertsRaised))
	}
}

func TestSaveResponse_ConcerningBoolean(t *testing.T) {
	s := seedForm(t)
	e := NewEvaluator(s)

	result := saveOK(t, e, "q_swelling", "yes")
	if len(result.AlertsRaised) != 1 {
		t.Fatalf("Expected concerning-response alert, got %d", len(result.AlertsRaised))
	}
	a := result.AlertsRaised[0]
	if a.Type != models.AlertTypeConcerningResponse {
		t.Errorf("Expected concerning_response, got %s", a.Type)
	}
	// Rule had no explicit severity; default is medium.
	if a.Severity != models.SeverityMedium {
		t.Errorf("Expected default medium severity, got %s", a.Severity)
	}

	result = saveOK(t, e, "q_swelling", "no")
	if len(result.AlertsRaised) != 0 {
		t.Errorf("Expected no alert for 'no', got %d", len(result.AlertsRaised))
	}
}

func TestSaveResponse_KeywordDetection(t *testing.T) {
	s := seedForm(t)
	e := NewEvaluator(s)

	result := saveOK(t, e, "q_notes", "Some BLEEDING at the incision and a slight fever overnight")
	if len(result.AlertsRaised) != 1 {
		t.Fatalf("Expected one keyword alert, got %d", len(result.AlertsRaised))
	}
	a := result.AlertsRaised[0]
	if a.Type != models.AlertTypeKeywordDetected {
		t.Errorf("Expected keyword_detected, got %s", a.Type)
	}
	// Both matched keywords appear in the single alert message.
	for _, kw := range []string{"bleeding", "fever"} {
		if !strings.Contains(a.Message, kw) {
			t.Errorf("Alert message missing keyword %q: %s", kw, a.Message)
		}
	}

	result = saveOK(t, e, "q_notes", "All good today")
	if len(result.AlertsRaised) != 0 {
		t.Errorf("Expected no keyword alert, got %d", len(result.AlertsRaised))
	}
}

func TestSaveResponse_NotifyProviderEnqueuesOutbox(t *testing.T) {
	s := seedForm(t)
	e := NewEvaluator(s)

	result := saveOK(t, e, "q_pain", "9")
	if len(result.AlertsRaised) != 1 || !result.AlertsRaised[0].NotifyProvider {
		t.Fatalf("Expected notify-provider alert: %+v", result.AlertsRaised)
	}

	msgs, err := s.ClaimDueOutboxMessages(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 outbox message, got %d", len(msgs))
	}
	if msgs[0].Kind != OutboxKindClinicalAlert || msgs[0].PatientID != "pat_1" {
		t.Errorf("Unexpected outbox message: %+v", msgs[0])
	}
	if msgs[0].DedupeKey != result.AlertsRaised[0].ID {
		t.Errorf("Expected dedupe key to be the alert ID")
	}

	// Medium-severity, non-immediate alerts stay out of the outbox.
	s2 := seedForm(t)
	e2 := NewEvaluator(s2)
	saveOK(t, e2, "q_pain", "6")
	msgs, _ = s2.ClaimDueOutboxMessages(time.Now(), 10)
	if len(msgs) != 0 {
		t.Errorf("Expected no outbox message for medium alert, got %d", len(msgs))
	}
}

func TestCompletionTracking(t *testing.T) {
	s := seedForm(t)
	e := NewEvaluator(s)

	status, err := e.FormCompletionStatus(context.Background(), "pf_1")
	if err != nil {
		t.Fatalf("FormCompletionStatus failed: %v", err)
	}
	if status.TotalQuestions != 5 || status.AnsweredQuestions != 0 {
		t.Errorf("Fresh form should be 0/5: %+v", status)
	}
	if status.Status != models.FormStatusNotStarted {
		t.Errorf("Expected not_started, got %s", status.Status)
	}

	result := saveOK(t, e, "q_pain", "2")
	if result.Completion.Status != models.FormStatusInProgress {
		t.Errorf("Expected in_progress after first answer, got %s", result.Completion.Status)
	}
	if result.Completion.CompletionPercentage != 20 {
		t.Errorf("Expected 20%%, got %d%%", result.Completion.CompletionPercentage)
	}

	saveOK(t, e, "q_temp", "36.9")
	saveOK(t, e, "q_notes", "resting")
	// 3 of 5 answered, but q_swelling (required) is missing.
	status, _ = e.FormCompletionStatus(context.Background(), "pf_1")
	if status.CompletionPercentage != 60 || status.IsComplete {
		t.Errorf("Expected 60%% incomplete, got %+v", status)
	}

	result = saveOK(t, e, "q_swelling", "no")
	// All 3 required answered with 4 of 5 total: 80%, complete.
	if result.Completion.CompletionPercentage != 80 {
		t.Errorf("Expected 80%%, got %d%%", result.Completion.CompletionPercentage)
	}
	if !result.Completion.IsComplete || result.Completion.Status != models.FormStatusCompleted {
		t.Errorf("Expected completed form: %+v", result.Completion)
	}

	form, _ := s.GetPatientForm("pf_1")
	if form.Status != models.FormStatusCompleted || form.CompletedAt == nil {
		t.Errorf("Completion not persisted: %+v", form)
	}
	firstCompletedAt := *form.CompletedAt

	// Another answer keeps the form completed and the original completion time.
	saveOK(t, e, "q_meds_time", "08:30")
	form, _ = s.GetPatientForm("pf_1")
	if form.Status != models.FormStatusCompleted {
		t.Errorf("Completed form regressed to %s", form.Status)
	}
	if form.CompletedAt == nil || !form.CompletedAt.Equal(firstCompletedAt) {
		t.Errorf("Completion timestamp changed on later answer")
	}
}

func TestSaveResponse_UnknownTargets(t *testing.T) {
	s := seedForm(t)
	e := NewEvaluator(s)

	_, err := e.SaveResponse(context.Background(), SaveResponseInput{
		PatientFormID: "pf_missing", QuestionID: "q_pain", RawValue: "1",
	})
	if !errors.Is(err, ErrFormNotFound) {
		t.Errorf("Expected ErrFormNotFound, got %v", err)
	}

	_, err = e.SaveResponse(context.Background(), SaveResponseInput{
		PatientFormID: "pf_1", QuestionID: "q_missing", RawValue: "1",
	})
	if !errors.Is(err, ErrQuestionNotFound) {
		t.Errorf("Expected ErrQuestionNotFound, got %v", err)
	}
}

// failingResponseStore simulates a persistence failure on response upsert.
type failingResponseStore struct {
	*store.InMemoryStore
}

func (f *failingResponseStore) UpsertQuestionResponse(r models.QuestionResponse) error {
	return errors.New("disk full")
}

func TestSaveResponse_PersistenceFailureIsData(t *testing.T) {
	s := &failingResponseStore{InMemoryStore: seedForm(t)}
	e := NewEvaluator(s)

	result, err := e.SaveResponse(context.Background(), SaveResponseInput{
		PatientFormID: "pf_1", QuestionID: "q_pain", RawValue: "9",
	})
	if err != nil {
		t.Fatalf("Expected failure as data, got error: %v", err)
	}
	if result.Success {
		t.Error("Expected Success=false on persistence failure")
	}
	if len(result.AlertsRaised) != 0 {
		t.Error("Expected no alerts when the write failed")
	}
}
