// Package models defines form, question, response, and clinical alert
// structures for CarePipe.
package models

import "time"

// QuestionType defines the expected answer shape for a form question.
type QuestionType string

const (
	// QuestionTypeText is a free-text question.
	QuestionTypeText QuestionType = "text"
	// QuestionTypeNumber is a numeric question.
	QuestionTypeNumber QuestionType = "number"
	// QuestionTypeDate is a calendar date question.
	QuestionTypeDate QuestionType = "date"
	// QuestionTypeTime is a time-of-day question.
	QuestionTypeTime QuestionType = "time"
	// QuestionTypeBoolean is a yes/no question.
	QuestionTypeBoolean QuestionType = "boolean"
	// QuestionTypeSingleChoice is a pick-one question.
	QuestionTypeSingleChoice QuestionType = "single_choice"
	// QuestionTypePainScale is a 0-10 pain rating question.
	QuestionTypePainScale QuestionType = "pain_scale"
)

// IsValidQuestionType checks if the given question type is supported.
func IsValidQuestionType(qt QuestionType) bool {
	switch qt {
	case QuestionTypeText, QuestionTypeNumber, QuestionTypeDate, QuestionTypeTime,
		QuestionTypeBoolean, QuestionTypeSingleChoice, QuestionTypePainScale:
		return true
	default:
		return false
	}
}

// AlertSeverity represents the severity of a clinical alert.
type AlertSeverity string

const (
	// SeverityLow indicates an informational alert.
	SeverityLow AlertSeverity = "low"
	// SeverityMedium indicates an alert worth reviewing.
	SeverityMedium AlertSeverity = "medium"
	// SeverityHigh indicates an alert needing prompt attention.
	SeverityHigh AlertSeverity = "high"
	// SeverityCritical indicates an alert needing immediate escalation.
	SeverityCritical AlertSeverity = "critical"
)

// IsValidAlertSeverity checks if the given severity is valid.
func IsValidAlertSeverity(s AlertSeverity) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// AlertType categorizes what rule produced a clinical alert.
type AlertType string

const (
	// AlertTypePainThreshold is raised by a high pain-scale response.
	AlertTypePainThreshold AlertType = "pain_threshold"
	// AlertTypeConcerningResponse is raised by a concerning yes/no answer.
	AlertTypeConcerningResponse AlertType = "concerning_response"
	// AlertTypeThresholdExceeded is raised by a numeric value outside rule bounds.
	AlertTypeThresholdExceeded AlertType = "threshold_exceeded"
	// AlertTypeKeywordDetected is raised by alert keywords in free text.
	AlertTypeKeywordDetected AlertType = "keyword_detected"
)

// ClinicalAlertRule is the per-question rule set evaluated against responses.
// Threshold pointers distinguish "unset" from zero.
type ClinicalAlertRule struct {
	MaxThreshold    *float64      `json:"max_threshold,omitempty"`
	MinThreshold    *float64      `json:"min_threshold,omitempty"`
	ConcerningIfYes bool          `json:"concerning_if_yes,omitempty"`
	AlertKeywords   []string      `json:"alert_keywords,omitempty"`
	Severity        AlertSeverity `json:"severity,omitempty"`
	ImmediateAction bool          `json:"immediate_action,omitempty"`
}

// HasRules reports whether any rule category is configured.
func (r *ClinicalAlertRule) HasRules() bool {
	return r.MaxThreshold != nil || r.MinThreshold != nil ||
		r.ConcerningIfYes || len(r.AlertKeywords) > 0
}

// Question is a form field definition within a section.
type Question struct {
	ID            string             `json:"id"`
	SectionID     string             `json:"section_id"`
	Text          string             `json:"text"`
	Type          QuestionType       `json:"question_type"`
	IsRequired    bool               `json:"is_required"`
	Options       []string           `json:"options,omitempty"` // for single_choice
	ClinicalAlert *ClinicalAlertRule `json:"clinical_alerts,omitempty"`
	Position      int                `json:"position"`
}

// Validate performs validation on a Question structure.
func (q *Question) Validate() error {
	if q.ID == "" {
		return ErrEmptyQuestionID
	}
	if !IsValidQuestionType(q.Type) {
		return ErrInvalidQuestionType
	}
	return nil
}

// FormSection groups questions within a form template.
type FormSection struct {
	ID         string     `json:"id"`
	TemplateID string     `json:"template_id"`
	Title      string     `json:"title"`
	Questions  []Question `json:"questions,omitempty"`
	Position   int        `json:"position"`
}

// FormTemplate is a reusable form definition: ordered sections of questions.
type FormTemplate struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Sections  []FormSection `json:"sections,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Questions returns all questions across sections in template order.
func (t *FormTemplate) Questions() []Question {
	var qs []Question
	for _, s := range t.Sections {
		qs = append(qs, s.Questions...)
	}
	return qs
}

// FormStatus represents the completion state of a patient form.
type FormStatus string

const (
	// FormStatusNotStarted indicates no answers have been recorded.
	FormStatusNotStarted FormStatus = "not_started"
	// FormStatusInProgress indicates at least one answer is recorded.
	FormStatusInProgress FormStatus = "in_progress"
	// FormStatusCompleted indicates all required questions are answered.
	// Once reached, the status never regresses.
	FormStatusCompleted FormStatus = "completed"
)

// PatientForm is one concrete instance of a form template for a patient,
// optionally tied to a scheduled task occurrence.
type PatientForm struct {
	ID                   string     `json:"id"`
	TemplateID           string     `json:"template_id"`
	PatientID            string     `json:"patient_id"`
	PatientTaskID        string     `json:"patient_task_id,omitempty"`
	Status               FormStatus `json:"status"`
	CompletionPercentage int        `json:"completion_percentage"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	DocumentURL          string     `json:"document_url,omitempty"` // set after document generation
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// ResponseType identifies which typed value column a response populates.
type ResponseType string

const (
	ResponseTypeText     ResponseType = "text"
	ResponseTypeNumber   ResponseType = "number"
	ResponseTypeDate     ResponseType = "date"
	ResponseTypeTime     ResponseType = "time"
	ResponseTypeBoolean  ResponseType = "boolean"
	ResponseTypeJSON     ResponseType = "json"
	ResponseTypeFileURLs ResponseType = "file_urls"
)

// ResponseMethod records how a response was captured.
type ResponseMethod string

const (
	// ResponseMethodManual is a direct patient submission.
	ResponseMethodManual ResponseMethod = "manual"
	// ResponseMethodChat is a submission relayed through the chat UI.
	ResponseMethodChat ResponseMethod = "chat"
	// ResponseMethodAIExtracted is an answer extracted by the AI form processor.
	ResponseMethodAIExtracted ResponseMethod = "ai_extracted"
)

// QuestionResponse is one patient answer to a question within a patient form.
// Exactly one typed value field is populated per ResponseType. One row exists
// per (form, question); duplicate submissions update in place.
type QuestionResponse struct {
	ID            string         `json:"id"`
	PatientFormID string         `json:"patient_form_id"`
	QuestionID    string         `json:"question_id"`
	ResponseType  ResponseType   `json:"response_type"`
	TextValue     string         `json:"text_value,omitempty"`
	NumberValue   *float64       `json:"number_value,omitempty"`
	DateValue     string         `json:"date_value,omitempty"` // YYYY-MM-DD
	TimeValue     string         `json:"time_value,omitempty"` // HH:MM:SS
	BooleanValue  *bool          `json:"boolean_value,omitempty"`
	JSONValue     string         `json:"json_value,omitempty"`
	FileURLs      []string       `json:"file_urls,omitempty"`
	Method        ResponseMethod `json:"response_method,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// ClinicalAlert is a derived notification raised when a response crosses a
// configured safety rule. Created only by response evaluation, never by the
// patient; mutated only to mark resolution.
type ClinicalAlert struct {
	ID                      string        `json:"id"`
	PatientID               string        `json:"patient_id"`
	PatientFormID           string        `json:"patient_form_id,omitempty"`
	QuestionID              string        `json:"question_id,omitempty"`
	Type                    AlertType     `json:"type"`
	Severity                AlertSeverity `json:"severity"`
	Message                 string        `json:"message"`
	RequiresImmediateAction bool          `json:"requires_immediate_action"`
	NotifyProvider          bool          `json:"notify_provider"`
	Resolved                bool          `json:"resolved"`
	ResolvedAt              *time.Time    `json:"resolved_at,omitempty"`
	CreatedAt               time.Time     `json:"created_at"`
}
