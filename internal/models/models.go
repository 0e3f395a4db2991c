// Package models defines the core data structures for CarePipe.
//
// It includes types for recovery protocols, patients, scheduled tasks, forms,
// question responses, and clinical alerts, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// TaskType defines the kind of recovery task a protocol entry represents.
type TaskType string

const (
	// TaskTypeExercise is a physical exercise task.
	TaskTypeExercise TaskType = "exercise"
	// TaskTypeForm is a check-in form the patient fills out.
	TaskTypeForm TaskType = "form"
	// TaskTypeEducation is reading or informational material.
	TaskTypeEducation TaskType = "education"
	// TaskTypeVideo is video content to watch.
	TaskTypeVideo TaskType = "video"
)

// IsValidTaskType checks if the given task type is supported.
func IsValidTaskType(tt TaskType) bool {
	switch tt {
	case TaskTypeExercise, TaskTypeForm, TaskTypeEducation, TaskTypeVideo:
		return true
	default:
		return false
	}
}

// FrequencyType defines how a repeating task recurs relative to its start date.
type FrequencyType string

const (
	// FrequencyDaily repeats every day.
	FrequencyDaily FrequencyType = "daily"
	// FrequencyEveryOtherDay repeats every second day.
	FrequencyEveryOtherDay FrequencyType = "everyOtherDay"
	// FrequencyWeekly repeats every 7 days.
	FrequencyWeekly FrequencyType = "weekly"
	// FrequencyBiweekly repeats every 14 days.
	FrequencyBiweekly FrequencyType = "biweekly"
	// FrequencyMonthly repeats every 30 days (flat step, not calendar-month aware).
	FrequencyMonthly FrequencyType = "monthly"
	// FrequencyCustom repeats every Interval days.
	FrequencyCustom FrequencyType = "custom"
)

// Frequency describes the recurrence rule for a protocol task.
type Frequency struct {
	Repeat   bool          `json:"repeat"`
	Type     FrequencyType `json:"type,omitempty"`
	Interval int           `json:"interval,omitempty"` // days, for custom type
}

// Validation constants for input validation
const (
	// MaxTaskTitleLength defines the maximum allowed length for task titles
	MaxTaskTitleLength = 200
	// MaxProtocolNameLength defines the maximum allowed length for protocol names
	MaxProtocolNameLength = 200
	// MaxResponseTextLength defines the maximum allowed length for free-text responses
	MaxResponseTextLength = 8192
)

// Error variables for better error handling and testability
var (
	ErrEmptyProtocolName    = errors.New("protocol name cannot be empty")
	ErrProtocolNameTooLong  = errors.New("protocol name exceeds maximum length")
	ErrEmptyTaskTitle       = errors.New("task title cannot be empty")
	ErrTaskTitleTooLong     = errors.New("task title exceeds maximum length")
	ErrInvalidTaskType      = errors.New("invalid task type")
	ErrEmptyPatientID       = errors.New("patient id cannot be empty")
	ErrEmptyProtocolID      = errors.New("protocol id cannot be empty")
	ErrEmptyFormID          = errors.New("form id cannot be empty")
	ErrEmptyQuestionID      = errors.New("question id cannot be empty")
	ErrInvalidQuestionType  = errors.New("invalid question type")
	ErrResponseTextTooLong  = errors.New("response text exceeds maximum length")
	ErrMissingAnchorDate    = errors.New("no anchor date provided and patient has no surgery date")
	ErrInvalidCustomInterval = errors.New("custom frequency requires a positive interval")
)

// Protocol represents a named recovery template: an ordered set of tasks for a
// surgery type. Once referenced by an assignment it is treated as immutable;
// edits create a new version.
type Protocol struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	SurgeryType string         `json:"surgery_type,omitempty"`
	Version     int            `json:"version"`
	Tasks       []ProtocolTask `json:"tasks,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Validate performs validation on a Protocol structure.
func (p *Protocol) Validate() error {
	if p.Name == "" {
		return ErrEmptyProtocolName
	}
	if len(p.Name) > MaxProtocolNameLength {
		return ErrProtocolNameTooLong
	}
	for i := range p.Tasks {
		if err := p.Tasks[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ProtocolTask represents one task definition within a protocol.
// DayOffset is signed: negative offsets schedule pre-surgery tasks.
type ProtocolTask struct {
	ID             string    `json:"id"`
	ProtocolID     string    `json:"protocol_id"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	Type           TaskType  `json:"task_type"`
	DayOffset      int       `json:"day_offset"`
	Frequency      Frequency `json:"frequency"`
	FormTemplateID string    `json:"form_template_id,omitempty"` // for form tasks
	Position       int       `json:"position"`                   // order within the protocol
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Validate performs validation on a ProtocolTask structure.
func (t *ProtocolTask) Validate() error {
	if t.Title == "" {
		return ErrEmptyTaskTitle
	}
	if len(t.Title) > MaxTaskTitleLength {
		return ErrTaskTitleTooLong
	}
	if !IsValidTaskType(t.Type) {
		return ErrInvalidTaskType
	}
	if t.Frequency.Repeat && t.Frequency.Type == FrequencyCustom && t.Frequency.Interval <= 0 {
		return ErrInvalidCustomInterval
	}
	return nil
}

// AssignmentStatus represents the lifecycle state of a protocol assignment.
type AssignmentStatus string

const (
	// AssignmentStatusActive indicates the assignment is in progress.
	AssignmentStatusActive AssignmentStatus = "active"
	// AssignmentStatusCompleted indicates the patient finished the protocol.
	AssignmentStatusCompleted AssignmentStatus = "completed"
	// AssignmentStatusPaused indicates the assignment is temporarily paused.
	AssignmentStatusPaused AssignmentStatus = "paused"
)

// IsValidAssignmentStatus checks if the given assignment status is valid.
func IsValidAssignmentStatus(status AssignmentStatus) bool {
	switch status {
	case AssignmentStatusActive, AssignmentStatusCompleted, AssignmentStatusPaused:
		return true
	default:
		return false
	}
}

// ProtocolAssignment links a patient to a protocol with an anchor date.
// At most one active assignment per (patient, protocol) pair exists; the store
// enforces this with a unique constraint plus upsert-on-conflict.
type ProtocolAssignment struct {
	ID              string           `json:"id"`
	PatientID       string           `json:"patient_id"`
	ProtocolID      string           `json:"protocol_id"`
	ProtocolVersion int              `json:"protocol_version"`
	AnchorDate      time.Time        `json:"anchor_date"` // typically the surgery date
	Status          AssignmentStatus `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// TaskStatus represents the state of a scheduled task occurrence.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not been started.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusInProgress indicates the patient has started the task.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusCompleted indicates the task was completed.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusSkipped indicates the patient skipped the task.
	TaskStatusSkipped TaskStatus = "skipped"
	// TaskStatusFailed indicates the task was missed or failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusCancelled indicates the task was cancelled by a provider.
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsValidTaskStatus checks if the given task status is valid.
func IsValidTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted,
		TaskStatusSkipped, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// PatientTask represents one concrete calendar occurrence of a protocol task
// for a specific patient. Occurrences are created in bulk at assignment time
// and never deleted; history is retained.
type PatientTask struct {
	ID             string     `json:"id"`
	AssignmentID   string     `json:"assignment_id"`
	ProtocolTaskID string     `json:"protocol_task_id"`
	PatientID      string     `json:"patient_id"`
	Title          string     `json:"title"`
	Type           TaskType   `json:"task_type"`
	ScheduledDate  time.Time  `json:"scheduled_date"` // calendar-day granular
	Status         TaskStatus `json:"status"`
	CompletionData string     `json:"completion_data,omitempty"` // JSON blob
	Frequency      Frequency  `json:"frequency"`                 // carried for audit
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Patient represents an enrolled post-surgical patient.
type Patient struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	PhoneNumber string     `json:"phone_number,omitempty"`
	SurgeryDate *time.Time `json:"surgery_date,omitempty"`
	ProviderID  string     `json:"provider_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Provider represents a clinician who owns protocols and reviews alerts.
type Provider struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	PhoneNumber string    `json:"phone_number,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
