// Package store provides storage backends for CarePipe.
//
// It includes PostgreSQL, SQLite, and in-memory implementations of the Store
// interface, plus durable job and notification outbox repositories.
package store

import (
	"strings"
	"time"

	"github.com/CareSignal/CarePipe/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	// DSN is the database connection string. For SQLite this is a file path.
	DSN string
}

// Option defines a functional option for configuring a store.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType determines the database driver implied by a DSN.
// Returns "postgres" for PostgreSQL URLs and key-value DSNs, "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// Store defines the persistence operations shared by all backends.
type Store interface {
	// Patients
	SavePatient(p models.Patient) error
	GetPatient(id string) (*models.Patient, error)

	// Protocols and their task definitions
	SaveProtocol(p models.Protocol) error
	GetProtocol(id string) (*models.Protocol, error)
	ListProtocols() ([]models.Protocol, error)

	// Protocol assignments. UpsertActiveAssignment enforces at most one active
	// assignment per (patient, protocol): if one exists its ID is returned,
	// otherwise the provided assignment is inserted.
	UpsertActiveAssignment(a models.ProtocolAssignment) (string, error)
	GetAssignment(id string) (*models.ProtocolAssignment, error)

	// Scheduled task occurrences
	AddPatientTasks(tasks []models.PatientTask) error
	GetPatientTasks(patientID string) ([]models.PatientTask, error)
	GetPatientTask(id string) (*models.PatientTask, error)
	UpdatePatientTaskStatus(id string, status models.TaskStatus, completionData string) error
	// MarkOverdueTasksFailed transitions pending tasks scheduled before the
	// cutoff to failed. Returns the number of tasks transitioned.
	MarkOverdueTasksFailed(before time.Time) (int, error)

	// Form templates and patient form instances
	SaveFormTemplate(t models.FormTemplate) error
	GetFormTemplate(id string) (*models.FormTemplate, error)
	SavePatientForm(f models.PatientForm) error
	GetPatientForm(id string) (*models.PatientForm, error)
	UpdatePatientFormStatus(id string, status models.FormStatus, completionPercentage int, completedAt *time.Time) error
	SetPatientFormDocumentURL(id, url string) error

	// Question responses (one row per form+question, upserted)
	UpsertQuestionResponse(r models.QuestionResponse) error
	GetQuestionResponse(patientFormID, questionID string) (*models.QuestionResponse, error)
	GetQuestionResponses(patientFormID string) ([]models.QuestionResponse, error)

	// Clinical alerts
	AddClinicalAlert(a models.ClinicalAlert) error
	GetPatientAlerts(patientID string) ([]models.ClinicalAlert, error)
	ResolveClinicalAlert(id string) error

	// Durable jobs and notification outbox
	JobRepo
	OutboxRepo

	Close() error
}
