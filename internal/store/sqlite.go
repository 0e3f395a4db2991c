// Package store provides storage backends for CarePipe.
//
// This file implements an SQLite-backed store for single-node deployments.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/CareSignal/CarePipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	// SQLite handles one writer at a time; serialize access through a single
	// connection to avoid SQLITE_BUSY under concurrent handlers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")
	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

// SavePatient stores or updates a patient.
func (s *SQLiteStore) SavePatient(p models.Patient) error {
	query := `
		INSERT INTO patients (id, name, phone_number, surgery_date, provider_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			phone_number = excluded.phone_number,
			surgery_date = excluded.surgery_date,
			provider_id = excluded.provider_id,
			updated_at = excluded.updated_at`

	var surgeryDate interface{}
	if p.SurgeryDate != nil {
		surgeryDate = *p.SurgeryDate
	}
	_, err := s.db.Exec(query, p.ID, p.Name, nilIfEmpty(p.PhoneNumber), surgeryDate,
		nilIfEmpty(p.ProviderID), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SavePatient failed", "error", err, "id", p.ID)
		return fmt.Errorf("failed to save patient %s: %w", p.ID, err)
	}
	slog.Debug("SQLiteStore SavePatient succeeded", "id", p.ID)
	return nil
}

// GetPatient retrieves a patient by ID. Returns (nil, nil) when not found.
func (s *SQLiteStore) GetPatient(id string) (*models.Patient, error) {
	query := `SELECT id, name, phone_number, surgery_date, provider_id, created_at, updated_at
			  FROM patients WHERE id = ?`

	var p models.Patient
	var phone, providerID sql.NullString
	var surgeryDate sql.NullTime

	err := s.db.QueryRow(query, id).Scan(&p.ID, &p.Name, &phone, &surgeryDate, &providerID, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetPatient failed", "error", err, "id", id)
		return nil, err
	}
	p.PhoneNumber = phone.String
	p.ProviderID = providerID.String
	if surgeryDate.Valid {
		p.SurgeryDate = &surgeryDate.Time
	}
	return &p, nil
}

// SaveProtocol stores or updates a protocol together with its task definitions.
func (s *SQLiteStore) SaveProtocol(p models.Protocol) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin protocol save: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO protocols (id, name, description, surgery_type, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			surgery_type = excluded.surgery_type,
			version = excluded.version,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, nilIfEmpty(p.Description), nilIfEmpty(p.SurgeryType), p.Version, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveProtocol failed", "error", err, "id", p.ID)
		return fmt.Errorf("failed to save protocol %s: %w", p.ID, err)
	}

	if _, err := tx.Exec(`DELETE FROM protocol_tasks WHERE protocol_id = ?`, p.ID); err != nil {
		return fmt.Errorf("failed to replace protocol tasks: %w", err)
	}
	for _, t := range p.Tasks {
		_, err = tx.Exec(`
			INSERT INTO protocol_tasks (id, protocol_id, title, description, task_type, day_offset,
				freq_repeat, freq_type, freq_interval, form_template_id, position, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, p.ID, t.Title, nilIfEmpty(t.Description), string(t.Type), t.DayOffset,
			t.Frequency.Repeat, nilIfEmpty(string(t.Frequency.Type)), t.Frequency.Interval,
			nilIfEmpty(t.FormTemplateID), t.Position, t.CreatedAt, t.UpdatedAt)
		if err != nil {
			slog.Error("SQLiteStore SaveProtocol task insert failed", "error", err, "taskID", t.ID)
			return fmt.Errorf("failed to save protocol task %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit protocol save: %w", err)
	}
	slog.Debug("SQLiteStore SaveProtocol succeeded", "id", p.ID, "tasks", len(p.Tasks))
	return nil
}

// GetProtocol retrieves a protocol and its tasks by ID. Returns (nil, nil) when not found.
func (s *SQLiteStore) GetProtocol(id string) (*models.Protocol, error) {
	query := `SELECT id, name, description, surgery_type, version, created_at, updated_at
			  FROM protocols WHERE id = ?`

	var p models.Protocol
	var description, surgeryType sql.NullString
	err := s.db.QueryRow(query, id).Scan(&p.ID, &p.Name, &description, &surgeryType, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetProtocol failed", "error", err, "id", id)
		return nil, err
	}
	p.Description = description.String
	p.SurgeryType = surgeryType.String

	rows, err := s.db.Query(`
		SELECT id, protocol_id, title, description, task_type, day_offset,
			freq_repeat, freq_type, freq_interval, form_template_id, position, created_at, updated_at
		FROM protocol_tasks WHERE protocol_id = ? ORDER BY position ASC`, id)
	if err != nil {
		slog.Error("SQLiteStore GetProtocol tasks query failed", "error", err, "id", id)
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var t models.ProtocolTask
		var desc, freqType, formTemplateID sql.NullString
		var taskType string
		err := rows.Scan(&t.ID, &t.ProtocolID, &t.Title, &desc, &taskType, &t.DayOffset,
			&t.Frequency.Repeat, &freqType, &t.Frequency.Interval, &formTemplateID, &t.Position,
			&t.CreatedAt, &t.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan protocol task: %w", err)
		}
		t.Description = desc.String
		t.Type = models.TaskType(taskType)
		t.Frequency.Type = models.FrequencyType(freqType.String)
		t.FormTemplateID = formTemplateID.String
		p.Tasks = append(p.Tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate protocol tasks: %w", err)
	}
	return &p, nil
}

// ListProtocols retrieves all protocols without their task definitions.
func (s *SQLiteStore) ListProtocols() ([]models.Protocol, error) {
	rows, err := s.db.Query(`SELECT id, name, description, surgery_type, version, created_at, updated_at
							 FROM protocols ORDER BY created_at DESC`)
	if err != nil {
		slog.Error("SQLiteStore ListProtocols failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	var protocols []models.Protocol
	for rows.Next() {
		var p models.Protocol
		var description, surgeryType sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &description, &surgeryType, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Description = description.String
		p.SurgeryType = surgeryType.String
		protocols = append(protocols, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return protocols, nil
}

// UpsertActiveAssignment inserts an active assignment, or returns the existing
// active assignment ID for the same (patient, protocol). The single-connection
// pool serializes the check-then-insert, and the partial unique index backstops it.
func (s *SQLiteStore) UpsertActiveAssignment(a models.ProtocolAssignment) (string, error) {
	var existingID string
	err := s.db.QueryRow(
		`SELECT id FROM protocol_assignments WHERE patient_id = ? AND protocol_id = ? AND status = 'active'`,
		a.PatientID, a.ProtocolID,
	).Scan(&existingID)
	if err == nil {
		slog.Debug("SQLiteStore UpsertActiveAssignment reusing active assignment", "id", existingID)
		return existingID, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to check active assignment: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO protocol_assignments (id, patient_id, protocol_id, protocol_version, anchor_date, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'active', ?, ?)`,
		a.ID, a.PatientID, a.ProtocolID, a.ProtocolVersion, a.AnchorDate, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore UpsertActiveAssignment failed", "error", err, "patientID", a.PatientID, "protocolID", a.ProtocolID)
		return "", fmt.Errorf("failed to insert assignment: %w", err)
	}
	slog.Debug("SQLiteStore UpsertActiveAssignment succeeded", "id", a.ID)
	return a.ID, nil
}

// GetAssignment retrieves an assignment by ID. Returns (nil, nil) when not found.
func (s *SQLiteStore) GetAssignment(id string) (*models.ProtocolAssignment, error) {
	query := `SELECT id, patient_id, protocol_id, protocol_version, anchor_date, status, created_at, updated_at
			  FROM protocol_assignments WHERE id = ?`

	var a models.ProtocolAssignment
	var status string
	err := s.db.QueryRow(query, id).Scan(&a.ID, &a.PatientID, &a.ProtocolID, &a.ProtocolVersion,
		&a.AnchorDate, &status, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetAssignment failed", "error", err, "id", id)
		return nil, err
	}
	a.Status = models.AssignmentStatus(status)
	return &a, nil
}

// AddPatientTasks bulk-inserts scheduled task occurrences.
func (s *SQLiteStore) AddPatientTasks(tasks []models.PatientTask) error {
	if len(tasks) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin patient task insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO patient_tasks (id, assignment_id, protocol_task_id, patient_id, title, task_type,
			scheduled_date, status, completion_data, freq_repeat, freq_type, freq_interval, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare patient task insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range tasks {
		_, err := stmt.Exec(t.ID, t.AssignmentID, t.ProtocolTaskID, t.PatientID, t.Title, string(t.Type),
			t.ScheduledDate, string(t.Status), nilIfEmpty(t.CompletionData),
			t.Frequency.Repeat, nilIfEmpty(string(t.Frequency.Type)), t.Frequency.Interval,
			t.CreatedAt, t.UpdatedAt)
		if err != nil {
			slog.Error("SQLiteStore AddPatientTasks insert failed", "error", err, "taskID", t.ID)
			return fmt.Errorf("failed to insert patient task %s: %w", t.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit patient task insert: %w", err)
	}
	slog.Debug("SQLiteStore AddPatientTasks succeeded", "count", len(tasks))
	return nil
}

// GetPatientTasks retrieves all scheduled occurrences for a patient ordered by date.
func (s *SQLiteStore) GetPatientTasks(patientID string) ([]models.PatientTask, error) {
	rows, err := s.db.Query(`SELECT `+patientTaskColumns+` FROM patient_tasks
							 WHERE patient_id = ? ORDER BY scheduled_date ASC, created_at ASC`, patientID)
	if err != nil {
		slog.Error("SQLiteStore GetPatientTasks failed", "error", err, "patientID", patientID)
		return nil, err
	}
	defer rows.Close()

	var tasks []models.PatientTask
	for rows.Next() {
		t, err := scanPatientTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetPatientTask retrieves a single scheduled occurrence by ID. Returns (nil, nil) when not found.
func (s *SQLiteStore) GetPatientTask(id string) (*models.PatientTask, error) {
	rows, err := s.db.Query(`SELECT `+patientTaskColumns+` FROM patient_tasks WHERE id = ?`, id)
	if err != nil {
		slog.Error("SQLiteStore GetPatientTask failed", "error", err, "id", id)
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	t, err := scanPatientTask(rows)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdatePatientTaskStatus transitions a scheduled occurrence and records completion data.
func (s *SQLiteStore) UpdatePatientTaskStatus(id string, status models.TaskStatus, completionData string) error {
	_, err := s.db.Exec(`UPDATE patient_tasks SET status = ?, completion_data = ?, updated_at = ? WHERE id = ?`,
		string(status), nilIfEmpty(completionData), time.Now(), id)
	if err != nil {
		slog.Error("SQLiteStore UpdatePatientTaskStatus failed", "error", err, "id", id, "status", status)
		return fmt.Errorf("failed to update patient task %s: %w", id, err)
	}
	return nil
}

// MarkOverdueTasksFailed transitions pending tasks scheduled before the cutoff to failed.
func (s *SQLiteStore) MarkOverdueTasksFailed(before time.Time) (int, error) {
	res, err := s.db.Exec(`UPDATE patient_tasks SET status = 'failed', updated_at = ?
						   WHERE status = 'pending' AND scheduled_date < ?`, time.Now(), before)
	if err != nil {
		slog.Error("SQLiteStore MarkOverdueTasksFailed failed", "error", err)
		return 0, fmt.Errorf("failed to mark overdue tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// SaveFormTemplate stores or updates a form template with its sections and questions.
func (s *SQLiteStore) SaveFormTemplate(t models.FormTemplate) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin form template save: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO form_templates (id, name, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, updated_at = excluded.updated_at`,
		t.ID, t.Name, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveFormTemplate failed", "error", err, "id", t.ID)
		return fmt.Errorf("failed to save form template %s: %w", t.ID, err)
	}

	if _, err := tx.Exec(`DELETE FROM questions WHERE section_id IN (SELECT id FROM form_sections WHERE template_id = ?)`, t.ID); err != nil {
		return fmt.Errorf("failed to replace template questions: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM form_sections WHERE template_id = ?`, t.ID); err != nil {
		return fmt.Errorf("failed to replace template sections: %w", err)
	}

	for _, sec := range t.Sections {
		_, err = tx.Exec(`INSERT INTO form_sections (id, template_id, title, position) VALUES (?, ?, ?, ?)`,
			sec.ID, t.ID, nilIfEmpty(sec.Title), sec.Position)
		if err != nil {
			return fmt.Errorf("failed to save form section %s: %w", sec.ID, err)
		}
		for _, q := range sec.Questions {
			optionsJSON, err := marshalJSONColumn(q.Options)
			if err != nil {
				return err
			}
			alertsJSON, err := marshalJSONColumn(q.ClinicalAlert)
			if err != nil {
				return err
			}
			_, err = tx.Exec(`
				INSERT INTO questions (id, section_id, text, question_type, is_required, options_json, clinical_alerts_json, position)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				q.ID, sec.ID, q.Text, string(q.Type), q.IsRequired, optionsJSON, alertsJSON, q.Position)
			if err != nil {
				return fmt.Errorf("failed to save question %s: %w", q.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit form template save: %w", err)
	}
	slog.Debug("SQLiteStore SaveFormTemplate succeeded", "id", t.ID, "sections", len(t.Sections))
	return nil
}

// GetFormTemplate retrieves a form template with sections and questions.
// Returns (nil, nil) when not found.
func (s *SQLiteStore) GetFormTemplate(id string) (*models.FormTemplate, error) {
	var t models.FormTemplate
	err := s.db.QueryRow(`SELECT id, name, created_at, updated_at FROM form_templates WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFormTemplate failed", "error", err, "id", id)
		return nil, err
	}

	secRows, err := s.db.Query(`SELECT id, template_id, title, position FROM form_sections
								WHERE template_id = ? ORDER BY position ASC`, id)
	if err != nil {
		return nil, err
	}
	defer secRows.Close()
	for secRows.Next() {
		var sec models.FormSection
		var title sql.NullString
		if err := secRows.Scan(&sec.ID, &sec.TemplateID, &title, &sec.Position); err != nil {
			return nil, fmt.Errorf("failed to scan form section: %w", err)
		}
		sec.Title = title.String
		t.Sections = append(t.Sections, sec)
	}
	if err := secRows.Err(); err != nil {
		return nil, err
	}

	for i := range t.Sections {
		qRows, err := s.db.Query(`SELECT id, section_id, text, question_type, is_required, options_json, clinical_alerts_json, position
								  FROM questions WHERE section_id = ? ORDER BY position ASC`, t.Sections[i].ID)
		if err != nil {
			return nil, err
		}
		for qRows.Next() {
			var q models.Question
			var qType string
			var optionsJSON, alertsJSON sql.NullString
			if err := qRows.Scan(&q.ID, &q.SectionID, &q.Text, &qType, &q.IsRequired, &optionsJSON, &alertsJSON, &q.Position); err != nil {
				qRows.Close()
				return nil, fmt.Errorf("failed to scan question: %w", err)
			}
			q.Type = models.QuestionType(qType)
			if optionsJSON.Valid && optionsJSON.String != "" {
				if err := json.Unmarshal([]byte(optionsJSON.String), &q.Options); err != nil {
					qRows.Close()
					return nil, fmt.Errorf("failed to unmarshal question options: %w", err)
				}
			}
			if alertsJSON.Valid && alertsJSON.String != "" {
				q.ClinicalAlert = &models.ClinicalAlertRule{}
				if err := json.Unmarshal([]byte(alertsJSON.String), q.ClinicalAlert); err != nil {
					qRows.Close()
					return nil, fmt.Errorf("failed to unmarshal clinical alert rule: %w", err)
				}
			}
			t.Sections[i].Questions = append(t.Sections[i].Questions, q)
		}
		if err := qRows.Err(); err != nil {
			qRows.Close()
			return nil, err
		}
		qRows.Close()
	}
	return &t, nil
}

// SavePatientForm stores or updates a patient form instance.
func (s *SQLiteStore) SavePatientForm(f models.PatientForm) error {
	query := `
		INSERT INTO patient_forms (id, template_id, patient_id, patient_task_id, status, completion_percentage, completed_at, document_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			completion_percentage = excluded.completion_percentage,
			completed_at = excluded.completed_at,
			document_url = excluded.document_url,
			updated_at = excluded.updated_at`

	var completedAt interface{}
	if f.CompletedAt != nil {
		completedAt = *f.CompletedAt
	}
	_, err := s.db.Exec(query, f.ID, f.TemplateID, f.PatientID, nilIfEmpty(f.PatientTaskID),
		string(f.Status), f.CompletionPercentage, completedAt, nilIfEmpty(f.DocumentURL),
		f.CreatedAt, f.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore SavePatientForm failed", "error", err, "id", f.ID)
		return fmt.Errorf("failed to save patient form %s: %w", f.ID, err)
	}
	return nil
}

// GetPatientForm retrieves a patient form by ID. Returns (nil, nil) when not found.
func (s *SQLiteStore) GetPatientForm(id string) (*models.PatientForm, error) {
	query := `SELECT id, template_id, patient_id, patient_task_id, status, completion_percentage, completed_at, document_url, created_at, updated_at
			  FROM patient_forms WHERE id = ?`

	var f models.PatientForm
	var taskID, documentURL sql.NullString
	var status string
	var completedAt sql.NullTime
	err := s.db.QueryRow(query, id).Scan(&f.ID, &f.TemplateID, &f.PatientID, &taskID, &status,
		&f.CompletionPercentage, &completedAt, &documentURL, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetPatientForm failed", "error", err, "id", id)
		return nil, err
	}
	f.PatientTaskID = taskID.String
	f.DocumentURL = documentURL.String
	f.Status = models.FormStatus(status)
	if completedAt.Valid {
		f.CompletedAt = &completedAt.Time
	}
	return &f, nil
}

// UpdatePatientFormStatus updates the completion state of a patient form.
func (s *SQLiteStore) UpdatePatientFormStatus(id string, status models.FormStatus, completionPercentage int, completedAt *time.Time) error {
	var completed interface{}
	if completedAt != nil {
		completed = *completedAt
	}
	_, err := s.db.Exec(`UPDATE patient_forms SET status = ?, completion_percentage = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		string(status), completionPercentage, completed, time.Now(), id)
	if err != nil {
		slog.Error("SQLiteStore UpdatePatientFormStatus failed", "error", err, "id", id)
		return fmt.Errorf("failed to update patient form %s: %w", id, err)
	}
	return nil
}

// SetPatientFormDocumentURL records the generated document URL for a form.
func (s *SQLiteStore) SetPatientFormDocumentURL(id, url string) error {
	_, err := s.db.Exec(`UPDATE patient_forms SET document_url = ?, updated_at = ? WHERE id = ?`, url, time.Now(), id)
	if err != nil {
		slog.Error("SQLiteStore SetPatientFormDocumentURL failed", "error", err, "id", id)
		return fmt.Errorf("failed to set document url for form %s: %w", id, err)
	}
	return nil
}

// UpsertQuestionResponse stores a response, replacing any existing response
// for the same (form, question).
func (s *SQLiteStore) UpsertQuestionResponse(r models.QuestionResponse) error {
	fileURLsJSON, err := marshalJSONColumn(r.FileURLs)
	if err != nil {
		return err
	}
	var numberValue interface{}
	if r.NumberValue != nil {
		numberValue = *r.NumberValue
	}
	var booleanValue interface{}
	if r.BooleanValue != nil {
		booleanValue = *r.BooleanValue
	}

	query := `
		INSERT INTO question_responses (id, patient_form_id, question_id, response_type, text_value, number_value,
			date_value, time_value, boolean_value, json_value, file_urls_json, response_method, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (patient_form_id, question_id) DO UPDATE SET
			response_type = excluded.response_type,
			text_value = excluded.text_value,
			number_value = excluded.number_value,
			date_value = excluded.date_value,
			time_value = excluded.time_value,
			boolean_value = excluded.boolean_value,
			json_value = excluded.json_value,
			file_urls_json = excluded.file_urls_json,
			response_method = excluded.response_method,
			updated_at = excluded.updated_at`

	_, err = s.db.Exec(query, r.ID, r.PatientFormID, r.QuestionID, string(r.ResponseType),
		nilIfEmpty(r.TextValue), numberValue, nilIfEmpty(r.DateValue), nilIfEmpty(r.TimeValue),
		booleanValue, nilIfEmpty(r.JSONValue), fileURLsJSON, string(r.Method), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		slog.Error("SQLiteStore UpsertQuestionResponse failed", "error", err, "formID", r.PatientFormID, "questionID", r.QuestionID)
		return fmt.Errorf("failed to upsert response for question %s: %w", r.QuestionID, err)
	}
	return nil
}

// GetQuestionResponse retrieves the response for a (form, question) pair.
// Returns (nil, nil) when not found.
func (s *SQLiteStore) GetQuestionResponse(patientFormID, questionID string) (*models.QuestionResponse, error) {
	row := s.db.QueryRow(`SELECT `+questionResponseColumns+` FROM question_responses
						  WHERE patient_form_id = ? AND question_id = ?`, patientFormID, questionID)
	r, err := scanQuestionResponse(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetQuestionResponse failed", "error", err, "formID", patientFormID, "questionID", questionID)
		return nil, err
	}
	return &r, nil
}

// GetQuestionResponses retrieves all responses for a patient form.
func (s *SQLiteStore) GetQuestionResponses(patientFormID string) ([]models.QuestionResponse, error) {
	rows, err := s.db.Query(`SELECT `+questionResponseColumns+` FROM question_responses
							 WHERE patient_form_id = ? ORDER BY created_at ASC`, patientFormID)
	if err != nil {
		slog.Error("SQLiteStore GetQuestionResponses failed", "error", err, "formID", patientFormID)
		return nil, err
	}
	defer rows.Close()

	var responses []models.QuestionResponse
	for rows.Next() {
		r, err := scanQuestionResponse(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan question response: %w", err)
		}
		responses = append(responses, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return responses, nil
}

// AddClinicalAlert inserts a derived clinical alert.
func (s *SQLiteStore) AddClinicalAlert(a models.ClinicalAlert) error {
	query := `
		INSERT INTO clinical_alerts (id, patient_id, patient_form_id, question_id, alert_type, severity,
			message, requires_immediate_action, notify_provider, resolved, resolved_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.Exec(query, a.ID, a.PatientID, nilIfEmpty(a.PatientFormID), nilIfEmpty(a.QuestionID),
		string(a.Type), string(a.Severity), a.Message, a.RequiresImmediateAction, a.NotifyProvider,
		a.Resolved, nil, a.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore AddClinicalAlert failed", "error", err, "id", a.ID)
		return fmt.Errorf("failed to insert clinical alert %s: %w", a.ID, err)
	}
	slog.Debug("SQLiteStore AddClinicalAlert succeeded", "id", a.ID, "severity", a.Severity)
	return nil
}

// GetPatientAlerts retrieves all alerts for a patient, newest first.
func (s *SQLiteStore) GetPatientAlerts(patientID string) ([]models.ClinicalAlert, error) {
	rows, err := s.db.Query(`
		SELECT id, patient_id, patient_form_id, question_id, alert_type, severity, message,
			requires_immediate_action, notify_provider, resolved, resolved_at, created_at
		FROM clinical_alerts WHERE patient_id = ? ORDER BY created_at DESC`, patientID)
	if err != nil {
		slog.Error("SQLiteStore GetPatientAlerts failed", "error", err, "patientID", patientID)
		return nil, err
	}
	defer rows.Close()

	var alerts []models.ClinicalAlert
	for rows.Next() {
		a, err := scanClinicalAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return alerts, nil
}

// ResolveClinicalAlert marks an alert as resolved.
func (s *SQLiteStore) ResolveClinicalAlert(id string) error {
	_, err := s.db.Exec(`UPDATE clinical_alerts SET resolved = 1, resolved_at = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		slog.Error("SQLiteStore ResolveClinicalAlert failed", "error", err, "id", id)
		return fmt.Errorf("failed to resolve clinical alert %s: %w", id, err)
	}
	return nil
}
