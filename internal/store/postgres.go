// Package store provides storage backends for CarePipe.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/CareSignal/CarePipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}

// SavePatient stores or updates a patient.
func (s *PostgresStore) SavePatient(p models.Patient) error {
	query := `
		INSERT INTO patients (id, name, phone_number, surgery_date, provider_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			phone_number = EXCLUDED.phone_number,
			surgery_date = EXCLUDED.surgery_date,
			provider_id = EXCLUDED.provider_id,
			updated_at = EXCLUDED.updated_at`

	var surgeryDate interface{}
	if p.SurgeryDate != nil {
		surgeryDate = *p.SurgeryDate
	}
	_, err := s.db.Exec(query, p.ID, p.Name, nilIfEmpty(p.PhoneNumber), surgeryDate,
		nilIfEmpty(p.ProviderID), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SavePatient failed", "error", err, "id", p.ID)
		return fmt.Errorf("failed to save patient %s: %w", p.ID, err)
	}
	slog.Debug("PostgresStore SavePatient succeeded", "id", p.ID)
	return nil
}

// GetPatient retrieves a patient by ID. Returns (nil, nil) when not found.
func (s *PostgresStore) GetPatient(id string) (*models.Patient, error) {
	query := `SELECT id, name, phone_number, surgery_date, provider_id, created_at, updated_at
			  FROM patients WHERE id = $1`

	var p models.Patient
	var phone, providerID sql.NullString
	var surgeryDate sql.NullTime

	err := s.db.QueryRow(query, id).Scan(&p.ID, &p.Name, &phone, &surgeryDate, &providerID, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetPatient not found", "id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetPatient failed", "error", err, "id", id)
		return nil, err
	}
	p.PhoneNumber = phone.String
	p.ProviderID = providerID.String
	if surgeryDate.Valid {
		p.SurgeryDate = &surgeryDate.Time
	}
	slog.Debug("PostgresStore GetPatient found", "id", id)
	return &p, nil
}

// SaveProtocol stores or updates a protocol together with its task definitions.
// Existing task rows for the protocol are replaced to preserve input order.
func (s *PostgresStore) SaveProtocol(p models.Protocol) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin protocol save: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO protocols (id, name, description, surgery_type, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			surgery_type = EXCLUDED.surgery_type,
			version = EXCLUDED.version,
			updated_at = EXCLUDED.updated_at`,
		p.ID, p.Name, nilIfEmpty(p.Description), nilIfEmpty(p.SurgeryType), p.Version, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveProtocol failed", "error", err, "id", p.ID)
		return fmt.Errorf("failed to save protocol %s: %w", p.ID, err)
	}

	if _, err := tx.Exec(`DELETE FROM protocol_tasks WHERE protocol_id = $1`, p.ID); err != nil {
		return fmt.Errorf("failed to replace protocol tasks: %w", err)
	}
	for _, t := range p.Tasks {
		_, err = tx.Exec(`
			INSERT INTO protocol_tasks (id, protocol_id, title, description, task_type, day_offset,
				freq_repeat, freq_type, freq_interval, form_template_id, position, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			t.ID, p.ID, t.Title, nilIfEmpty(t.Description), string(t.Type), t.DayOffset,
			t.Frequency.Repeat, nilIfEmpty(string(t.Frequency.Type)), t.Frequency.Interval,
			nilIfEmpty(t.FormTemplateID), t.Position, t.CreatedAt, t.UpdatedAt)
		if err != nil {
			slog.Error("PostgresStore SaveProtocol task insert failed", "error", err, "taskID", t.ID)
			return fmt.Errorf("failed to save protocol task %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit protocol save: %w", err)
	}
	slog.Debug("PostgresStore SaveProtocol succeeded", "id", p.ID, "tasks", len(p.Tasks))
	return nil
}

// GetProtocol retrieves a protocol and its tasks by ID. Returns (nil, nil) when not found.
func (s *PostgresStore) GetProtocol(id string) (*models.Protocol, error) {
	query := `SELECT id, name, description, surgery_type, version, created_at, updated_at
			  FROM protocols WHERE id = $1`

	var p models.Protocol
	var description, surgeryType sql.NullString
	err := s.db.QueryRow(query, id).Scan(&p.ID, &p.Name, &description, &surgeryType, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetProtocol not found", "id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetProtocol failed", "error", err, "id", id)
		return nil, err
	}
	p.Description = description.String
	p.SurgeryType = surgeryType.String

	rows, err := s.db.Query(`
		SELECT id, protocol_id, title, description, task_type, day_offset,
			freq_repeat, freq_type, freq_interval, form_template_id, position, created_at, updated_at
		FROM protocol_tasks WHERE protocol_id = $1 ORDER BY position ASC`, id)
	if err != nil {
		slog.Error("PostgresStore GetProtocol tasks query failed", "error", err, "id", id)
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
			slog.Error("PostgresStore GetProtocol task scan failed", "error", err)
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
	slog.Debug("PostgresStore GetProtocol found", "id", id, "tasks", len(p.Tasks))
	return &p, nil
}

// ListProtocols retrieves all protocols without their task definitions.
func (s *PostgresStore) ListProtocols() ([]models.Protocol, error) {
	rows, err := s.db.Query(`SELECT id, name, description, surgery_type, version, created_at, updated_at
							 FROM protocols ORDER BY created_at DESC`)
	if err != nil {
		slog.Error("PostgresStore ListProtocols failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	var protocols []models.Protocol
	for rows.Next() {
		var p models.Protocol
		var description, surgeryType sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &description, &surgeryType, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
			slog.Error("PostgresStore ListProtocols scan failed", "error", err)
			return nil, err
		}
		p.Description = description.String
		p.SurgeryType = surgeryType.String
		protocols = append(protocols, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slog.Debug("PostgresStore ListProtocols succeeded", "count", len(protocols))
	return protocols, nil
}

// UpsertActiveAssignment inserts an active assignment, or returns the existing
// active assignment ID for the same (patient, protocol). The partial unique
// index on active assignments makes the check-then-insert race impossible.
func (s *PostgresStore) UpsertActiveAssignment(a models.ProtocolAssignment) (string, error) {
	query := `
		INSERT INTO protocol_assignments (id, patient_id, protocol_id, protocol_version, anchor_date, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'active', $6, $7)
		ON CONFLICT (patient_id, protocol_id) WHERE status = 'active'
		DO UPDATE SET updated_at = EXCLUDED.updated_at
		RETURNING id`

	var id string
	err := s.db.QueryRow(query, a.ID, a.PatientID, a.ProtocolID, a.ProtocolVersion,
		a.AnchorDate, a.CreatedAt, a.UpdatedAt).Scan(&id)
	if err != nil {
		slog.Error("PostgresStore UpsertActiveAssignment failed", "error", err, "patientID", a.PatientID, "protocolID", a.ProtocolID)
		return "", fmt.Errorf("failed to upsert assignment: %w", err)
	}
	slog.Debug("PostgresStore UpsertActiveAssignment succeeded", "id", id, "reused", id != a.ID)
	return id, nil
}

// GetAssignment retrieves an assignment by ID. Returns (nil, nil) when not found.
func (s *PostgresStore) GetAssignment(id string) (*models.ProtocolAssignment, error) {
	query := `SELECT id, patient_id, protocol_id, protocol_version, anchor_date, status, created_at, updated_at
			  FROM protocol_assignments WHERE id = $1`

	var a models.ProtocolAssignment
	var status string
	err := s.db.QueryRow(query, id).Scan(&a.ID, &a.PatientID, &a.ProtocolID, &a.ProtocolVersion,
		&a.AnchorDate, &status, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetAssignment failed", "error", err, "id", id)
		return nil, err
	}
	a.Status = models.AssignmentStatus(status)
	return &a, nil
}

// AddPatientTasks bulk-inserts scheduled task occurrences.
func (s *PostgresStore) AddPatientTasks(tasks []models.PatientTask) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`)
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
			slog.Error("PostgresStore AddPatientTasks insert failed", "error", err, "taskID", t.ID)
			return fmt.Errorf("failed to insert patient task %s: %w", t.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit patient task insert: %w", err)
	}
	slog.Debug("PostgresStore AddPatientTasks succeeded", "count", len(tasks))
	return nil
}

const patientTaskColumns = `id, assignment_id, protocol_task_id, patient_id, title, task_type,
	scheduled_date, status, completion_data, freq_repeat, freq_type, freq_interval, created_at, updated_at`

// GetPatientTasks retrieves all scheduled occurrences for a patient ordered by date.
func (s *PostgresStore) GetPatientTasks(patientID string) ([]models.PatientTask, error) {
	rows, err := s.db.Query(`SELECT `+patientTaskColumns+` FROM patient_tasks
							 WHERE patient_id = $1 ORDER BY scheduled_date ASC, created_at ASC`, patientID)
	if err != nil {
		slog.Error("PostgresStore GetPatientTasks failed", "error", err, "patientID", patientID)
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
	slog.Debug("PostgresStore GetPatientTasks succeeded", "patientID", patientID, "count", len(tasks))
	return tasks, nil
}

// GetPatientTask retrieves a single scheduled occurrence by ID. Returns (nil, nil) when not found.
func (s *PostgresStore) GetPatientTask(id string) (*models.PatientTask, error) {
	rows, err := s.db.Query(`SELECT `+patientTaskColumns+` FROM patient_tasks WHERE id = $1`, id)
	if err != nil {
		slog.Error("PostgresStore GetPatientTask failed", "error", err, "id", id)
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
func (s *PostgresStore) UpdatePatientTaskStatus(id string, status models.TaskStatus, completionData string) error {
	_, err := s.db.Exec(`UPDATE patient_tasks SET status = $1, completion_data = $2, updated_at = $3 WHERE id = $4`,
		string(status), nilIfEmpty(completionData), time.Now(), id)
	if err != nil {
		slog.Error("PostgresStore UpdatePatientTaskStatus failed", "error", err, "id", id, "status", status)
		return fmt.Errorf("failed to update patient task %s: %w", id, err)
	}
	slog.Debug("PostgresStore UpdatePatientTaskStatus succeeded", "id", id, "status", status)
	return nil
}

// MarkOverdueTasksFailed transitions pending tasks scheduled before the cutoff to failed.
func (s *PostgresStore) MarkOverdueTasksFailed(before time.Time) (int, error) {
	res, err := s.db.Exec(`UPDATE patient_tasks SET status = 'failed', updated_at = $1
						   WHERE status = 'pending' AND scheduled_date < $2`, time.Now(), before)
	if err != nil {
		slog.Error("PostgresStore MarkOverdueTasksFailed failed", "error", err)
		return 0, fmt.Errorf("failed to mark overdue tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	slog.Debug("PostgresStore MarkOverdueTasksFailed succeeded", "count", n)
	return int(n), nil
}

// SaveFormTemplate stores or updates a form template with its sections and questions.
func (s *PostgresStore) SaveFormTemplate(t models.FormTemplate) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin form template save: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO form_templates (id, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, updated_at = EXCLUDED.updated_at`,
		t.ID, t.Name, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveFormTemplate failed", "error", err, "id", t.ID)
		return fmt.Errorf("failed to save form template %s: %w", t.ID, err)
	}

	if _, err := tx.Exec(`DELETE FROM questions WHERE section_id IN (SELECT id FROM form_sections WHERE template_id = $1)`, t.ID); err != nil {
		return fmt.Errorf("failed to replace template questions: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM form_sections WHERE template_id = $1`, t.ID); err != nil {
		return fmt.Errorf("failed to replace template sections: %w", err)
	}

	for _, sec := range t.Sections {
		_, err = tx.Exec(`INSERT INTO form_sections (id, template_id, title, position) VALUES ($1, $2, $3, $4)`,
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
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				q.ID, sec.ID, q.Text, string(q.Type), q.IsRequired, optionsJSON, alertsJSON, q.Position)
			if err != nil {
				return fmt.Errorf("failed to save question %s: %w", q.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit form template save: %w", err)
	}
	slog.Debug("PostgresStore SaveFormTemplate succeeded", "id", t.ID, "sections", len(t.Sections))
	return nil
}

// GetFormTemplate retrieves a form template with sections and questions.
// Returns (nil, nil) when not found.
func (s *PostgresStore) GetFormTemplate(id string) (*models.FormTemplate, error) {
	var t models.FormTemplate
	err := s.db.QueryRow(`SELECT id, name, created_at, updated_at FROM form_templates WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetFormTemplate not found", "id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetFormTemplate failed", "error", err, "id", id)
		return nil, err
	}

	secRows, err := s.db.Query(`SELECT id, template_id, title, position FROM form_sections
								WHERE template_id = $1 ORDER BY position ASC`, id)
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
								  FROM questions WHERE section_id = $1 ORDER BY position ASC`, t.Sections[i].ID)
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
	slog.Debug("PostgresStore GetFormTemplate found", "id", id, "sections", len(t.Sections))
	return &t, nil
}

// SavePatientForm stores or updates a patient form instance.
func (s *PostgresStore) SavePatientForm(f models.PatientForm) error {
	query := `
		INSERT INTO patient_forms (id, template_id, patient_id, patient_task_id, status, completion_percentage, completed_at, document_url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			completion_percentage = EXCLUDED.completion_percentage,
			completed_at = EXCLUDED.completed_at,
			document_url = EXCLUDED.document_url,
			updated_at = EXCLUDED.updated_at`

	var completedAt interface{}
	if f.CompletedAt != nil {
		completedAt = *f.CompletedAt
	}
	_, err := s.db.Exec(query, f.ID, f.TemplateID, f.PatientID, nilIfEmpty(f.PatientTaskID),
		string(f.Status), f.CompletionPercentage, completedAt, nilIfEmpty(f.DocumentURL),
		f.CreatedAt, f.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore SavePatientForm failed", "error", err, "id", f.ID)
		return fmt.Errorf("failed to save patient form %s: %w", f.ID, err)
	}
	slog.Debug("PostgresStore SavePatientForm succeeded", "id", f.ID)
	return nil
}

// GetPatientForm retrieves a patient form by ID. Returns (nil, nil) when not found.
func (s *PostgresStore) GetPatientForm(id string) (*models.PatientForm, error) {
	query := `SELECT id, template_id, patient_id, patient_task_id, status, completion_percentage, completed_at, document_url, created_at, updated_at
			  FROM patient_forms WHERE id = $1`

	var f models.PatientForm
	var taskID, documentURL sql.NullString
	var status string
	var completedAt sql.NullTime
	err := s.db.QueryRow(query, id).Scan(&f.ID, &f.TemplateID, &f.PatientID, &taskID, &status,
		&f.CompletionPercentage, &completedAt, &documentURL, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetPatientForm not found", "id", id)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetPatientForm failed", "error", err, "id", id)
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
func (s *PostgresStore) UpdatePatientFormStatus(id string, status models.FormStatus, completionPercentage int, completedAt *time.Time) error {
	var completed interface{}
	if completedAt != nil {
		completed = *completedAt
	}
	_, err := s.db.Exec(`UPDATE patient_forms SET status = $1, completion_percentage = $2, completed_at = $3, updated_at = $4 WHERE id = $5`,
		string(status), completionPercentage, completed, time.Now(), id)
	if err != nil {
		slog.Error("PostgresStore UpdatePatientFormStatus failed", "error", err, "id", id)
		return fmt.Errorf("failed to update patient form %s: %w", id, err)
	}
	slog.Debug("PostgresStore UpdatePatientFormStatus succeeded", "id", id, "status", status, "pct", completionPercentage)
	return nil
}

// SetPatientFormDocumentURL records the generated document URL for a form.
func (s *PostgresStore) SetPatientFormDocumentURL(id, url string) error {
	_, err := s.db.Exec(`UPDATE patient_forms SET document_url = $1, updated_at = $2 WHERE id = $3`, url, time.Now(), id)
	if err != nil {
		slog.Error("PostgresStore SetPatientFormDocumentURL failed", "error", err, "id", id)
		return fmt.Errorf("failed to set document url for form %s: %w", id, err)
	}
	return nil
}

const questionResponseColumns = `id, patient_form_id, question_id, response_type, text_value, number_value,
	date_value, time_value, boolean_value, json_value, file_urls_json, response_method, created_at, updated_at`

// UpsertQuestionResponse stores a response, replacing any existing response
// for the same (form, question). Duplicate submissions are idempotent.
func (s *PostgresStore) UpsertQuestionResponse(r models.QuestionResponse) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (patient_form_id, question_id) DO UPDATE SET
			response_type = EXCLUDED.response_type,
			text_value = EXCLUDED.text_value,
			number_value = EXCLUDED.number_value,
			date_value = EXCLUDED.date_value,
			time_value = EXCLUDED.time_value,
			boolean_value = EXCLUDED.boolean_value,
			json_value = EXCLUDED.json_value,
			file_urls_json = EXCLUDED.file_urls_json,
			response_method = EXCLUDED.response_method,
			updated_at = EXCLUDED.updated_at`

	_, err = s.db.Exec(query, r.ID, r.PatientFormID, r.QuestionID, string(r.ResponseType),
		nilIfEmpty(r.TextValue), numberValue, nilIfEmpty(r.DateValue), nilIfEmpty(r.TimeValue),
		booleanValue, nilIfEmpty(r.JSONValue), fileURLsJSON, string(r.Method), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		slog.Error("PostgresStore UpsertQuestionResponse failed", "error", err, "formID", r.PatientFormID, "questionID", r.QuestionID)
		return fmt.Errorf("failed to upsert response for question %s: %w", r.QuestionID, err)
	}
	slog.Debug("PostgresStore UpsertQuestionResponse succeeded", "formID", r.PatientFormID, "questionID", r.QuestionID)
	return nil
}

// GetQuestionResponse retrieves the response for a (form, question) pair.
// Returns (nil, nil) when not found.
func (s *PostgresStore) GetQuestionResponse(patientFormID, questionID string) (*models.QuestionResponse, error) {
	row := s.db.QueryRow(`SELECT `+questionResponseColumns+` FROM question_responses
						  WHERE patient_form_id = $1 AND question_id = $2`, patientFormID, questionID)
	r, err := scanQuestionResponse(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetQuestionResponse failed", "error", err, "formID", patientFormID, "questionID", questionID)
		return nil, err
	}
	return &r, nil
}

// GetQuestionResponses retrieves all responses for a patient form.
func (s *PostgresStore) GetQuestionResponses(patientFormID string) ([]models.QuestionResponse, error) {
	rows, err := s.db.Query(`SELECT `+questionResponseColumns+` FROM question_responses
							 WHERE patient_form_id = $1 ORDER BY created_at ASC`, patientFormID)
	if err != nil {
		slog.Error("PostgresStore GetQuestionResponses failed", "error", err, "formID", patientFormID)
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
	slog.Debug("PostgresStore GetQuestionResponses succeeded", "formID", patientFormID, "count", len(responses))
	return responses, nil
}

// AddClinicalAlert inserts a derived clinical alert.
func (s *PostgresStore) AddClinicalAlert(a models.ClinicalAlert) error {
	query := `
		INSERT INTO clinical_alerts (id, patient_id, patient_form_id, question_id, alert_type, severity,
			message, requires_immediate_action, notify_provider, resolved, resolved_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := s.db.Exec(query, a.ID, a.PatientID, nilIfEmpty(a.PatientFormID), nilIfEmpty(a.QuestionID),
		string(a.Type), string(a.Severity), a.Message, a.RequiresImmediateAction, a.NotifyProvider,
		a.Resolved, nil, a.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore AddClinicalAlert failed", "error", err, "id", a.ID)
		return fmt.Errorf("failed to insert clinical alert %s: %w", a.ID, err)
	}
	slog.Debug("PostgresStore AddClinicalAlert succeeded", "id", a.ID, "severity", a.Severity)
	return nil
}

// GetPatientAlerts retrieves all alerts for a patient, newest first.
func (s *PostgresStore) GetPatientAlerts(patientID string) ([]models.ClinicalAlert, error) {
	rows, err := s.db.Query(`
		SELECT id, patient_id, patient_form_id, question_id, alert_type, severity, message,
			requires_immediate_action, notify_provider, resolved, resolved_at, created_at
		FROM clinical_alerts WHERE patient_id = $1 ORDER BY created_at DESC`, patientID)
	if err != nil {
		slog.Error("PostgresStore GetPatientAlerts failed", "error", err, "patientID", patientID)
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
	slog.Debug("PostgresStore GetPatientAlerts succeeded", "patientID", patientID, "count", len(alerts))
	return alerts, nil
}

// ResolveClinicalAlert marks an alert as resolved.
func (s *PostgresStore) ResolveClinicalAlert(id string) error {
	_, err := s.db.Exec(`UPDATE clinical_alerts SET resolved = TRUE, resolved_at = $1 WHERE id = $2`, time.Now(), id)
	if err != nil {
		slog.Error("PostgresStore ResolveClinicalAlert failed", "error", err, "id", id)
		return fmt.Errorf("failed to resolve clinical alert %s: %w", id, err)
	}
	slog.Debug("PostgresStore ResolveClinicalAlert succeeded", "id", id)
	return nil
}
