package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/CareSignal/CarePipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalJSONColumn serializes v to a JSON string for a text column, or nil
// when v is empty.
func marshalJSONColumn(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column failed: %w", err)
	}
	return string(data), nil
}

// scanJob scans a Job from sql.Rows.
func scanJob(rows *sql.Rows) (Job, error) {
	var j Job
	var payloadJSON, progress, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := rows.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &progress, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, fmt.Errorf("scan job failed: %w", err)
	}
	j.PayloadJSON = payloadJSON.String
	j.Progress = progress.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}

// scanJobRow scans a Job from a single sql.Row.
func scanJobRow(row *sql.Row) (Job, error) {
	var j Job
	var payloadJSON, progress, lastError, dedupeKey sql.NullString
	var lockedAt sql.NullTime
	err := row.Scan(
		&j.ID, &j.Kind, &j.RunAt, &payloadJSON, &j.Status, &progress, &j.Attempt, &j.MaxAttempts,
		&lastError, &lockedAt, &dedupeKey, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return j, err
	}
	j.PayloadJSON = payloadJSON.String
	j.Progress = progress.String
	j.LastError = lastError.String
	j.DedupeKey = dedupeKey.String
	if lockedAt.Valid {
		j.LockedAt = &lockedAt.Time
	}
	return j, nil
}

// scanOutboxMessage scans an OutboxMessage from sql.Rows.
func scanOutboxMessage(rows *sql.Rows) (OutboxMessage, error) {
	var m OutboxMessage
	var payloadJSON, dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := rows.Scan(
		&m.ID, &m.PatientID, &m.Kind, &payloadJSON, &m.Status, &m.Attempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.PayloadJSON = payloadJSON.String
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}

// scanPatientTask scans a PatientTask from sql.Rows.
func scanPatientTask(rows *sql.Rows) (models.PatientTask, error) {
	var t models.PatientTask
	var completionData, freqType sql.NullString
	var taskType, status string
	err := rows.Scan(
		&t.ID, &t.AssignmentID, &t.ProtocolTaskID, &t.PatientID, &t.Title, &taskType,
		&t.ScheduledDate, &status, &completionData,
		&t.Frequency.Repeat, &freqType, &t.Frequency.Interval,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return t, fmt.Errorf("scan patient task failed: %w", err)
	}
	t.Type = models.TaskType(taskType)
	t.Status = models.TaskStatus(status)
	t.CompletionData = completionData.String
	t.Frequency.Type = models.FrequencyType(freqType.String)
	return t, nil
}

// scanQuestionResponse scans a QuestionResponse from a row scanner.
func scanQuestionResponse(scan func(dest ...interface{}) error) (models.QuestionResponse, error) {
	var r models.QuestionResponse
	var responseType, method string
	var textValue, dateValue, timeValue, jsonValue, fileURLsJSON sql.NullString
	var numberValue sql.NullFloat64
	var booleanValue sql.NullBool
	err := scan(
		&r.ID, &r.PatientFormID, &r.QuestionID, &responseType,
		&textValue, &numberValue, &dateValue, &timeValue, &booleanValue,
		&jsonValue, &fileURLsJSON, &method, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return r, err
	}
	r.ResponseType = models.ResponseType(responseType)
	r.Method = models.ResponseMethod(method)
	r.TextValue = textValue.String
	r.DateValue = dateValue.String
	r.TimeValue = timeValue.String
	r.JSONValue = jsonValue.String
	if numberValue.Valid {
		r.NumberValue = &numberValue.Float64
	}
	if booleanValue.Valid {
		r.BooleanValue = &booleanValue.Bool
	}
	if fileURLsJSON.Valid && fileURLsJSON.String != "" {
		if err := json.Unmarshal([]byte(fileURLsJSON.String), &r.FileURLs); err != nil {
			return r, fmt.Errorf("unmarshal file urls failed: %w", err)
		}
	}
	return r, nil
}

// scanClinicalAlert scans a ClinicalAlert from sql.Rows.
func scanClinicalAlert(rows *sql.Rows) (models.ClinicalAlert, error) {
	var a models.ClinicalAlert
	var formID, questionID sql.NullString
	var alertType, severity string
	var resolvedAt sql.NullTime
	err := rows.Scan(
		&a.ID, &a.PatientID, &formID, &questionID, &alertType, &severity,
		&a.Message, &a.RequiresImmediateAction, &a.NotifyProvider,
		&a.Resolved, &resolvedAt, &a.CreatedAt,
	)
	if err != nil {
		return a, fmt.Errorf("scan clinical alert failed: %w", err)
	}
	a.PatientFormID = formID.String
	a.QuestionID = questionID.String
	a.Type = models.AlertType(alertType)
	a.Severity = models.AlertSeverity(severity)
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.Time
	}
	return a, nil
}
