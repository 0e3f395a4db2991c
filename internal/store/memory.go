// Package store provides storage backends for CarePipe.
//
// This file implements an in-memory store used by tests and ephemeral runs.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/CareSignal/CarePipe/internal/models"
	"github.com/CareSignal/CarePipe/internal/util"
)

// InMemoryStore keeps all data in process memory. It implements the full
// Store interface so tests can exercise the same code paths as the SQL
// backends without a database.
type InMemoryStore struct {
	mu sync.Mutex

	patients    map[string]models.Patient
	protocols   map[string]models.Protocol
	assignments map[string]models.ProtocolAssignment
	tasks       map[string]models.PatientTask
	templates   map[string]models.FormTemplate
	forms       map[string]models.PatientForm
	responses   map[string]models.QuestionResponse // key: formID + "|" + questionID
	alerts      map[string]models.ClinicalAlert
	jobs        map[string]Job
	outbox      map[string]OutboxMessage
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		patients:    make(map[string]models.Patient),
		protocols:   make(map[string]models.Protocol),
		assignments: make(map[string]models.ProtocolAssignment),
		tasks:       make(map[string]models.PatientTask),
		templates:   make(map[string]models.FormTemplate),
		forms:       make(map[string]models.PatientForm),
		responses:   make(map[string]models.QuestionResponse),
		alerts:      make(map[string]models.ClinicalAlert),
		jobs:        make(map[string]Job),
		outbox:      make(map[string]OutboxMessage),
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) SavePatient(p models.Patient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patients[p.ID] = p
	return nil
}

func (s *InMemoryStore) GetPatient(id string) (*models.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patients[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *InMemoryStore) SaveProtocol(p models.Protocol) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocols[p.ID] = p
	return nil
}

func (s *InMemoryStore) GetProtocol(id string) (*models.Protocol, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.protocols[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *InMemoryStore) ListProtocols() ([]models.Protocol, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Protocol, 0, len(s.protocols))
	for _, p := range s.protocols {
		p.Tasks = nil
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) UpsertActiveAssignment(a models.ProtocolAssignment) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.assignments {
		if existing.PatientID == a.PatientID && existing.ProtocolID == a.ProtocolID && existing.Status == models.AssignmentStatusActive {
			return existing.ID, nil
		}
	}
	a.Status = models.AssignmentStatusActive
	s.assignments[a.ID] = a
	return a.ID, nil
}

func (s *InMemoryStore) GetAssignment(id string) (*models.ProtocolAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assignments[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *InMemoryStore) AddPatientTasks(tasks []models.PatientTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return nil
}

func (s *InMemoryStore) GetPatientTasks(patientID string) ([]models.PatientTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PatientTask
	for _, t := range s.tasks {
		if t.PatientID == patientID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledDate.Equal(out[j].ScheduledDate) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ScheduledDate.Before(out[j].ScheduledDate)
	})
	return out, nil
}

func (s *InMemoryStore) GetPatientTask(id string) (*models.PatientTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *InMemoryStore) UpdatePatientTaskStatus(id string, status models.TaskStatus, completionData string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil
	}
	t.Status = status
	t.CompletionData = completionData
	t.UpdatedAt = time.Now()
	s.tasks[id] = t
	return nil
}

func (s *InMemoryStore) MarkOverdueTasksFailed(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, t := range s.tasks {
		if t.Status == models.TaskStatusPending && t.ScheduledDate.Before(before) {
			t.Status = models.TaskStatusFailed
			t.UpdatedAt = time.Now()
			s.tasks[id] = t
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) SaveFormTemplate(t models.FormTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = t
	return nil
}

func (s *InMemoryStore) GetFormTemplate(id string) (*models.FormTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *InMemoryStore) SavePatientForm(f models.PatientForm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forms[f.ID] = f
	return nil
}

func (s *InMemoryStore) GetPatientForm(id string) (*models.PatientForm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.forms[id]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (s *InMemoryStore) UpdatePatientFormStatus(id string, status models.FormStatus, completionPercentage int, completedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.forms[id]
	if !ok {
		return nil
	}
	f.Status = status
	f.CompletionPercentage = completionPercentage
	f.CompletedAt = completedAt
	f.UpdatedAt = time.Now()
	s.forms[id] = f
	return nil
}

func (s *InMemoryStore) SetPatientFormDocumentURL(id, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.forms[id]
	if !ok {
		return nil
	}
	f.DocumentURL = url
	f.UpdatedAt = time.Now()
	s.forms[id] = f
	return nil
}

func responseKey(formID, questionID string) string {
	return formID + "|" + questionID
}

func (s *InMemoryStore) UpsertQuestionResponse(r models.QuestionResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := responseKey(r.PatientFormID, r.QuestionID)
	if existing, ok := s.responses[key]; ok {
		r.ID = existing.ID
		r.CreatedAt = existing.CreatedAt
	}
	s.responses[key] = r
	return nil
}

func (s *InMemoryStore) GetQuestionResponse(patientFormID, questionID string) (*models.QuestionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.responses[responseKey(patientFormID, questionID)]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *InMemoryStore) GetQuestionResponses(patientFormID string) ([]models.QuestionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.QuestionResponse
	for _, r := range s.responses {
		if r.PatientFormID == patientFormID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) AddClinicalAlert(a models.ClinicalAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[a.ID] = a
	return nil
}

func (s *InMemoryStore) GetPatientAlerts(patientID string) ([]models.ClinicalAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ClinicalAlert
	for _, a := range s.alerts {
		if a.PatientID == patientID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) ResolveClinicalAlert(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil
	}
	now := time.Now()
	a.Resolved = true
	a.ResolvedAt = &now
	s.alerts[id] = a
	return nil
}

// Job repo

var _ JobRepo = (*InMemoryStore)(nil)

func (s *InMemoryStore) EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, j := range s.jobs {
			if j.DedupeKey == dedupeKey && j.Status != JobStatusDone && j.Status != JobStatusCanceled {
				return j.ID, nil
			}
		}
	}
	now := time.Now()
	j := Job{
		ID:          util.GenerateRandomID("job_", 32),
		Kind:        kind,
		RunAt:       runAt,
		PayloadJSON: payloadJSON,
		Status:      JobStatusQueued,
		MaxAttempts: 3,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *InMemoryStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		lockedAt := now
		due[i].Status = JobStatusRunning
		due[i].LockedAt = &lockedAt
		due[i].UpdatedAt = now
		s.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *InMemoryStore) UpdateJobProgress(id, progress string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	j.Progress = progress
	j.UpdatedAt = time.Now()
	s.jobs[id] = j
	return nil
}

func (s *InMemoryStore) CompleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	j.Status = JobStatusDone
	j.UpdatedAt = time.Now()
	s.jobs[id] = j
	return nil
}

func (s *InMemoryStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	j.Attempt++
	j.LastError = errMsg
	j.LockedAt = nil
	if j.Attempt >= j.MaxAttempts {
		j.Status = JobStatusFailed
	} else {
		j.Status = JobStatusQueued
		j.RunAt = nextRunAt
	}
	j.UpdatedAt = time.Now()
	s.jobs[id] = j
	return nil
}

func (s *InMemoryStore) CancelJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil
	}
	j.Status = JobStatusCanceled
	j.LockedAt = nil
	j.UpdatedAt = time.Now()
	s.jobs[id] = j
	return nil
}

func (s *InMemoryStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			j.UpdatedAt = time.Now()
			s.jobs[id] = j
			count++
		}
	}
	return count, nil
}

func (s *InMemoryStore) GetJob(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

// Outbox repo

var _ OutboxRepo = (*InMemoryStore)(nil)

func (s *InMemoryStore) EnqueueOutboxMessage(patientID, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && m.Status != OutboxStatusSent && m.Status != OutboxStatusCanceled {
				return m.ID, nil
			}
		}
	}
	now := time.Now()
	m := OutboxMessage{
		ID:          util.GenerateRandomID("outbox_", 32),
		PatientID:   patientID,
		Kind:        kind,
		PayloadJSON: payloadJSON,
		Status:      OutboxStatusQueued,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.outbox[m.ID] = m
	return m.ID, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []OutboxMessage
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		lockedAt := now
		due[i].Status = OutboxStatusSending
		due[i].LockedAt = &lockedAt
		due[i].UpdatedAt = now
		s.outbox[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return nil
	}
	m.Status = OutboxStatusSent
	m.UpdatedAt = time.Now()
	s.outbox[id] = m
	return nil
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return nil
	}
	m.Status = OutboxStatusQueued
	m.Attempts++
	m.LastError = errMsg
	m.NextAttemptAt = &nextAttemptAt
	m.LockedAt = nil
	m.UpdatedAt = time.Now()
	s.outbox[id] = m
	return nil
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for id, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			m.UpdatedAt = time.Now()
			s.outbox[id] = m
			count++
		}
	}
	return count, nil
}
