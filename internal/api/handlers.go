package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/CareSignal/CarePipe/internal/docproc"
	"github.com/CareSignal/CarePipe/internal/forms"
	"github.com/CareSignal/CarePipe/internal/models"
	"github.com/CareSignal/CarePipe/internal/schedule"
	"github.com/CareSignal/CarePipe/internal/util"
)

// pathSegments splits the request path after the given prefix into its
// non-empty segments.
func pathSegments(r *http.Request, prefix string) []string {
	path := strings.TrimPrefix(r.URL.Path, prefix)
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// protocolsHandler handles the protocol collection (POST/GET /protocols).
func (s *Server) protocolsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.protocolsHandler: processing request", "method", r.Method, "path", r.URL.Path)
	switch r.Method {
	case http.MethodPost:
		s.createProtocol(w, r)
	case http.MethodGet:
		s.listProtocols(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		slog.Warn("Server.protocolsHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) createProtocol(w http.ResponseWriter, r *http.Request) {
	var p models.Protocol
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		slog.Warn("Server.createProtocol: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := p.Validate(); err != nil {
		slog.Warn("Server.createProtocol: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	now := time.Now()
	if p.ID == "" {
		p.ID = util.GenerateProtocolID()
	}
	if p.Version == 0 {
		p.Version = 1
	}
	p.CreatedAt = now
	p.UpdatedAt = now
	for i := range p.Tasks {
		if p.Tasks[i].ID == "" {
			p.Tasks[i].ID = util.GenerateProtocolTaskID()
		}
		p.Tasks[i].ProtocolID = p.ID
		p.Tasks[i].Position = i
		p.Tasks[i].CreatedAt = now
		p.Tasks[i].UpdatedAt = now
	}

	if err := s.st.SaveProtocol(p); err != nil {
		slog.Error("Server.createProtocol: failed to save protocol", "error", err, "protocolID", p.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save protocol"))
		return
	}
	slog.Info("Server.createProtocol: protocol created", "protocolID", p.ID, "tasks", len(p.Tasks))
	writeJSONResponse(w, http.StatusCreated, models.Success(p))
}

func (s *Server) listProtocols(w http.ResponseWriter, r *http.Request) {
	protocols, err := s.st.ListProtocols()
	if err != nil {
		slog.Error("Server.listProtocols: failed to list protocols", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch protocols"))
		return
	}
	slog.Debug("Server.listProtocols: protocols fetched", "count", len(protocols))
	writeJSONResponse(w, http.StatusOK, models.Success(protocols))
}

// protocolsRouter dispatches /protocols/{id} and /protocols/{id}/assign.
func (s *Server) protocolsRouter(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	segments := pathSegments(r, "/protocols")
	if len(segments) == 0 {
		s.protocolsHandler(w, r)
		return
	}
	protocolID := segments[0]

	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.getProtocol(w, r, protocolID)
		return
	}
	if len(segments) == 2 && segments[1] == "assign" {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.assignProtocol(w, r, protocolID)
		return
	}
	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown protocol endpoint"))
}

func (s *Server) getProtocol(w http.ResponseWriter, r *http.Request, protocolID string) {
	protocol, err := s.st.GetProtocol(protocolID)
	if err != nil {
		slog.Error("Server.getProtocol: failed to get protocol", "error", err, "protocolID", protocolID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch protocol"))
		return
	}
	if protocol == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Protocol not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(protocol))
}

// assignRequestBody is the expected body for POST /protocols/{id}/assign.
type assignRequestBody struct {
	PatientID string     `json:"patient_id"`
	StartDate *time.Time `json:"start_date,omitempty"`
}

func (s *Server) assignProtocol(w http.ResponseWriter, r *http.Request, protocolID string) {
	var body assignRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		slog.Warn("Server.assignProtocol: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if body.PatientID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: patient_id"))
		return
	}

	result, err := s.generator.Assign(r.Context(), schedule.AssignRequest{
		ProtocolID: protocolID,
		PatientID:  body.PatientID,
		StartDate:  body.StartDate,
	})
	if err != nil {
		switch {
		case errors.Is(err, schedule.ErrProtocolNotFound):
			writeJSONResponse(w, http.StatusNotFound, models.Error("Protocol not found"))
		case errors.Is(err, schedule.ErrPatientNotFound):
			writeJSONResponse(w, http.StatusNotFound, models.Error("Patient not found"))
		case errors.Is(err, models.ErrMissingAnchorDate):
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		default:
			slog.Error("Server.assignProtocol: assignment failed", "error", err, "protocolID", protocolID, "patientID", body.PatientID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to assign protocol"))
		}
		return
	}

	slog.Info("Server.assignProtocol: protocol assigned",
		"protocolID", protocolID, "patientID", body.PatientID,
		"assignmentID", result.AssignmentID, "tasksCreated", result.TasksCreated, "failures", len(result.Failures))
	writeJSONResponse(w, http.StatusCreated, models.Success(result))
}

// createPatientHandler handles patient enrollment (POST /patients).
func (s *Server) createPatientHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.createPatientHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.createPatientHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var p models.Patient
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		slog.Warn("Server.createPatientHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if p.Name == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: name"))
		return
	}

	now := time.Now()
	if p.ID == "" {
		p.ID = util.GeneratePatientID()
	}
	p.CreatedAt = now
	p.UpdatedAt = now

	if err := s.st.SavePatient(p); err != nil {
		slog.Error("Server.createPatientHandler: failed to save patient", "error", err, "patientID", p.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save patient"))
		return
	}
	slog.Info("Server.createPatientHandler: patient enrolled", "patientID", p.ID)
	writeJSONResponse(w, http.StatusCreated, models.Success(p))
}

// patientsRouter dispatches /patients/{id}, /patients/{id}/tasks, and
// /patients/{id}/alerts.
func (s *Server) patientsRouter(w http.ResponseWriter, r *http.Request) {
	segments := pathSegments(r, "/patients")
	if len(segments) == 0 {
		s.createPatientHandler(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	patientID := segments[0]

	if len(segments) == 1 {
		s.getPatient(w, r, patientID)
		return
	}
	if len(segments) == 2 {
		switch segments[1] {
		case "tasks":
			s.getPatientTasks(w, r, patientID)
			return
		case "alerts":
			s.getPatientAlerts(w, r, patientID)
			return
		}
	}
	writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown patient endpoint"))
}

func (s *Server) getPatient(w http.ResponseWriter, r *http.Request, patientID string) {
	patient, err := s.st.GetPatient(patientID)
	if err != nil {
		slog.Error("Server.getPatient: failed to get patient", "error", err, "patientID", patientID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch patient"))
		return
	}
	if patient == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Patient not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(patient))
}

func (s *Server) getPatientTasks(w http.ResponseWriter, r *http.Request, patientID string) {
	tasks, err := s.st.GetPatientTasks(patientID)
	if err != nil {
		slog.Error("Server.getPatientTasks: failed to get tasks", "error", err, "patientID", patientID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch tasks"))
		return
	}
	slog.Debug("Server.getPatientTasks: tasks fetched", "patientID", patientID, "count", len(tasks))
	writeJSONResponse(w, http.StatusOK, models.Success(tasks))
}

func (s *Server) getPatientAlerts(w http.ResponseWriter, r *http.Request, patientID string) {
	alerts, err := s.st.GetPatientAlerts(patientID)
	if err != nil {
		slog.Error("Server.getPatientAlerts: failed to get alerts", "error", err, "patientID", patientID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch alerts"))
		return
	}
	slog.Debug("Server.getPatientAlerts: alerts fetched", "patientID", patientID, "count", len(alerts))
	writeJSONResponse(w, http.StatusOK, models.Success(alerts))
}

// taskUpdateBody is the expected body for PATCH /tasks/{id}.
type taskUpdateBody struct {
	Status         models.TaskStatus `json:"status"`
	CompletionData string            `json:"completion_data,omitempty"`
}

// tasksRouter dispatches PATCH /tasks/{id}.
func (s *Server) tasksRouter(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.tasksRouter: processing request", "method", r.Method, "path", r.URL.Path)
	segments := pathSegments(r, "/tasks")
	if len(segments) != 1 {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown task endpoint"))
		return
	}
	if r.Method != http.MethodPatch {
		w.Header().Set("Allow", http.MethodPatch)
		slog.Warn("Server.tasksRouter: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	taskID := segments[0]

	var body taskUpdateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		slog.Warn("Server.tasksRouter: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if !models.IsValidTaskStatus(body.Status) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid task status"))
		return
	}

	task, err := s.st.GetPatientTask(taskID)
	if err != nil {
		slog.Error("Server.tasksRouter: failed to get task", "error", err, "taskID", taskID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch task"))
		return
	}
	if task == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Task not found"))
		return
	}

	if err := s.st.UpdatePatientTaskStatus(taskID, body.Status, body.CompletionData); err != nil {
		slog.Error("Server.tasksRouter: failed to update task", "error", err, "taskID", taskID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update task"))
		return
	}
	slog.Info("Server.tasksRouter: task updated", "taskID", taskID, "status", body.Status)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Task updated", nil))
}

// responseBody is the expected body for POST /responses.
type responseBody struct {
	PatientFormID string                `json:"patient_form_id"`
	QuestionID    string                `json:"question_id"`
	Value         string                `json:"value"`
	Method        models.ResponseMethod `json:"response_method,omitempty"`
}

// responsesHandler evaluates a submitted form response (POST /responses).
func (s *Server) responsesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.responsesHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.responsesHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var body responseBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		slog.Warn("Server.responsesHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if body.PatientFormID == "" || body.QuestionID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required fields: patient_form_id, question_id"))
		return
	}
	if body.Method == "" {
		body.Method = models.ResponseMethodManual
	}

	result, err := s.evaluator.SaveResponse(r.Context(), forms.SaveResponseInput{
		PatientFormID: body.PatientFormID,
		QuestionID:    body.QuestionID,
		RawValue:      body.Value,
		Method:        body.Method,
	})
	if err != nil {
		switch {
		case errors.Is(err, forms.ErrFormNotFound):
			writeJSONResponse(w, http.StatusNotFound, models.Error("Patient form not found"))
		case errors.Is(err, forms.ErrTemplateNotFound):
			writeJSONResponse(w, http.StatusNotFound, models.Error("Form template not found"))
		case errors.Is(err, forms.ErrQuestionNotFound):
			writeJSONResponse(w, http.StatusNotFound, models.Error("Question not found"))
		default:
			slog.Error("Server.responsesHandler: evaluation failed", "error", err, "formID", body.PatientFormID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process response"))
		}
		return
	}
	if !result.Success {
		slog.Warn("Server.responsesHandler: response rejected",
			"formID", body.PatientFormID, "questionID", body.QuestionID, "reason", result.ValidationError)
		writeJSONResponse(w, http.StatusBadRequest, models.NewAPIResponseBuilder().
			WithStatus(models.APIStatusError).
			WithMessage(result.ValidationError).
			WithResult(result).
			Build())
		return
	}

	slog.Info("Server.responsesHandler: response recorded",
		"formID", body.PatientFormID, "questionID", body.QuestionID, "alertsRaised", len(result.AlertsRaised))
	writeJSONResponse(w, http.StatusCreated, models.Recorded(result))
}

// formsRouter dispatches GET /forms/{id}/status.
func (s *Server) formsRouter(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.formsRouter: processing request", "method", r.Method, "path", r.URL.Path)
	segments := pathSegments(r, "/forms")
	if len(segments) != 2 || segments[1] != "status" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown form endpoint"))
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	formID := segments[0]

	status, err := s.evaluator.FormCompletionStatus(r.Context(), formID)
	if err != nil {
		if errors.Is(err, forms.ErrFormNotFound) || errors.Is(err, forms.ErrTemplateNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Patient form not found"))
			return
		}
		slog.Error("Server.formsRouter: failed to compute completion", "error", err, "formID", formID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch form status"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(status))
}

// alertsRouter dispatches POST /alerts/{id}/resolve.
func (s *Server) alertsRouter(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.alertsRouter: processing request", "method", r.Method, "path", r.URL.Path)
	segments := pathSegments(r, "/alerts")
	if len(segments) != 2 || segments[1] != "resolve" {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown alert endpoint"))
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	alertID := segments[0]

	if err := s.st.ResolveClinicalAlert(alertID); err != nil {
		slog.Error("Server.alertsRouter: failed to resolve alert", "error", err, "alertID", alertID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to resolve alert"))
		return
	}
	slog.Info("Server.alertsRouter: alert resolved", "alertID", alertID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Alert resolved", nil))
}

// processDocumentHandler submits a document extraction job (POST /documents/process).
func (s *Server) processDocumentHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.processDocumentHandler: processing request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.processDocumentHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.processor == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Document processing not configured"))
		return
	}

	var req docproc.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.processDocumentHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	result, err := s.processor.SubmitDocument(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, docproc.ErrEmptyDocument):
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		case errors.Is(err, docproc.ErrFormNotFound):
			writeJSONResponse(w, http.StatusNotFound, models.Error("Patient form not found"))
		default:
			slog.Error("Server.processDocumentHandler: failed to submit document", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to submit document"))
		}
		return
	}
	slog.Info("Server.processDocumentHandler: document job queued", "jobID", result.JobID, "formID", req.PatientFormID)
	writeJSONResponse(w, http.StatusAccepted, models.Queued(result))
}

// documentJobRouter reports extraction job status (GET /documents/jobs/{id}).
func (s *Server) documentJobRouter(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.documentJobRouter: processing request", "method", r.Method, "path", r.URL.Path)
	segments := pathSegments(r, "/documents/jobs")
	if len(segments) != 1 {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown document endpoint"))
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	jobID := segments[0]

	job, err := s.jobs.GetJob(jobID)
	if err != nil {
		slog.Error("Server.documentJobRouter: failed to get job", "error", err, "jobID", jobID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to fetch job"))
		return
	}
	if job == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Job not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(job))
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	// A store round trip as a health indicator
	if protocols, err := s.st.ListProtocols(); err != nil {
		slog.Warn("Server.healthHandler: store check failed", "error", err)
		healthData["status"] = "degraded"
		healthData["error"] = "Failed to reach store"
	} else {
		healthData["protocols"] = len(protocols)
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSONResponse(w, statusCode, healthData)
}
