// Package schedule expands recovery protocols into dated patient task
// occurrences anchored on a surgery date.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CareSignal/CarePipe/internal/models"
	"github.com/CareSignal/CarePipe/internal/store"
	"github.com/CareSignal/CarePipe/internal/util"
)

// ScheduleHorizonDays caps how far past the anchor date occurrences are
// generated. 200 days covers the longest supported recovery program.
const ScheduleHorizonDays = 200

// Error variables for assignment failures.
var (
	ErrProtocolNotFound = errors.New("protocol not found")
	ErrPatientNotFound  = errors.New("patient not found")
)

// AssignRequest carries the inputs for a protocol assignment.
type AssignRequest struct {
	ProtocolID string
	PatientID  string
	// StartDate overrides the patient's surgery date as the anchor when set.
	StartDate *time.Time
}

// TaskFailure records a protocol task whose occurrences could not be stored.
type TaskFailure struct {
	ProtocolTaskID string `json:"protocol_task_id"`
	Title          string `json:"title"`
	Error          string `json:"error"`
}

// AssignmentResult reports the outcome of an assignment.
type AssignmentResult struct {
	AssignmentID string        `json:"assignment_id"`
	AnchorDate   time.Time     `json:"anchor_date"`
	TasksCreated int           `json:"tasks_created"`
	Failures     []TaskFailure `json:"failures,omitempty"`
}

// Generator expands protocols into patient task schedules.
type Generator struct {
	store store.Store
}

// NewGenerator creates a schedule generator backed by the given store.
func NewGenerator(st store.Store) *Generator {
	return &Generator{store: st}
}

// Assign activates a protocol for a patient and generates the full task
// schedule. The anchor is the request's start date when provided, otherwise
// the patient's surgery date. A protocol with no tasks still produces an
// assignment. Per-task insertion failures are collected and do not abort the
// remaining tasks.
func (g *Generator) Assign(ctx context.Context, req AssignRequest) (*AssignmentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	slog.Debug("Generator.Assign: assigning protocol", "protocolID", req.ProtocolID, "patientID", req.PatientID)

	protocol, err := g.store.GetProtocol(req.ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("failed to load protocol %s: %w", req.ProtocolID, err)
	}
	if protocol == nil {
		return nil, ErrProtocolNotFound
	}

	patient, err := g.store.GetPatient(req.PatientID)
	if err != nil {
		return nil, fmt.Errorf("failed to load patient %s: %w", req.PatientID, err)
	}
	if patient == nil {
		return nil, ErrPatientNotFound
	}

	anchor, err := resolveAnchor(req, patient)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	assignment := models.ProtocolAssignment{
		ID:              util.GenerateAssignmentID(),
		PatientID:       req.PatientID,
		ProtocolID:      req.ProtocolID,
		ProtocolVersion: protocol.Version,
		AnchorDate:      anchor,
		Status:          models.AssignmentStatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	assignmentID, err := g.store.UpsertActiveAssignment(assignment)
	if err != nil {
		return nil, fmt.Errorf("failed to create assignment: %w", err)
	}

	result := &AssignmentResult{
		AssignmentID: assignmentID,
		AnchorDate:   anchor,
	}

	for _, task := range protocol.Tasks {
		dates := CalculateTaskSchedule(task, anchor)
		occurrences := make([]models.PatientTask, 0, len(dates))
		for _, date := range dates {
			occurrences = append(occurrences, models.PatientTask{
				ID:             util.GenerateTaskID(),
				AssignmentID:   assignmentID,
				ProtocolTaskID: task.ID,
				PatientID:      req.PatientID,
				Title:          task.Title,
				Type:           task.Type,
				ScheduledDate:  date,
				Status:         models.TaskStatusPending,
				Frequency:      task.Frequency,
				CreatedAt:      now,
				UpdatedAt:      now,
			})
		}
		if err := g.store.AddPatientTasks(occurrences); err != nil {
			slog.Error("Generator.Assign: failed to store task occurrences, continuing",
				"protocolTaskID", task.ID, "title", task.Title, "error", err)
			result.Failures = append(result.Failures, TaskFailure{
				ProtocolTaskID: task.ID,
				Title:          task.Title,
				Error:          err.Error(),
			})
			continue
		}
		result.TasksCreated += len(occurrences)
	}

	slog.Info("Generator.Assign: schedule generated", "assignmentID", assignmentID,
		"patientID", req.PatientID, "protocolID", req.ProtocolID,
		"tasksCreated", result.TasksCreated, "failures", len(result.Failures))
	return result, nil
}

// resolveAnchor picks the anchor date: explicit start date first, then the
// patient's surgery date.
func resolveAnchor(req AssignRequest, patient *models.Patient) (time.Time, error) {
	if req.StartDate != nil {
		return truncateToDay(*req.StartDate), nil
	}
	if patient.SurgeryDate != nil {
		return truncateToDay(*patient.SurgeryDate), nil
	}
	return time.Time{}, models.ErrMissingAnchorDate
}

// CalculateTaskSchedule expands a protocol task into concrete dates. The first
// occurrence lands DayOffset days after the anchor; DayOffset may be negative
// for pre-surgery preparation tasks. Repeating tasks step forward by their
// frequency until the schedule horizon.
func CalculateTaskSchedule(task models.ProtocolTask, anchor time.Time) []time.Time {
	anchor = truncateToDay(anchor)
	start := anchor.AddDate(0, 0, task.DayOffset)

	if !task.Frequency.Repeat {
		return []time.Time{start}
	}

	step := stepDays(task.Frequency)
	horizon := anchor.AddDate(0, 0, ScheduleHorizonDays)

	var dates []time.Time
	for date := start; !date.After(horizon); date = date.AddDate(0, 0, step) {
		dates = append(dates, date)
	}
	return dates
}

// stepDays maps a repeat frequency to a day interval. Monthly is a flat
// 30-day step rather than calendar months.
func stepDays(f models.Frequency) int {
	switch f.Type {
	case models.FrequencyDaily:
		return 1
	case models.FrequencyEveryOtherDay:
		return 2
	case models.FrequencyWeekly:
		return 7
	case models.FrequencyBiweekly:
		return 14
	case models.FrequencyMonthly:
		return 30
	case models.FrequencyCustom:
		if f.Interval > 0 {
			return f.Interval
		}
		return 1
	default:
		slog.Warn("stepDays: unrecognized frequency type, defaulting to daily", "type", f.Type)
		return 1
	}
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
