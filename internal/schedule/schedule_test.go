package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/CareSignal/CarePipe/internal/models"
	"github.com/CareSignal/CarePipe/internal/store"
)

var anchor = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func day(offset int) time.Time {
	return anchor.AddDate(0, 0, offset)
}

func TestCalculateTaskSchedule_NonRepeating(t *testing.T) {
	task := models.ProtocolTask{
		Title:     "Pre-op education video",
		Type:      models.TaskTypeVideo,
		DayOffset: 3,
		Frequency: models.Frequency{Repeat: false},
	}
	dates := CalculateTaskSchedule(task, anchor)
	if len(dates) != 1 {
		t.Fatalf("Expected exactly 1 occurrence, got %d", len(dates))
	}
	if !dates[0].Equal(day(3)) {
		t.Errorf("Expected occurrence on %v, got %v", day(3), dates[0])
	}
}

func TestCalculateTaskSchedule_NegativeOffset(t *testing.T) {
	task := models.ProtocolTask{
		Title:     "Fasting instructions",
		Type:      models.TaskTypeEducation,
		DayOffset: -2,
		Frequency: models.Frequency{Repeat: false},
	}
	dates := CalculateTaskSchedule(task, anchor)
	if len(dates) != 1 || !dates[0].Equal(day(-2)) {
		t.Errorf("Expected single pre-anchor occurrence on %v, got %v", day(-2), dates)
	}
}

func TestCalculateTaskSchedule_DailyFillsHorizon(t *testing.T) {
	task := models.ProtocolTask{
		Title:     "Ice and elevate",
		Type:      models.TaskTypeExercise,
		DayOffset: 0,
		Frequency: models.Frequency{Repeat: true, Type: models.FrequencyDaily},
	}
	dates := CalculateTaskSchedule(task, anchor)
	// Day 0 through day 200 inclusive.
	if len(dates) != ScheduleHorizonDays+1 {
		t.Fatalf("Expected %d occurrences, got %d", ScheduleHorizonDays+1, len(dates))
	}
	if !dates[0].Equal(anchor) {
		t.Errorf("First occurrence should be the anchor, got %v", dates[0])
	}
	last := dates[len(dates)-1]
	if !last.Equal(day(ScheduleHorizonDays)) {
		t.Errorf("Last occurrence should be day %d, got %v", ScheduleHorizonDays, last)
	}
}

func TestCalculateTaskSchedule_WeeklySpacing(t *testing.T) {
	task := models.ProtocolTask{
		Title:     "Weekly check-in",
		Type:      models.TaskTypeForm,
		DayOffset: 7,
		Frequency: models.Frequency{Repeat: true, Type: models.FrequencyWeekly},
	}
	dates := CalculateTaskSchedule(task, anchor)
	if len(dates) == 0 {
		t.Fatal("Expected occurrences")
	}
	for i := 1; i < len(dates); i++ {
		gap := dates[i].Sub(dates[i-1])
		if gap != 7*24*time.Hour {
			t.Errorf("Expected 7-day spacing, got %v between %v and %v", gap, dates[i-1], dates[i])
		}
	}
	last := dates[len(dates)-1]
	if last.After(day(ScheduleHorizonDays)) {
		t.Errorf("Occurrence %v exceeds horizon %v", last, day(ScheduleHorizonDays))
	}
	// Next step would land past the horizon.
	if next := last.AddDate(0, 0, 7); !next.After(day(ScheduleHorizonDays)) {
		t.Errorf("Expansion stopped early: %v still within horizon", next)
	}
}

func TestCalculateTaskSchedule_StepTable(t *testing.T) {
	cases := []struct {
		name string
		freq models.Frequency
		step int
	}{
		{"everyOtherDay", models.Frequency{Repeat: true, Type: models.FrequencyEveryOtherDay}, 2},
		{"biweekly", models.Frequency{Repeat: true, Type: models.FrequencyBiweekly}, 14},
		{"monthly", models.Frequency{Repeat: true, Type: models.FrequencyMonthly}, 30},
		{"custom 5", models.Frequency{Repeat: true, Type: models.FrequencyCustom, Interval: 5}, 5},
		{"custom unset interval", models.Frequency{Repeat: true, Type: models.FrequencyCustom}, 1},
		{"unrecognized type", models.Frequency{Repeat: true, Type: "fortnightly"}, 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			task := models.ProtocolTask{Title: "t", Type: models.TaskTypeExercise, Frequency: c.freq}
			dates := CalculateTaskSchedule(task, anchor)
			if len(dates) < 2 {
				t.Fatalf("Expected multiple occurrences, got %d", len(dates))
			}
			if gap := dates[1].Sub(dates[0]); gap != time.Duration(c.step)*24*time.Hour {
				t.Errorf("Expected %d-day step, got %v", c.step, gap)
			}
		})
	}
}

func seedStore(t *testing.T) *store.InMemoryStore {
	t.Helper()
	s := store.NewInMemoryStore()
	now := time.Now()

	surgery := anchor
	if err := s.SavePatient(models.Patient{
		ID: "pat_1", Name: "Jordan Reyes", SurgeryDate: &surgery,
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("SavePatient failed: %v", err)
	}
	if err := s.SavePatient(models.Patient{
		ID: "pat_nodate", Name: "Sam Okafor",
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("SavePatient failed: %v", err)
	}

	if err := s.SaveProtocol(models.Protocol{
		ID: "proto_1", Name: "Knee Replacement Recovery", Version: 1,
		Tasks: []models.ProtocolTask{
			{ID: "ptk_walk", ProtocolID: "proto_1", Title: "Short walk",
				Type: models.TaskTypeExercise, DayOffset: 1,
				Frequency: models.Frequency{Repeat: true, Type: models.FrequencyDaily},
				Position:  0},
			{ID: "ptk_checkin", ProtocolID: "proto_1", Title: "Weekly check-in",
				Type: models.TaskTypeForm, DayOffset: 7,
				Frequency: models.Frequency{Repeat: true, Type: models.FrequencyWeekly},
				Position:  1},
			{ID: "ptk_video", ProtocolID: "proto_1", Title: "Post-op education",
				Type: models.TaskTypeVideo, DayOffset: 2,
				Frequency: models.Frequency{Repeat: false},
				Position:  2},
		},
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("SaveProtocol failed: %v", err)
	}
	if err := s.SaveProtocol(models.Protocol{
		ID: "proto_empty", Name: "Placeholder Protocol", Version: 1,
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("SaveProtocol failed: %v", err)
	}
	return s
}

func TestGenerator_Assign(t *testing.T) {
	s := seedStore(t)
	g := NewGenerator(s)

	result, err := g.Assign(context.Background(), AssignRequest{
		ProtocolID: "proto_1",
		PatientID:  "pat_1",
	})
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if result.AssignmentID == "" {
		t.Fatal("Expected assignment ID")
	}
	if !result.AnchorDate.Equal(anchor) {
		t.Errorf("Expected anchor %v, got %v", anchor, result.AnchorDate)
	}

	// daily from day 1: days 1..200 = 200; weekly from day 7: 7,14,...,196 = 28;
	// one-shot video day 2: 1. Total 229.
	expected := 200 + 28 + 1
	if result.TasksCreated != expected {
		t.Errorf("Expected %d tasks created, got %d", expected, result.TasksCreated)
	}
	if len(result.Failures) != 0 {
		t.Errorf("Expected no failures, got %v", result.Failures)
	}

	tasks, err := s.GetPatientTasks("pat_1")
	if err != nil {
		t.Fatalf("GetPatientTasks failed: %v", err)
	}
	if len(tasks) != expected {
		t.Errorf("Expected %d stored tasks, got %d", expected, len(tasks))
	}
	for _, task := range tasks {
		if task.Status != models.TaskStatusPending {
			t.Errorf("Expected pending status, got %s for %s", task.Status, task.ID)
		}
		if task.AssignmentID != result.AssignmentID {
			t.Errorf("Task %s not linked to assignment", task.ID)
		}
	}
}

func TestGenerator_Assign_ExplicitStartDateOverridesSurgeryDate(t *testing.T) {
	s := seedStore(t)
	g := NewGenerator(s)

	override := time.Date(2025, 6, 1, 15, 30, 0, 0, time.UTC)
	result, err := g.Assign(context.Background(), AssignRequest{
		ProtocolID: "proto_1",
		PatientID:  "pat_1",
		StartDate:  &override,
	})
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	want := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	if !result.AnchorDate.Equal(want) {
		t.Errorf("Expected anchor truncated to %v, got %v", want, result.AnchorDate)
	}
}

func TestGenerator_Assign_MissingAnchor(t *testing.T) {
	s := seedStore(t)
	g := NewGenerator(s)

	_, err := g.Assign(context.Background(), AssignRequest{
		ProtocolID: "proto_1",
		PatientID:  "pat_nodate",
	})
	if !errors.Is(err, models.ErrMissingAnchorDate) {
		t.Fatalf("Expected ErrMissingAnchorDate, got %v", err)
	}

	// No writes on anchor failure.
	tasks, _ := s.GetPatientTasks("pat_nodate")
	if len(tasks) != 0 {
		t.Errorf("Expected no tasks written, got %d", len(tasks))
	}
}

func TestGenerator_Assign_NotFound(t *testing.T) {
	s := seedStore(t)
	g := NewGenerator(s)

	_, err := g.Assign(context.Background(), AssignRequest{ProtocolID: "proto_missing", PatientID: "pat_1"})
	if !errors.Is(err, ErrProtocolNotFound) {
		t.Errorf("Expected ErrProtocolNotFound, got %v", err)
	}
	_, err = g.Assign(context.Background(), AssignRequest{ProtocolID: "proto_1", PatientID: "pat_missing"})
	if !errors.Is(err, ErrPatientNotFound) {
		t.Errorf("Expected ErrPatientNotFound, got %v", err)
	}
}

func TestGenerator_Assign_ZeroTaskProtocol(t *testing.T) {
	s := seedStore(t)
	g := NewGenerator(s)

	result, err := g.Assign(context.Background(), AssignRequest{
		ProtocolID: "proto_empty",
		PatientID:  "pat_1",
	})
	if err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if result.AssignmentID == "" {
		t.Error("Expected assignment created for zero-task protocol")
	}
	if result.TasksCreated != 0 {
		t.Errorf("Expected 0 tasks, got %d", result.TasksCreated)
	}
}

func TestGenerator_Assign_ReusesActiveAssignment(t *testing.T) {
	s := seedStore(t)
	g := NewGenerator(s)

	first, err := g.Assign(context.Background(), AssignRequest{ProtocolID: "proto_empty", PatientID: "pat_1"})
	if err != nil {
		t.Fatalf("First Assign failed: %v", err)
	}
	second, err := g.Assign(context.Background(), AssignRequest{ProtocolID: "proto_empty", PatientID: "pat_1"})
	if err != nil {
		t.Fatalf("Second Assign failed: %v", err)
	}
	if first.AssignmentID != second.AssignmentID {
		t.Errorf("Expected the active assignment to be reused, got %q and %q",
			first.AssignmentID, second.AssignmentID)
	}
}

// failingTaskStore wraps the in-memory store and fails inserts for one
// protocol task to exercise partial-failure tolerance.
type failingTaskStore struct {
	*store.InMemoryStore
	failTaskID string
}

func (f *failingTaskStore) AddPatientTasks(tasks []models.PatientTask) error {
	for _, t := range tasks {
		if t.ProtocolTaskID == f.failTaskID {
			return errors.New("simulated insert failure")
		}
	}
	return f.InMemoryStore.AddPatientTasks(tasks)
}

func TestGenerator_Assign_PartialFailureContinues(t *testing.T) {
	s := &failingTaskStore{InMemoryStore: seedStore(t), failTaskID: "ptk_walk"}
	g := NewGenerator(s)

	result, err := g.Assign(context.Background(), AssignRequest{
		ProtocolID: "proto_1",
		PatientID:  "pat_1",
	})
	if err != nil {
		t.Fatalf("Assign should tolerate per-task failures, got %v", err)
	}
	if len(result.Failures) != 1 {
		t.Fatalf("Expected 1 failure, got %d", len(result.Failures))
	}
	if result.Failures[0].ProtocolTaskID != "ptk_walk" {
		t.Errorf("Wrong failed task: %+v", result.Failures[0])
	}
	// Weekly (28) and one-shot (1) still created.
	if result.TasksCreated != 29 {
		t.Errorf("Expected 29 tasks from surviving definitions, got %d", result.TasksCreated)
	}
}
