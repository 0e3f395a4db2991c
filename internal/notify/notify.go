// Package notify delivers clinical alert notifications to providers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/CareSignal/CarePipe/internal/models"
	"github.com/CareSignal/CarePipe/internal/store"
)

// ProviderNotification is one alert delivery to a patient's care provider.
type ProviderNotification struct {
	PatientID   string
	PatientName string
	PhoneNumber string // provider's number when known, empty otherwise
	Alert       models.ClinicalAlert
}

// Dispatcher sends a provider notification through some channel.
type Dispatcher interface {
	Dispatch(ctx context.Context, n ProviderNotification) error
}

// LogDispatcher records notifications in the structured log without sending
// anything. It is the default when no SMS credentials are configured.
type LogDispatcher struct{}

func NewLogDispatcher() *LogDispatcher {
	return &LogDispatcher{}
}

// Dispatch logs the notification.
func (d *LogDispatcher) Dispatch(ctx context.Context, n ProviderNotification) error {
	slog.Info("LogDispatcher.Dispatch: provider notification",
		"patientID", n.PatientID,
		"alertID", n.Alert.ID,
		"severity", n.Alert.Severity,
		"immediate", n.Alert.RequiresImmediateAction,
		"message", n.Alert.Message)
	return nil
}

// FormatAlertMessage renders the human-readable notification body.
func FormatAlertMessage(n ProviderNotification) string {
	prefix := "CarePipe alert"
	if n.Alert.RequiresImmediateAction {
		prefix = "CarePipe URGENT alert"
	}
	name := n.PatientName
	if name == "" {
		name = n.PatientID
	}
	return fmt.Sprintf("%s [%s] for %s: %s", prefix, n.Alert.Severity, name, n.Alert.Message)
}

// OutboxSendFunc adapts a Dispatcher into the store's outbox send callback.
// It unmarshals the queued alert, enriches it with patient details, and hands
// it to the dispatcher.
func OutboxSendFunc(st store.Store, dispatcher Dispatcher) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		var alert models.ClinicalAlert
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &alert); err != nil {
			return fmt.Errorf("failed to decode alert payload: %w", err)
		}

		n := ProviderNotification{
			PatientID: msg.PatientID,
			Alert:     alert,
		}
		patient, err := st.GetPatient(msg.PatientID)
		if err != nil {
			slog.Warn("notify: patient lookup failed, dispatching with ID only",
				"patientID", msg.PatientID, "error", err)
		} else if patient != nil {
			n.PatientName = patient.Name
			n.PhoneNumber = patient.PhoneNumber
		}

		start := time.Now()
		if err := dispatcher.Dispatch(ctx, n); err != nil {
			return fmt.Errorf("failed to dispatch alert %s: %w", alert.ID, err)
		}
		slog.Debug("notify: alert dispatched", "alertID", alert.ID, "elapsed", time.Since(start))
		return nil
	}
}
