package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/CareSignal/CarePipe/internal/models"
	"github.com/CareSignal/CarePipe/internal/store"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

func sampleAlert() models.ClinicalAlert {
	return models.ClinicalAlert{
		ID:                      "alert_1",
		PatientID:               "pat_1",
		Type:                    models.AlertTypePainThreshold,
		Severity:                models.SeverityHigh,
		Message:                 "Pain level 9 reported",
		RequiresImmediateAction: true,
		NotifyProvider:          true,
		CreatedAt:               time.Now(),
	}
}

func TestLogDispatcher(t *testing.T) {
	d := NewLogDispatcher()
	err := d.Dispatch(context.Background(), ProviderNotification{
		PatientID: "pat_1",
		Alert:     sampleAlert(),
	})
	if err != nil {
		t.Fatalf("LogDispatcher should never fail, got %v", err)
	}
}

func TestFormatAlertMessage(t *testing.T) {
	n := ProviderNotification{
		PatientID:   "pat_1",
		PatientName: "Jordan Reyes",
		Alert:       sampleAlert(),
	}
	msg := FormatAlertMessage(n)
	if !strings.Contains(msg, "URGENT") {
		t.Errorf("Immediate alert should be marked urgent: %s", msg)
	}
	if !strings.Contains(msg, "Jordan Reyes") || !strings.Contains(msg, "Pain level 9") {
		t.Errorf("Message missing details: %s", msg)
	}

	n.Alert.RequiresImmediateAction = false
	n.PatientName = ""
	msg = FormatAlertMessage(n)
	if strings.Contains(msg, "URGENT") {
		t.Errorf("Non-immediate alert marked urgent: %s", msg)
	}
	if !strings.Contains(msg, "pat_1") {
		t.Errorf("Expected patient ID fallback in message: %s", msg)
	}
}

// recordingDispatcher captures dispatched notifications.
type recordingDispatcher struct {
	got []ProviderNotification
	err error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, n ProviderNotification) error {
	if d.err != nil {
		return d.err
	}
	d.got = append(d.got, n)
	return nil
}

func TestOutboxSendFunc_EnrichesAndDispatches(t *testing.T) {
	s := store.NewInMemoryStore()
	now := time.Now()
	s.SavePatient(models.Patient{
		ID: "pat_1", Name: "Jordan Reyes", PhoneNumber: "+15551230001",
		CreatedAt: now, UpdatedAt: now,
	})

	alert := sampleAlert()
	payload, _ := json.Marshal(alert)
	d := &recordingDispatcher{}
	send := OutboxSendFunc(s, d)

	err := send(context.Background(), store.OutboxMessage{
		ID:          "outbox_1",
		PatientID:   "pat_1",
		Kind:        "clinical_alert",
		PayloadJSON: string(payload),
	})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if len(d.got) != 1 {
		t.Fatalf("Expected 1 dispatch, got %d", len(d.got))
	}
	if d.got[0].PatientName != "Jordan Reyes" || d.got[0].PhoneNumber != "+15551230001" {
		t.Errorf("Notification not enriched: %+v", d.got[0])
	}
	if d.got[0].Alert.ID != "alert_1" {
		t.Errorf("Alert payload lost: %+v", d.got[0].Alert)
	}
}

func TestOutboxSendFunc_BadPayload(t *testing.T) {
	s := store.NewInMemoryStore()
	send := OutboxSendFunc(s, &recordingDispatcher{})

	err := send(context.Background(), store.OutboxMessage{
		ID:          "outbox_1",
		PatientID:   "pat_1",
		PayloadJSON: "{not json",
	})
	if err == nil {
		t.Fatal("Expected error for malformed payload")
	}
}

func TestOutboxSendFunc_DispatchErrorPropagates(t *testing.T) {
	s := store.NewInMemoryStore()
	payload, _ := json.Marshal(sampleAlert())
	send := OutboxSendFunc(s, &recordingDispatcher{err: errors.New("gateway down")})

	err := send(context.Background(), store.OutboxMessage{
		ID: "outbox_1", PatientID: "pat_1", PayloadJSON: string(payload),
	})
	if err == nil || !strings.Contains(err.Error(), "gateway down") {
		t.Errorf("Expected dispatch error to propagate, got %v", err)
	}
}

// mockMessageCreator implements messageCreator for testing.
type mockMessageCreator struct {
	lastParams *twilioApi.CreateMessageParams
	err        error
}

func (m *mockMessageCreator) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	m.lastParams = params
	if m.err != nil {
		return nil, m.err
	}
	return &twilioApi.ApiV2010Message{}, nil
}

func TestTwilioDispatcher_SendsToNotificationNumber(t *testing.T) {
	mock := &mockMessageCreator{}
	d := &TwilioDispatcher{api: mock, from: "+15550000000", fallback: "+15559999999"}

	err := d.Dispatch(context.Background(), ProviderNotification{
		PatientID:   "pat_1",
		PhoneNumber: "+15551230001",
		Alert:       sampleAlert(),
	})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if mock.lastParams == nil || mock.lastParams.To == nil || *mock.lastParams.To != "+15551230001" {
		t.Errorf("Expected send to notification number, got %+v", mock.lastParams)
	}
}

func TestTwilioDispatcher_FallbackNumber(t *testing.T) {
	mock := &mockMessageCreator{}
	d := &TwilioDispatcher{api: mock, from: "+15550000000", fallback: "+15559999999"}

	if err := d.Dispatch(context.Background(), ProviderNotification{
		PatientID: "pat_1",
		Alert:     sampleAlert(),
	}); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if *mock.lastParams.To != "+15559999999" {
		t.Errorf("Expected fallback number, got %s", *mock.lastParams.To)
	}

	// Neither number set: error, no send.
	d2 := &TwilioDispatcher{api: mock, from: "+15550000000"}
	if err := d2.Dispatch(context.Background(), ProviderNotification{Alert: sampleAlert()}); err == nil {
		t.Error("Expected error when no destination number available")
	}
}

func TestNewTwilioDispatcher_RequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")
	if _, err := NewTwilioDispatcher(); err == nil {
		t.Error("Expected error without credentials")
	}
	if _, err := NewTwilioDispatcher(WithAccountSID("AC123"), WithAuthToken("tok")); err == nil {
		t.Error("Expected error without from number")
	}
	d, err := NewTwilioDispatcher(WithAccountSID("AC123"), WithAuthToken("tok"), WithFromNumber("+15550000000"))
	if err != nil {
		t.Fatalf("Expected dispatcher, got %v", err)
	}
	if d == nil {
		t.Fatal("Expected dispatcher instance")
	}
}
