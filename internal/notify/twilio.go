// Package notify delivers clinical alert notifications to providers.
//
// This file implements SMS delivery through the Twilio REST API.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Opts holds configuration options for the Twilio dispatcher.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	ToNumber   string // on-call provider line
}

// Option defines a configuration option for the Twilio dispatcher.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the sending phone number.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// WithToNumber sets the fallback on-call provider number used when a
// notification carries no phone number of its own.
func WithToNumber(to string) Option {
	return func(o *Opts) { o.ToNumber = to }
}

// messageCreator abstracts the Twilio message API for testing.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioDispatcher sends provider notifications as SMS messages.
type TwilioDispatcher struct {
	api      messageCreator
	from     string
	fallback string
}

// NewTwilioDispatcher creates an SMS dispatcher. Credentials fall back to
// the TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_FROM_NUMBER, and
// TWILIO_PROVIDER_NUMBER environment variables.
func NewTwilioDispatcher(opts ...Option) (*TwilioDispatcher, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.ToNumber == "" {
		cfg.ToNumber = os.Getenv("TWILIO_PROVIDER_NUMBER")
	}
	slog.Debug("Twilio dispatcher config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioDispatcher{
		api:      client.Api,
		from:     cfg.FromNumber,
		fallback: cfg.ToNumber,
	}, nil
}

// Dispatch sends the alert as an SMS to the notification's phone number, or
// the configured on-call line when none is set.
func (d *TwilioDispatcher) Dispatch(ctx context.Context, n ProviderNotification) error {
	to := n.PhoneNumber
	if to == "" {
		to = d.fallback
	}
	if to == "" {
		return fmt.Errorf("no destination number for alert %s", n.Alert.ID)
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(d.from)
	params.SetBody(FormatAlertMessage(n))

	_, err := d.api.CreateMessage(params)
	if err != nil {
		slog.Error("TwilioDispatcher.Dispatch failed", "to", to, "alertID", n.Alert.ID, "error", err)
		return fmt.Errorf("failed to send alert SMS to %s: %w", to, err)
	}
	slog.Debug("TwilioDispatcher.Dispatch: SMS sent", "to", to, "alertID", n.Alert.ID)
	return nil
}
