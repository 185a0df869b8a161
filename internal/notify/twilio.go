package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/BTreeMap/TherapyPipe/internal/store"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// ErrMissingCredentials is returned when Twilio credentials are not configured.
var ErrMissingCredentials = errors.New("account SID and auth token must be provided")

// ErrMissingFromNumber is returned when no sender number is configured.
var ErrMissingFromNumber = errors.New("from number must be provided")

// SMSSender sends a text message.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// Opts holds configuration options for the Twilio SMS client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// Option defines a configuration option for the Twilio SMS client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the E.164 number alerts are sent from.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// createMessageFunc is the Twilio call used to send; tests replace it.
type createMessageFunc func(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)

// TwilioClient sends SMS through the Twilio REST API.
type TwilioClient struct {
	create createMessageFunc
	from   string
}

// NewTwilioClient creates an SMS client. Unset options fall back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER variables.
func NewTwilioClient(opts ...Option) (*TwilioClient, error) {
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
	slog.Debug("NewTwilioClient: config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.FromNumber == "" {
		return nil, ErrMissingFromNumber
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioClient{create: client.Api.CreateMessage, from: cfg.FromNumber}, nil
}

// SendSMS sends body to the E.164 number to.
func (c *TwilioClient) SendSMS(ctx context.Context, to, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.from)
	params.SetBody(body)

	resp, err := c.create(params)
	if err != nil {
		slog.Error("TwilioClient.SendSMS: send failed", "to", to, "error", err)
		return fmt.Errorf("failed to send SMS to %s: %w", to, err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("TwilioClient.SendSMS: message sent", "to", to, "sid", sid)
	return nil
}

// AlertSendFunc returns the outbox send function that delivers crisis alerts
// to every number in recipients. Messages of other kinds are rejected.
func AlertSendFunc(sender SMSSender, recipients ...string) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		if msg.Kind != store.OutboxKindCrisisAlert {
			return fmt.Errorf("unsupported outbox message kind %q", msg.Kind)
		}
		var alert CrisisAlert
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &alert); err != nil {
			return fmt.Errorf("failed to decode crisis alert %s: %w", msg.ID, err)
		}
		body := FormatAlert(alert)
		for _, to := range recipients {
			if err := sender.SendSMS(ctx, to, body); err != nil {
				return err
			}
		}
		return nil
	}
}

// LogSendFunc is the outbox send function used without an SMS channel.
func LogSendFunc(ctx context.Context, msg store.OutboxMessage) error {
	slog.Warn("LogSendFunc: crisis alert (no SMS channel configured)", "sessionID", msg.SessionID, "payload", msg.PayloadJSON)
	return nil
}
