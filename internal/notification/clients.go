package notification

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"

	"github.com/mase-health/autobilling-engine/internal/billing"
	"github.com/mase-health/autobilling-engine/internal/config"
)

// Message is one rendered delivery to one recipient.
type Message struct {
	Recipient string
	Subject   string
	Body      string
	Severity  billing.Severity
}

// Sender delivers messages over one transport channel.
type Sender interface {
	Channel() string
	Send(ctx context.Context, msg Message) error
}

// EmailSender delivers email through SendGrid or plain SMTP depending on the
// configured provider.
type EmailSender struct {
	cfg      config.EmailConfig
	sendgrid *sendgrid.Client
	logger   *zap.Logger
}

// NewEmailSender creates the email transport.
func NewEmailSender(cfg config.EmailConfig, logger *zap.Logger) *EmailSender {
	s := &EmailSender{cfg: cfg, logger: logger}
	if cfg.Provider == "sendgrid" {
		s.sendgrid = sendgrid.NewSendClient(cfg.SendGridAPIKey)
	}
	return s
}

func (s *EmailSender) Channel() string { return "email" }

func (s *EmailSender) Send(ctx context.Context, msg Message) error {
	if s.sendgrid != nil {
		return s.sendViaSendGrid(ctx, msg)
	}
	return s.sendViaSMTP(msg)
}

func (s *EmailSender) sendViaSendGrid(ctx context.Context, msg Message) error {
	from := mail.NewEmail(s.cfg.FromName, s.cfg.FromAddress)
	to := mail.NewEmail("", msg.Recipient)
	message := mail.NewSingleEmail(from, msg.Subject, to, msg.Body, msg.Body)

	resp, err := s.sendgrid.SendWithContext(ctx, message)
	if err != nil {
		return billing.Transientf("sendgrid send failed: %v", err)
	}
	if resp.StatusCode >= 500 {
		return billing.Transientf("sendgrid returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return billing.Permanentf("sendgrid rejected message with %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

func (s *EmailSender) sendViaSMTP(msg Message) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.SMTPHost, s.cfg.SMTPPort)
	var auth smtp.Auth
	if s.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", s.cfg.SMTPUsername, s.cfg.SMTPPassword, s.cfg.SMTPHost)
	}

	body := strings.Join([]string{
		"From: " + s.cfg.FromAddress,
		"To: " + msg.Recipient,
		"Subject: " + msg.Subject,
		"",
		msg.Body,
	}, "\r\n")

	if err := smtp.SendMail(addr, auth, s.cfg.FromAddress, []string{msg.Recipient}, []byte(body)); err != nil {
		return billing.Transientf("smtp send failed: %v", err)
	}
	return nil
}

// SMSSender delivers SMS through Twilio.
type SMSSender struct {
	cfg    config.SMSConfig
	client *twilio.RestClient
	logger *zap.Logger
}

// NewSMSSender creates the SMS transport.
func NewSMSSender(cfg config.SMSConfig, logger *zap.Logger) *SMSSender {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.TwilioSID,
		Password: cfg.TwilioToken,
	})
	return &SMSSender{cfg: cfg, client: client, logger: logger}
}

func (s *SMSSender) Channel() string { return "sms" }

func (s *SMSSender) Send(ctx context.Context, msg Message) error {
	body := msg.Body
	if msg.Subject != "" {
		body = msg.Subject + ": " + body
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(msg.Recipient)
	params.SetFrom(s.cfg.FromNumber)
	params.SetBody(body)

	if _, err := s.client.Api.CreateMessage(params); err != nil {
		return billing.Transientf("twilio send failed: %v", err)
	}
	return nil
}

// SlackSender delivers messages to a Slack incoming webhook. The recipient is
// interpreted as a channel name; an empty one falls back to the configured
// default.
type SlackSender struct {
	cfg    config.SlackConfig
	http   *resty.Client
	logger *zap.Logger
}

// NewSlackSender creates the Slack transport.
func NewSlackSender(cfg config.SlackConfig, logger *zap.Logger) *SlackSender {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	return &SlackSender{cfg: cfg, http: client, logger: logger}
}

func (s *SlackSender) Channel() string { return "slack" }

func (s *SlackSender) Send(ctx context.Context, msg Message) error {
	channel := msg.Recipient
	if channel == "" {
		channel = s.cfg.DefaultChannel
	}

	payload := map[string]interface{}{
		"channel": channel,
		"text":    fmt.Sprintf("*%s*\n%s", msg.Subject, msg.Body),
	}

	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(payload).
		Post(s.cfg.WebhookURL)
	if err != nil {
		return billing.Transientf("slack send failed: %v", err)
	}
	if resp.StatusCode() >= 400 {
		return billing.Transientf("slack returned %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

// WebhookSender posts the message to the recipient URL.
type WebhookSender struct {
	cfg    config.WebhookConfig
	http   *resty.Client
	logger *zap.Logger
}

// NewWebhookSender creates the webhook transport.
func NewWebhookSender(cfg config.WebhookConfig, logger *zap.Logger) *WebhookSender {
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		client.SetHeader(k, v)
	}
	return &WebhookSender{cfg: cfg, http: client, logger: logger}
}

func (s *WebhookSender) Channel() string { return "webhook" }

func (s *WebhookSender) Send(ctx context.Context, msg Message) error {
	payload := map[string]interface{}{
		"subject":  msg.Subject,
		"body":     msg.Body,
		"severity": string(msg.Severity),
	}

	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(payload).
		Post(msg.Recipient)
	if err != nil {
		return billing.Transientf("webhook send failed: %v", err)
	}
	if resp.StatusCode() >= 500 {
		return billing.Transientf("webhook returned %d", resp.StatusCode())
	}
	if resp.StatusCode() >= 400 {
		return billing.Permanentf("webhook rejected message with %d", resp.StatusCode())
	}
	return nil
}
