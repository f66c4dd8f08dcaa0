package monitor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"time"

	"go.uber.org/zap"

	"github.com/dmercado/republish/internal/model"
)

// LogChannel writes alerts to the process log. Registered by default so
// alerts are never silently dropped when no external channel is configured.
type LogChannel struct {
	logger *zap.Logger
}

// NewLogChannel creates a log notification channel.
func NewLogChannel(logger *zap.Logger) *LogChannel {
	return &LogChannel{logger: logger.Named("alert-log")}
}

// Send logs one alert at a level matching its severity.
func (c *LogChannel) Send(alert *model.Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)),
		zap.Any("data", alert.Data),
	}
	switch alert.Severity {
	case model.AlertSeverityError, model.AlertSeverityCritical:
		c.logger.Error(alert.Message, fields...)
	default:
		c.logger.Warn(alert.Message, fields...)
	}
	return nil
}

// EmailConfig holds SMTP settings for the email channel.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// EmailChannel sends alerts over SMTP.
type EmailChannel struct {
	logger *zap.Logger
	config EmailConfig
}

// NewEmailChannel creates an email notification channel.
func NewEmailChannel(config EmailConfig, logger *zap.Logger) *EmailChannel {
	return &EmailChannel{
		logger: logger.Named("email-channel"),
		config: config,
	}
}

// Send delivers one alert as a plain email.
func (c *EmailChannel) Send(alert *model.Alert) error {
	if len(c.config.To) == 0 {
		return fmt.Errorf("no recipients configured")
	}

	auth := smtp.PlainAuth("",
		c.config.Username,
		c.config.Password,
		c.config.Host)

	msg := fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: [%s] %s\r\n"+
		"\r\n"+
		"%s\r\n\r\nTriggered at %s\r\n",
		c.config.From,
		c.config.To[0],
		alert.Severity,
		alert.Type,
		alert.Message,
		alert.CreatedAt.Format(time.RFC3339))

	addr := fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)
	if err := smtp.SendMail(addr, auth, c.config.From, c.config.To, []byte(msg)); err != nil {
		return fmt.Errorf("failed to send alert email: %w", err)
	}

	c.logger.Info("Alert email sent",
		zap.String("alert_id", alert.ID),
		zap.Int("recipients", len(c.config.To)))
	return nil
}

// WebhookChannel posts alerts as JSON to an HTTP endpoint.
type WebhookChannel struct {
	logger *zap.Logger
	url    string
	client *http.Client
}

// NewWebhookChannel creates a webhook notification channel.
func NewWebhookChannel(url string, logger *zap.Logger) *WebhookChannel {
	return &WebhookChannel{
		logger: logger.Named("webhook-channel"),
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts one alert to the configured endpoint.
func (c *WebhookChannel) Send(alert *model.Alert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	resp, err := c.client.Post(c.url, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to post alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	c.logger.Info("Alert posted to webhook",
		zap.String("alert_id", alert.ID),
		zap.Int("status", resp.StatusCode))
	return nil
}
