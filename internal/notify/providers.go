// Package notify delivers operational messages, such as purchase orders opened by the
// low-stock sweep, to pharmacy staff.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

type Provider interface {
	Send(ctx context.Context, subject, message, recipient string) error
}

type Config struct {
	Kind         string
	WebhookURL   string
	WebhookToken string
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	EmailFrom    string
}

// New picks a provider by kind. Misconfigured providers fall back to logging.
func New(cfg Config, logger logrus.FieldLogger) Provider {
	switch cfg.Kind {
	case "", "log":
		return logProvider{logger: logger}
	case "noop":
		return noopProvider{}
	case "webhook":
		if cfg.WebhookURL == "" {
			logger.WithField("module", "notify").Warn("webhook provider without url, using log provider")
			return logProvider{logger: logger}
		}
		return webhookProvider{url: cfg.WebhookURL, token: cfg.WebhookToken, client: &http.Client{Timeout: 5 * time.Second}}
	case "email":
		if cfg.SMTPHost == "" || cfg.EmailFrom == "" {
			logger.WithField("module", "notify").Warn("email provider without smtp host or sender, using log provider")
			return logProvider{logger: logger}
		}
		return emailProvider{
			from:   cfg.EmailFrom,
			dialer: gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword),
		}
	default:
		if strings.HasPrefix(cfg.Kind, "http://") || strings.HasPrefix(cfg.Kind, "https://") {
			return webhookProvider{url: cfg.Kind, client: &http.Client{Timeout: 5 * time.Second}}
		}
		return logProvider{logger: logger}
	}
}

type logProvider struct {
	logger logrus.FieldLogger
}

func (p logProvider) Send(ctx context.Context, subject, message, recipient string) error {
	p.logger.WithFields(logrus.Fields{
		"module":    "notify",
		"recipient": recipient,
		"subject":   subject,
	}).Info(message)
	return nil
}

type noopProvider struct{}

func (noopProvider) Send(ctx context.Context, subject, message, recipient string) error {
	return nil
}

type webhookProvider struct {
	url    string
	token  string
	client *http.Client
}

func (p webhookProvider) Send(ctx context.Context, subject, message, recipient string) error {
	body, err := json.Marshal(map[string]string{
		"recipient": recipient,
		"subject":   subject,
		"message":   message,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.New("provider rejected request")
	}
	return nil
}

type emailProvider struct {
	from   string
	dialer *gomail.Dialer
}

// Send delivers to a comma separated recipient list.
func (p emailProvider) Send(ctx context.Context, subject, message, recipient string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var to []string
	for _, address := range strings.Split(recipient, ",") {
		if address = strings.TrimSpace(address); address != "" {
			to = append(to, address)
		}
	}
	if len(to) == 0 {
		return errors.New("email recipient required")
	}
	msg := gomail.NewMessage()
	msg.SetHeader("From", p.from)
	msg.SetHeader("To", to...)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", message)
	return p.dialer.DialAndSend(msg)
}

// RenderTemplate replaces {key} placeholders with values.
func RenderTemplate(template string, values map[string]string) string {
	result := template
	for key, value := range values {
		result = strings.ReplaceAll(result, "{"+key+"}", value)
	}
	return result
}
