// Package notify delivers finalized task results to people.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nadmax/autopr/internal/task"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"
)

var ErrMissingRecipient = errors.New("notification recipient not set")

type Sender interface {
	Send(email *mail.SGMailV3) (*rest.Response, error)
}

type EmailConfig struct {
	APIKey      string
	FromName    string
	FromAddress string
	To          string
}

// EmailSink mails every result record to one recipient through SendGrid.
type EmailSink struct {
	sender Sender
	from   *mail.Email
	to     *mail.Email
	logger *zap.Logger
}

func NewEmailSink(cfg EmailConfig, logger *zap.Logger) (*EmailSink, error) {
	return NewEmailSinkWithSender(sendgrid.NewSendClient(cfg.APIKey), cfg, logger)
}

func NewEmailSinkWithSender(sender Sender, cfg EmailConfig, logger *zap.Logger) (*EmailSink, error) {
	if cfg.To == "" {
		return nil, ErrMissingRecipient
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EmailSink{
		sender: sender,
		from:   mail.NewEmail(cfg.FromName, cfg.FromAddress),
		to:     mail.NewEmail("", cfg.To),
		logger: logger,
	}, nil
}

func (s *EmailSink) Deliver(ctx context.Context, r *task.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	subject, body := render(r)
	email := mail.NewSingleEmail(s.from, subject, s.to, body, "")

	response, err := s.sender.Send(email)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
	}

	s.logger.Info("result email sent",
		zap.String("trace_id", r.TraceID),
		zap.String("task_id", r.TaskID),
		zap.Int("status", response.StatusCode),
	)

	return nil
}

func render(r *task.Result) (string, string) {
	var subject string
	if r.Succeeded() {
		subject = "autopr: pull request ready"
	} else {
		subject = "autopr: task failed"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Status: %s\n", r.Status)
	fmt.Fprintf(&b, "Trace: %s\n", r.TraceID)
	fmt.Fprintf(&b, "Task: %s\n", r.TaskID)
	if r.PRURL != "" {
		fmt.Fprintf(&b, "Pull request: %s\n", r.PRURL)
	}
	fmt.Fprintf(&b, "CI: %s\n", r.CIState)
	if r.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", r.Error)
	}
	fmt.Fprintf(&b, "Finished: %s\n", r.Timestamp.Format("2006-01-02 15:04:05 MST"))

	return subject, b.String()
}
