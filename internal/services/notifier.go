package services

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/information-sharing-networks/ksef-gateway/internal/config"
)

// Rejection describes a submission the authority refused for good.
type Rejection struct {
	SubmissionID   string
	DocumentNumber string
	Message        string
}

// Notifier is the alert sink for terminal rejections. Callers log a returned error and carry on.
type Notifier interface {
	NotifyRejection(ctx context.Context, r Rejection) error
}

// NewNotifier returns an email notifier when SMTP and a recipient are configured, otherwise a
// notifier that only logs.
func NewNotifier(cfg *config.ServerEnvironment, logger *slog.Logger) Notifier {
	recipient := cfg.AlertRecipient()
	if cfg.SMTPHost == "" || recipient == "" {
		return &LogNotifier{logger: logger}
	}
	return &EmailNotifier{
		addr:     net.JoinHostPort(cfg.SMTPHost, strconv.Itoa(cfg.SMTPPort)),
		host:     cfg.SMTPHost,
		username: cfg.SMTPUsername,
		password: cfg.SMTPPassword,
		from:     cfg.SMTPFrom,
		to:       recipient,
		logger:   logger,
		send:     smtp.SendMail,
	}
}

// LogNotifier writes rejections to the log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyRejection(ctx context.Context, r Rejection) error {
	n.logger.Warn("invoice rejected by KSeF",
		slog.String("submission_id", r.SubmissionID),
		slog.String("number", r.DocumentNumber),
		slog.String("message", r.Message),
	)
	return nil
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier sends a plain text alert through an SMTP relay.
type EmailNotifier struct {
	addr     string
	host     string
	username string
	password string
	from     string
	to       string
	logger   *slog.Logger
	send     sendMailFunc
}

func (n *EmailNotifier) NotifyRejection(ctx context.Context, r Rejection) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if n.username != "" {
		auth = smtp.PlainAuth("", n.username, n.password, n.host)
	}

	msg := rejectionEmail(n.from, n.to, r, time.Now())
	if err := n.send(n.addr, auth, n.from, []string{n.to}, msg); err != nil {
		return fmt.Errorf("failed to send rejection alert for %s: %w", r.DocumentNumber, err)
	}

	n.logger.Info("rejection alert sent",
		slog.String("submission_id", r.SubmissionID),
		slog.String("number", r.DocumentNumber),
	)
	return nil
}

func rejectionEmail(from, to string, r Rejection, at time.Time) []byte {
	subject := fmt.Sprintf("KSeF: faktura %s odrzucona", r.DocumentNumber)
	message := r.Message
	if message == "" {
		message = "no details provided"
	}

	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	b.WriteString("Date: " + at.Format(time.RFC1123Z) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "Invoice %s was rejected by KSeF.\r\n\r\n", r.DocumentNumber)
	fmt.Fprintf(&b, "Reason: %s\r\n", message)
	fmt.Fprintf(&b, "Submission: %s\r\n", r.SubmissionID)
	return []byte(b.String())
}
