// Package mailer sends run-completion notifications over SMTP.
package mailer

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/pysched/pysched/internal/logger"
	"github.com/pysched/pysched/internal/logger/tag"
	"github.com/pysched/pysched/internal/models"
	"github.com/pysched/pysched/internal/stringutil"
)

// Config holds the SMTP relay settings.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

// Mailer delivers notification mail. It satisfies the engine's Notifier.
type Mailer struct {
	cfg Config
}

// Header injection guard: strip CR/LF and their encoded forms from addresses.
var addressReplacer = strings.NewReplacer("\r\n", "", "\r", "", "\n", "", "%0a", "", "%0d", "")

const boundary = "==simple-boundary-pysched-mailer"

// New returns a mailer, or nil when no relay host is configured.
func New(cfg Config) *Mailer {
	if cfg.Host == "" {
		return nil
	}
	if cfg.Port == "" {
		cfg.Port = "587"
	}
	if cfg.From == "" {
		cfg.From = "pysched@localhost"
	}
	return &Mailer{cfg: cfg}
}

// NotifyRunFinished mails the script's recipients about a finished run,
// honoring the script's trigger type (all, success or failure).
func (m *Mailer) NotifyRunFinished(ctx context.Context, script *models.Script, record *models.ExecutionRecord) {
	if !shouldNotify(script.EmailTriggerType, record.Status) {
		return
	}
	recipients := splitRecipients(script.EmailRecipients)
	if len(recipients) == 0 {
		return
	}

	subject := fmt.Sprintf("[pysched] %s: %s", record.Status, script.Name)
	body := composeBody(script, record)

	if err := m.send(recipients, subject, body); err != nil {
		logger.Error(ctx, "Failed to send notification mail",
			tag.Script(script.Slug), tag.RecordID(record.ID), tag.Error(err))
		return
	}
	logger.Info(ctx, "Notification mail sent",
		tag.Script(script.Slug), tag.Count(len(recipients)), tag.Name("recipients"))
}

func shouldNotify(triggerType string, status models.RunStatus) bool {
	switch triggerType {
	case "success":
		return status == models.StatusSuccess
	case "failure":
		return status == models.StatusFailed || status == models.StatusTimeout
	default: // "all" and legacy empty values
		return true
	}
}

func splitRecipients(raw string) []string {
	var recipients []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' }) {
		addr := addressReplacer.Replace(strings.TrimSpace(part))
		if addr != "" {
			recipients = append(recipients, addr)
		}
	}
	return recipients
}

func composeBody(script *models.Script, record *models.ExecutionRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Script: %s\n", script.Name)
	fmt.Fprintf(&b, "Status: %s\n", record.Status)
	fmt.Fprintf(&b, "Started: %s\n", record.StartedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "Duration: %s\n", stringutil.FormatDuration(record.DurationMS))
	if record.ExitCode != nil {
		fmt.Fprintf(&b, "Exit code: %d\n", *record.ExitCode)
	}
	if record.Stderr != "" {
		fmt.Fprintf(&b, "\nStderr:\n%s\n", record.Stderr)
	}
	return b.String()
}

func (m *Mailer) send(to []string, subject, body string) error {
	addr := m.cfg.Host + ":" + m.cfg.Port
	msg := composeMail(m.cfg.From, to, subject, body)

	if m.cfg.Username == "" && m.cfg.Password == "" {
		return m.sendWithNoAuth(addr, to, msg)
	}
	auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	return smtp.SendMail(addr, auth, m.cfg.From, to, msg)
}

func (m *Mailer) sendWithNoAuth(addr string, to []string, msg []byte) error {
	c, err := smtp.Dial(addr)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	if err := c.Mail(addressReplacer.Replace(m.cfg.From)); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	wc, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := wc.Write(msg); err != nil {
		return err
	}
	if err := wc.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func composeMail(from string, to []string, subject, body string) []byte {
	header := "To: " + strings.Join(to, ",") + "\r\n" +
		"From: " + from + "\r\n" +
		"Subject: " + addressReplacer.Replace(subject) + "\r\n" +
		"Content-Type: multipart/mixed;\r\n" +
		"  boundary=\"" + boundary + "\"\r\n\r\n" +
		"--" + boundary + "\r\n" +
		"Content-Type: text/plain; charset=\"UTF-8\"\r\n" +
		"Content-Transfer-Encoding: base64\r\n\r\n"
	return []byte(header +
		base64.StdEncoding.EncodeToString([]byte(body)) +
		"\r\n\r\n--" + boundary + "--\r\n")
}
