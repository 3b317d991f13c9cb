package payments

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/smtp"

	"github.com/resq-labs/resq-core/internal/models"
)

// Mailer sends invoice emails. Sends happen post-commit and are best effort.
type Mailer interface {
	SendInvoice(ctx context.Context, to string, invoice *models.Invoice) error
}

// SMTPConfig configures the default mailer.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer delivers invoices over plain SMTP with the PDF attached.
type SMTPMailer struct {
	cfg SMTPConfig
}

// NewSMTPMailer returns a mailer, or nil when the host is unset so callers
// can skip emailing entirely.
func NewSMTPMailer(cfg SMTPConfig) *SMTPMailer {
	if cfg.Host == "" {
		return nil
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	return &SMTPMailer{cfg: cfg}
}

func (m *SMTPMailer) SendInvoice(ctx context.Context, to string, invoice *models.Invoice) error {
	subject := fmt.Sprintf("Your ResQ invoice #%d", invoice.ID)
	body := fmt.Sprintf(
		"Thank you for using ResQ.\r\n\r\nService request: %d\r\nTotal paid: %.2f\r\n\r\nYour invoice is attached.\r\n",
		invoice.ServiceRequestID, invoice.TotalAmount)

	msg := buildMIME(m.cfg.From, to, subject, body,
		fmt.Sprintf("invoice-%d.pdf", invoice.ID), invoice.PDF)

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}

	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, m.cfg.From, []string{to}, msg)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// buildMIME assembles a multipart message with an optional PDF attachment.
func buildMIME(from, to, subject, body, filename string, attachment []byte) []byte {
	const boundary = "resq-invoice-boundary"
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", subject)
	buf.WriteString("MIME-Version: 1.0\r\n")

	if len(attachment) == 0 {
		buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
		buf.WriteString(body)
		return buf.Bytes()
	}

	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%s\r\n\r\n", boundary)

	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	buf.WriteString(body)
	buf.WriteString("\r\n")

	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	buf.WriteString("Content-Type: application/pdf\r\n")
	fmt.Fprintf(&buf, "Content-Disposition: attachment; filename=%q\r\n", filename)
	buf.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")

	encoded := base64.StdEncoding.EncodeToString(attachment)
	for len(encoded) > 76 {
		buf.WriteString(encoded[:76])
		buf.WriteString("\r\n")
		encoded = encoded[76:]
	}
	buf.WriteString(encoded)
	buf.WriteString("\r\n")
	fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	return buf.Bytes()
}
