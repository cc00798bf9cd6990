package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/tenantflow/internal/domain"
)

// MailerConfig holds SMTP connection details. From is the fallback sender
// for tenants without a mail.from setting.
type MailerConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

// SendFunc delivers one message; smtp.SendMail by default.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// mailPayload is the expected JSON structure in job.Payload.
type mailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	ReplyTo string `json:"reply_to,omitempty"`
}

// mailSettings is the tenant settings block read under the "mail" key.
type mailSettings struct {
	From    string `json:"from"`
	ReplyTo string `json:"reply_to"`
}

// Mailer sends transactional mail for a tenant via SMTP.
type Mailer struct {
	cfg  MailerConfig
	send SendFunc
}

// NewMailer creates a Mailer. A nil send uses smtp.SendMail.
func NewMailer(cfg MailerConfig, send SendFunc) *Mailer {
	if send == nil {
		send = smtp.SendMail
	}
	return &Mailer{cfg: cfg, send: send}
}

func (h *Mailer) Queue() string { return domain.QueueMailer }

func (h *Mailer) Handle(ctx context.Context, job *domain.Job, tenant *domain.Tenant) ([]byte, error) {
	ctx, span := otel.Tracer("queue").Start(ctx, "handler.mailer")
	defer span.End()

	var p mailPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return nil, domain.Permanent(fmt.Errorf("invalid mail payload: %w", err))
	}
	if p.To == "" {
		err := errors.New("mail payload missing required field 'to'")
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing 'to' field")
		return nil, domain.Permanent(err)
	}
	for _, v := range []string{p.To, p.Subject, p.ReplyTo} {
		if strings.ContainsAny(v, "\r\n") {
			err := errors.New("mail header field contains a line break")
			span.SetStatus(codes.Error, "header injection")
			return nil, domain.Permanent(err)
		}
	}

	from, replyTo := h.cfg.From, p.ReplyTo
	var ms mailSettings
	if tenant.Setting("mail", &ms) {
		if ms.From != "" {
			from = ms.From
		}
		if replyTo == "" {
			replyTo = ms.ReplyTo
		}
	}
	if from == "" {
		return nil, domain.Permanent(fmt.Errorf("no sender address for tenant %s", tenant.ID))
	}

	span.SetAttributes(
		attribute.String("mail.to", p.To),
		attribute.String("tenant.id", tenant.ID),
	)

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), senderDomain(from))
	msg := buildMIME(from, p.To, replyTo, p.Subject, p.Body, messageID, time.Now())
	addr := fmt.Sprintf("%s:%d", h.cfg.Host, h.cfg.Port)

	var auth smtp.Auth
	if h.cfg.Username != "" {
		auth = smtp.PlainAuth("", h.cfg.Username, h.cfg.Password, h.cfg.Host)
	}

	// net/smtp has no context support; run it aside so ctx still bounds the job.
	done := make(chan error, 1)
	go func() {
		done <- h.send(addr, auth, from, []string{p.To}, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "smtp send failed")
			return nil, fmt.Errorf("smtp send to %s: %w", p.To, err)
		}
	case <-ctx.Done():
		err := fmt.Errorf("mail send interrupted: %w", ctx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, "timeout")
		return nil, err
	}

	return json.Marshal(map[string]string{"to": p.To, "from": from, "message_id": messageID})
}

func senderDomain(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i < len(addr)-1 {
		return strings.TrimSuffix(addr[i+1:], ">")
	}
	return "localhost"
}

func buildMIME(from, to, replyTo, subject, body, messageID string, now time.Time) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\nTo: %s\r\n", from, to)
	if replyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\r\n", replyTo)
	}
	fmt.Fprintf(&b, "Subject: %s\r\nDate: %s\r\nMessage-ID: %s\r\n", subject, now.Format(time.RFC1123Z), messageID)
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(body)
	return []byte(b.String())
}
