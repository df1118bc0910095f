package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"attendguard/internal/model"
)

// Sender delivers a message over one channel. Returning
// model.ErrChannelUnavailable marks the channel as permanently unusable for
// this recipient; any other error is retried.
type Sender interface {
	Send(ctx context.Context, to Contact, recipientID string, m model.Message) error
}

// SMTPSender delivers email through an SMTP relay.
type SMTPSender struct {
	Addr     string
	From     string
	Username string
	Password string
}

// Send writes one plain-text email. The connection honors ctx's deadline.
func (s *SMTPSender) Send(ctx context.Context, to Contact, _ string, m model.Message) error {
	if to.Email == "" || s.Addr == "" {
		return model.ErrChannelUnavailable
	}
	host, _, err := net.SplitHostPort(s.Addr)
	if err != nil {
		return fmt.Errorf("smtp addr: %w", err)
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp hello: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(nil); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if s.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", s.Username, s.Password, host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(s.From); err != nil {
		return err
	}
	if err := c.Rcpt(to.Email); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(formatEmail(s.From, to.Email, m)); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func formatEmail(from, to string, m model.Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: [%s] %s\r\n", m.Priority, strings.ReplaceAll(m.Subject, "\n", " "))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&b, "X-Attendguard-Message: %s\r\n\r\n", m.ID)
	b.WriteString(strings.ReplaceAll(m.Body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

// HTTPSender posts messages as JSON to a provider gateway. It backs the push,
// SMS and webhook channels.
type HTTPSender struct {
	channel model.Channel
	url     string
	token   string
	client  *http.Client
}

// NewHTTPSender creates a sender for ch posting to url. For webhooks the
// recipient's own WebhookURL wins over url.
func NewHTTPSender(ch model.Channel, url, token string) *HTTPSender {
	return &HTTPSender{
		channel: ch,
		url:     url,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type gatewayPayload struct {
	MessageID   string            `json:"message_id"`
	RecipientID string            `json:"recipient_id"`
	To          string            `json:"to,omitempty"`
	Priority    model.Priority    `json:"priority"`
	Subject     string            `json:"subject"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
	AlertID     string            `json:"alert_id,omitempty"`
}

// Send posts one message.
func (s *HTTPSender) Send(ctx context.Context, to Contact, recipientID string, m model.Message) error {
	url := s.url
	var addr string
	switch s.channel {
	case model.ChannelPush:
		addr = to.PushToken
	case model.ChannelSMS:
		addr = to.Phone
	case model.ChannelWebhook:
		if to.WebhookURL != "" {
			url = to.WebhookURL
		}
		addr = recipientID
	}
	if addr == "" || url == "" {
		return model.ErrChannelUnavailable
	}

	payload, err := json.Marshal(gatewayPayload{
		MessageID:   m.ID,
		RecipientID: recipientID,
		To:          addr,
		Priority:    m.Priority,
		Subject:     m.Subject,
		Body:        m.Body,
		Data:        m.Data,
		AlertID:     m.AlertID,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", m.ID+":"+string(s.channel))
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s gateway: %w", s.channel, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s gateway status %d: %s", s.channel, resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}
