// Package notify renders session alert digests and dispatches them over
// SMTP. The transport is injected so tests never touch the network.
package notify

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"

	"github.com/phuslu/log"

	"he_alerts/internal/models"
)

// Transport delivers a rendered message.
type Transport interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

// Notifier renders and sends one digest per evaluated session.
type Notifier struct {
	transport Transport
	from      string
	to        []string
}

func New(transport Transport, from string, to []string) *Notifier {
	return &Notifier{transport: transport, from: from, to: to}
}

// SendDigest dispatches the session digest. An empty alert list sends
// nothing. A dispatch failure is retried once, then surfaced as ErrMail.
func (n *Notifier) SendDigest(ctx context.Context, alerts []models.Alert, session models.Session, tradingDay string) error {
	if len(alerts) == 0 {
		log.Info().Str("session", string(session)).Msg("no alerts, digest skipped")
		return nil
	}

	subject := fmt.Sprintf("Trading Alerts [%s] %s: %d alert(s)", session, tradingDay, len(alerts))
	msg := n.compose(subject, renderPlain(alerts, session, tradingDay), renderHTML(alerts, session, tradingDay))

	var err error
	for attempt := 1; attempt <= 2; attempt++ {
		if err = n.transport.Send(ctx, n.from, n.to, msg); err == nil {
			log.Info().Str("subject", subject).Int("recipients", len(n.to)).Msg("digest sent")
			return nil
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("digest dispatch failed")
	}
	return fmt.Errorf("%w: %v", models.ErrMail, err)
}

// compose builds a multipart/alternative message with plain and HTML bodies.
func (n *Notifier) compose(subject, plain, html string) []byte {
	boundary := mimeBoundary()
	var msg strings.Builder
	msg.WriteString("From: " + n.from + "\r\n")
	msg.WriteString("To: " + strings.Join(n.to, ", ") + "\r\n")
	msg.WriteString("Subject: " + subject + "\r\n")
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=%q\r\n", boundary))
	msg.WriteString("\r\n")

	msg.WriteString("--" + boundary + "\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(plain)
	msg.WriteString("\r\n")

	msg.WriteString("--" + boundary + "\r\n")
	msg.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	msg.WriteString(html)
	msg.WriteString("\r\n")

	msg.WriteString("--" + boundary + "--\r\n")
	return []byte(msg.String())
}

func renderPlain(alerts []models.Alert, session models.Session, tradingDay string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s session alerts for %s\n\n", session, tradingDay)
	currentKind := models.AlertKind("")
	for _, a := range alerts {
		if a.Kind != currentKind {
			currentKind = a.Kind
			fmt.Fprintf(&b, "%s\n", currentKind)
		}
		fmt.Fprintf(&b, "  %-8s %-14s price %s vs %s (%s)", a.Ticker, a.Category, a.Price.StringFixed(2), a.Threshold.StringFixed(2), a.Sentiment)
		if a.PriceSource != "" && a.PriceSource != "last" {
			fmt.Fprintf(&b, " [price: %s]", a.PriceSource)
		}
		b.WriteString("\n")
	}
	return b.String()
}

var htmlDigest = template.Must(template.New("digest").Parse(`<html><body>
<h2>{{.Session}} session alerts for {{.TradingDay}}</h2>
<table border="1" cellpadding="4" cellspacing="0">
<tr><th>Action</th><th>Ticker</th><th>Category</th><th>Price</th><th>Threshold</th><th>Sentiment</th></tr>
{{- range .Alerts}}
<tr><td><b>{{.Kind}}</b></td><td>{{.Ticker}}</td><td>{{.Category}}</td><td>{{.Price.StringFixed 2}}</td><td>{{.Threshold.StringFixed 2}}</td><td>{{.Sentiment}}</td></tr>
{{- end}}
</table>
</body></html>`))

func renderHTML(alerts []models.Alert, session models.Session, tradingDay string) string {
	var b strings.Builder
	err := htmlDigest.Execute(&b, struct {
		Session    models.Session
		TradingDay string
		Alerts     []models.Alert
	}{session, tradingDay, alerts})
	if err != nil {
		log.Error().Err(err).Msg("html digest render failed")
		return ""
	}
	return b.String()
}

func mimeBoundary() string {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "he-alerts-boundary"
	}
	return "he-alerts-" + hex.EncodeToString(buf[:])
}

// SMTPTransport sends through a STARTTLS SMTP session with plain auth, the
// usual posture for port 587 submission endpoints.
type SMTPTransport struct {
	Host     string
	Port     int
	User     string
	Password string
	Timeout  time.Duration
}

func (t *SMTPTransport) Send(ctx context.Context, from string, to []string, msg []byte) error {
	addr := fmt.Sprintf("%s:%d", t.Host, t.Port)

	done := make(chan error, 1)
	go func() { done <- t.send(addr, from, to, msg) }()

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("smtp send to %s timed out after %s", addr, timeout)
	}
}

func (t *SMTPTransport) send(addr, from string, to []string, msg []byte) error {
	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: t.Host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if t.User != "" {
		auth := smtp.PlainAuth("", t.User, t.Password, t.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	return client.Quit()
}
