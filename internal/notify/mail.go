package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"

	"bidfetch/internal/components/assert"
	"bidfetch/internal/components/telemetry"

	"github.com/jordan-wright/email"
)

type SmtpConfig struct {
	Server       string
	Port         int
	EmailAddress string
	Password     string
}

type MailOptions struct {
	Enabled bool
	Smtp    SmtpConfig
	// To is one or more comma separated recipients.
	To string
}

// Notifier delivers a rendered report.
type Notifier interface {
	Send(ctx context.Context, subject, body string) error
}

const report_mailer_send = "mailer.send"

// implicitTLSPort is the SMTPS port, every other port uses STARTTLS when offered.
const implicitTLSPort = 465

type sendFunc func(mail *email.Email, addr string, auth smtp.Auth, tlsConfig *tls.Config) error

func send(mail *email.Email, addr string, auth smtp.Auth, tlsConfig *tls.Config) error {
	if tlsConfig != nil {
		return mail.SendWithTLS(addr, auth, tlsConfig)
	}
	return mail.Send(addr, auth)
}

type Mailer struct {
	tel  telemetry.API
	opts MailOptions
	send sendFunc
}

var _ Notifier = Mailer{}

func NewMailer(opts MailOptions, tel telemetry.API) Mailer {
	assert.NotNil(tel)
	return Mailer{
		tel:  telemetry.NewScopedAPI("notify", tel),
		opts: opts,
		send: send,
	}
}

func recipients(to string) []string {
	out := []string{}
	for _, r := range strings.Split(to, ",") {
		r = strings.TrimSpace(r)
		if r != "" {
			out = append(out, r)
		}
	}
	return out
}

// Send mails subject and body, a disabled mailer does nothing.
func (m Mailer) Send(ctx context.Context, subject, body string) error {
	if !m.opts.Enabled {
		m.tel.ReportDebug("mail disabled, skipping", subject)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	mail := email.NewEmail()
	mail.From = m.opts.Smtp.EmailAddress
	mail.To = recipients(m.opts.To)
	mail.Subject = subject
	mail.Text = []byte(body)

	addr := fmt.Sprintf("%s:%d", m.opts.Smtp.Server, m.opts.Smtp.Port)
	var tlsConfig *tls.Config
	if m.opts.Smtp.Port == implicitTLSPort {
		tlsConfig = &tls.Config{ServerName: m.opts.Smtp.Server}
	}

	err := m.send(
		mail,
		addr,
		smtp.PlainAuth("", m.opts.Smtp.EmailAddress, m.opts.Smtp.Password, m.opts.Smtp.Server),
		tlsConfig,
	)
	if err != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = m.send(mail, addr, nil, tlsConfig)
	}
	if err != nil {
		m.tel.ReportBroken(report_mailer_send, err, addr)
		return fmt.Errorf("send mail: %w", err)
	}

	m.tel.ReportInfo("email sent", strings.Join(mail.To, ","))
	return nil
}
