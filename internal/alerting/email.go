package alerting

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"
)

// EmailOptions 描述 SMTP 中继配置。
type EmailOptions struct {
	Host      string
	Port      int
	Username  string
	Password  string
	From      string
	FromName  string
	To        []string
	TLSPolicy string
	Timeout   time.Duration
}

// EmailNotifier 通过 SMTP 发送告警邮件。
type EmailNotifier struct {
	opts   EmailOptions
	send   func(ctx context.Context, msg *mail.Msg) error
	logger zerolog.Logger
}

// NewEmailNotifier 构造邮件告警器。连接在每次发送时建立。
func NewEmailNotifier(opts EmailOptions, logger zerolog.Logger) (*EmailNotifier, error) {
	if opts.Host == "" || opts.From == "" {
		return nil, fmt.Errorf("email host and from address are required")
	}
	if len(opts.To) == 0 {
		return nil, fmt.Errorf("email needs at least one recipient")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}

	clientOpts := []mail.Option{
		mail.WithTimeout(opts.Timeout),
		mail.WithTLSPolicy(tlsPolicy(opts.TLSPolicy)),
	}
	if opts.Port > 0 {
		clientOpts = append(clientOpts, mail.WithPort(opts.Port))
	}
	if opts.Username != "" {
		clientOpts = append(clientOpts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(opts.Username),
			mail.WithPassword(opts.Password),
		)
	}

	client, err := mail.NewClient(opts.Host, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create smtp client: %w", err)
	}

	return &EmailNotifier{
		opts: opts,
		send: func(ctx context.Context, msg *mail.Msg) error {
			return client.DialAndSendWithContext(ctx, msg)
		},
		logger: logger.With().Str("component", "alert_email").Logger(),
	}, nil
}

// Notify 渲染并发送一封告警邮件。
func (n *EmailNotifier) Notify(ctx context.Context, note Notification) error {
	msg, err := n.buildMessage(note)
	if err != nil {
		return err
	}
	if err := n.send(ctx, msg); err != nil {
		return fmt.Errorf("send alert email: %w", err)
	}

	n.logger.Info().
		Str("kind", string(note.Kind)).
		Str("borrower", note.Borrower.Hex()).
		Strs("to", n.opts.To).
		Msg("告警已发送 (Email)")
	return nil
}

func (n *EmailNotifier) buildMessage(note Notification) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if n.opts.FromName != "" {
		if err := msg.FromFormat(n.opts.FromName, n.opts.From); err != nil {
			return nil, fmt.Errorf("set email sender: %w", err)
		}
	} else if err := msg.From(n.opts.From); err != nil {
		return nil, fmt.Errorf("set email sender: %w", err)
	}
	if err := msg.To(n.opts.To...); err != nil {
		return nil, fmt.Errorf("set email recipients: %w", err)
	}
	msg.Subject(Subject(note))
	msg.SetBodyString(mail.TypeTextPlain, renderText(note))
	msg.AddAlternativeString(mail.TypeTextHTML, renderHTML(note))
	return msg, nil
}

func renderHTML(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("<h3>")
	builder.WriteString(html.EscapeString(Subject(note)))
	builder.WriteString("</h3>\n<table>\n")
	for _, line := range strings.Split(strings.TrimSpace(renderText(note)), "\n") {
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			builder.WriteString(fmt.Sprintf("<tr><td colspan=\"2\">%s</td></tr>\n", html.EscapeString(line)))
			continue
		}
		builder.WriteString(fmt.Sprintf("<tr><th align=\"left\">%s</th><td>%s</td></tr>\n", html.EscapeString(key), html.EscapeString(value)))
	}
	builder.WriteString("</table>\n")
	return builder.String()
}

func tlsPolicy(name string) mail.TLSPolicy {
	switch strings.ToLower(name) {
	case "mandatory":
		return mail.TLSMandatory
	case "none", "notls":
		return mail.NoTLS
	default:
		return mail.TLSOpportunistic
	}
}

var _ Notifier = (*EmailNotifier)(nil)
