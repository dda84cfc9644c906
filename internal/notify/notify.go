// Package notify fans critical-priority messages out to humans over
// Slack and email. Adapted from the teacher's
// internal/notifications/external package: the hand-rolled Slack
// webhook POST is replaced with the slack-go/slack SDK's webhook
// helper, and the SMTP path is kept close to the original (it was
// already using net/smtp directly, nothing to swap in for it).
package notify

import (
	"encoding/json"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/seanfdz/commandpost/internal/config"
	"github.com/seanfdz/commandpost/internal/types"
)

// Notifier fans a message out to whichever out-of-band channels are
// configured. A zero-value NotifyConfig makes every Send a no-op.
type Notifier struct {
	cfg config.NotifyConfig
}

// New returns a Notifier bound to cfg.
func New(cfg config.NotifyConfig) *Notifier {
	return &Notifier{cfg: cfg}
}

// Send delivers msg to every configured channel, continuing past a
// failed channel rather than stopping at the first one, and returns
// the combined errors (nil if every configured channel succeeded).
func (n *Notifier) Send(msg *types.Message) error {
	var errs []string
	if n.cfg.SlackWebhookURL != "" {
		if err := n.sendSlack(msg); err != nil {
			errs = append(errs, fmt.Sprintf("slack: %v", err))
		}
	}
	if n.cfg.SMTPAddr != "" && n.cfg.EmailFrom != "" && n.cfg.EmailTo != "" {
		if err := n.sendEmail(msg); err != nil {
			errs = append(errs, fmt.Sprintf("email: %v", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ShouldNotify mirrors the teacher's per-notifier filter, trimmed to
// the one condition this module actually triggers on: critical
// priority, whatever the message type or recipient.
func ShouldNotify(msg *types.Message) bool {
	return msg.Priority == types.PriorityCritical
}

func (n *Notifier) sendSlack(msg *types.Message) error {
	color := "warning"
	if msg.Priority == types.PriorityCritical {
		color = "danger"
	}

	var fields []slack.AttachmentField
	fields = append(fields,
		slack.AttachmentField{Title: "Type", Value: string(msg.Type), Short: true},
		slack.AttachmentField{Title: "From", Value: msg.From, Short: true},
		slack.AttachmentField{Title: "To", Value: msg.To, Short: true},
		slack.AttachmentField{Title: "Priority", Value: string(msg.Priority), Short: true},
	)
	for k, v := range msg.Body {
		fields = append(fields, slack.AttachmentField{Title: k, Value: fmt.Sprintf("%v", v), Short: false})
	}

	payload := &slack.WebhookMessage{
		Text: fmt.Sprintf("Command Post escalation: %s", msg.ID),
		Attachments: []slack.Attachment{
			{
				Color:  color,
				Title:  fmt.Sprintf("%s message", msg.Type),
				Fields: fields,
				Ts:     json.Number(fmt.Sprintf("%d", msg.Timestamp.Unix())),
			},
		},
	}
	if n.cfg.SlackChannel != "" {
		payload.Channel = n.cfg.SlackChannel
	}

	return slack.PostWebhook(n.cfg.SlackWebhookURL, payload)
}

func (n *Notifier) sendEmail(msg *types.Message) error {
	subject := n.buildSubject(msg)
	body := n.buildBody(msg)
	message := n.buildMessage(subject, body)

	return smtp.SendMail(n.cfg.SMTPAddr, nil, n.cfg.EmailFrom, []string{n.cfg.EmailTo}, []byte(message))
}

func (n *Notifier) buildSubject(msg *types.Message) string {
	prefix := ""
	if msg.Priority == types.PriorityCritical {
		prefix = "[CRITICAL] "
	}
	return fmt.Sprintf("%sCommand Post %s message from %s", prefix, msg.Type, msg.From)
}

func (n *Notifier) buildBody(msg *types.Message) string {
	var b strings.Builder
	b.WriteString("Command Post Escalation\n")
	b.WriteString("========================\n\n")
	b.WriteString(fmt.Sprintf("Message ID: %s\n", msg.ID))
	b.WriteString(fmt.Sprintf("Type: %s\n", msg.Type))
	b.WriteString(fmt.Sprintf("From: %s\n", msg.From))
	b.WriteString(fmt.Sprintf("To: %s\n", msg.To))
	b.WriteString(fmt.Sprintf("Priority: %s\n", msg.Priority))
	b.WriteString(fmt.Sprintf("Timestamp: %s\n", msg.Timestamp.Format(time.RFC3339)))
	if len(msg.Body) > 0 {
		b.WriteString("\nBody:\n-----\n")
		for k, v := range msg.Body {
			b.WriteString(fmt.Sprintf("%s: %v\n", k, v))
		}
	}
	b.WriteString("\n--\nThis is an automated notification from Command Post\n")
	return b.String()
}

func (n *Notifier) buildMessage(subject, body string) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("From: %s\r\n", n.cfg.EmailFrom))
	b.WriteString(fmt.Sprintf("To: %s\r\n", n.cfg.EmailTo))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return b.String()
}
