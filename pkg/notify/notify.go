// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package notify

import (
	"context"
	"fmt"
	"html/template"
	"net/smtp"
	"net/textproto"
	"sort"
	"strings"

	"github.com/jordan-wright/email"
	"github.com/pingcap/log"
	"github.com/pingcap/redoflow/pkg/config"
	cerror "github.com/pingcap/redoflow/pkg/errors"
	"go.uber.org/zap"
)

// Mail is a notification with plain text and HTML bodies.
type Mail struct {
	To      []string
	Subject string
	Text    string
	HTML    string
}

// Mailer sends mails.
type Mailer interface {
	Send(ctx context.Context, m *Mail) error
}

// SMTPMailer sends mails through an SMTP server.
type SMTPMailer struct {
	cfg *config.NotifyConfig
}

// NewSMTPMailer returns a mailer for cfg.
func NewSMTPMailer(cfg *config.NotifyConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

// Send implements Mailer.
func (s *SMTPMailer) Send(ctx context.Context, m *Mail) error {
	e := &email.Email{
		To:      m.To,
		From:    s.cfg.From,
		Subject: m.Subject,
		Text:    []byte(m.Text),
		Headers: textproto.MIMEHeader{},
	}
	if m.HTML != "" {
		e.HTML = []byte(m.HTML)
	}
	var auth smtp.Auth
	if s.cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", s.cfg.SMTPUser, s.cfg.SMTPPassword, s.cfg.SMTPHost)
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.SMTPHost, s.cfg.SMTPPort)
	if err := e.Send(addr, auth); err != nil {
		return cerror.WrapError(cerror.ErrSendMail, err)
	}
	return nil
}

// Notifier mails errors and run summaries to their lists. Send failures are
// logged and never returned to the caller.
type Notifier struct {
	mailer  Mailer
	errors  []string
	summary []string
	prefix  string
}

// NewNotifier returns a notifier, mailer may be nil to disable mails.
func NewNotifier(mailer Mailer, cfg *config.NotifyConfig, prefix string) *Notifier {
	n := &Notifier{mailer: mailer, prefix: prefix}
	if cfg != nil {
		n.errors = cfg.Error
		n.summary = cfg.Summary
	}
	return n
}

func (n *Notifier) send(ctx context.Context, m *Mail) {
	if n == nil || n.mailer == nil || len(m.To) == 0 {
		return
	}
	m.Subject = n.prefix + m.Subject
	if err := n.mailer.Send(ctx, m); err != nil {
		log.Warn("send notification failed", zap.String("subject", m.Subject), zap.Error(err))
	}
}

// Error mails err to the error list.
func (n *Notifier) Error(ctx context.Context, subject string, err error, details map[string]string) {
	var b strings.Builder
	b.WriteString(subject)
	b.WriteString("\n\nerror: ")
	if err != nil {
		b.WriteString(err.Error())
	}
	b.WriteString("\n")
	for _, k := range sortedKeys(details) {
		b.WriteString(k + ": " + details[k] + "\n")
	}
	var to []string
	if n != nil {
		to = n.errors
	}
	n.send(ctx, &Mail{To: to, Subject: subject, Text: b.String()})
}

// Summary is a tabular run report.
type Summary struct {
	Title   string
	Status  string
	Columns []string
	Rows    [][]string
}

var summaryTemplate = template.Must(template.New("summary").Parse(
	`<html><body><h3>{{.Title}}</h3><p>Status: <b>{{.Status}}</b></p>` +
		`<table border="1"><tr>{{range .Columns}}<th>{{.}}</th>{{end}}</tr>` +
		`{{range .Rows}}<tr>{{range .}}<td>{{.}}</td>{{end}}</tr>{{end}}</table></body></html>`))

// Text renders s as plain text.
func (s *Summary) Text() string {
	var b strings.Builder
	b.WriteString(s.Title + "\nStatus: " + s.Status + "\n\n")
	b.WriteString(strings.Join(s.Columns, "\t") + "\n")
	for _, r := range s.Rows {
		b.WriteString(strings.Join(r, "\t") + "\n")
	}
	return b.String()
}

// HTML renders s as an HTML table.
func (s *Summary) HTML() (string, error) {
	var b strings.Builder
	if err := summaryTemplate.Execute(&b, s); err != nil {
		return "", cerror.Trace(err)
	}
	return b.String(), nil
}

// Summary mails s to the summary list.
func (n *Notifier) Summary(ctx context.Context, s *Summary) {
	html, err := s.HTML()
	if err != nil {
		log.Warn("render summary failed", zap.Error(err))
	}
	var to []string
	if n != nil {
		to = n.summary
	}
	n.send(ctx, &Mail{To: to, Subject: s.Title + " " + s.Status, Text: s.Text(), HTML: html})
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
