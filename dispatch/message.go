/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package dispatch

import (
	"bytes"
	"fmt"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/catchmeifyoucaan/surprise-sender-sub001/utils"
)

// Message is one outbound mail.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	HTML    bool   `json:"html"`
}

// Validate checks the recipient address.
func (m *Message) Validate() error {
	if m == nil {
		return invalidField("message", "required")
	}
	if strings.TrimSpace(m.To) == "" {
		return invalidField("to", "required")
	}
	if _, err := mail.ParseAddress(m.To); err != nil {
		return invalidField("to", "%v", err)
	}
	return nil
}

// Envelope is a Message bound to a sender, ready for a transport.
type Envelope struct {
	From      string
	FromName  string
	MessageID string
	Date      time.Time

	*Message
}

// NewEnvelope binds msg to the sender of cfg and assigns a Message-ID.
func NewEnvelope(cfg *Configuration, msg *Message, now time.Time) *Envelope {
	from := cfg.Sender()
	domain, err := utils.GetDomainFromEmail(from)
	if err != nil || domain == "" {
		domain = "localhost"
	}
	return &Envelope{
		From:      from,
		FromName:  cfg.FromName,
		MessageID: "<" + uuid.New().String() + "@" + domain + ">",
		Date:      now,
		Message:   msg,
	}
}

// Bytes renders the envelope as an RFC 5322 message.
func (e *Envelope) Bytes() ([]byte, error) {
	var buf bytes.Buffer

	from := (&mail.Address{Name: e.FromName, Address: e.From}).String()
	contentType := "text/plain; charset=UTF-8"
	if e.HTML {
		contentType = "text/html; charset=UTF-8"
	}

	headers := [][2]string{
		{"From", from},
		{"To", e.To},
		{"Subject", mime.QEncoding.Encode("UTF-8", sanitizeHeader(e.Subject))},
		{"Date", e.Date.Format(time.RFC1123Z)},
		{"Message-ID", e.MessageID},
		{"MIME-Version", "1.0"},
		{"Content-Type", contentType},
		{"Content-Transfer-Encoding", "quoted-printable"},
	}
	for _, h := range headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", h[0], h[1])
	}
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(normalizeNewlines(e.Body))); err != nil {
		return nil, fmt.Errorf("failed to encode body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode body: %w", err)
	}

	return buf.Bytes(), nil
}

func sanitizeHeader(value string) string {
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.ReplaceAll(value, "\n", " ")
	return strings.TrimSpace(value)
}

func normalizeNewlines(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\r", "\n")
	return strings.ReplaceAll(body, "\n", "\r\n")
}
