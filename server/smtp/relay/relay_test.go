/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/catchmeifyoucaan/surprise-sender-sub001/dispatch"
)

type fakeRouter struct {
	mutex    sync.Mutex
	messages []*dispatch.Message
	owners   []string
	err      error
	// rejected fails the dispatch for single recipients.
	rejected map[string]error
}

func (r *fakeRouter) Authenticate(ctx context.Context, username, password string) (string, error) {
	if password != "secret" {
		return "", errors.New("bad secret")
	}
	return username, nil
}

func (r *fakeRouter) Dispatch(ctx context.Context, ownerID string, msg *dispatch.Message) (*dispatch.SendResult, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	if err := r.rejected[msg.To]; err != nil {
		return nil, err
	}
	r.messages = append(r.messages, msg)
	r.owners = append(r.owners, ownerID)
	return &dispatch.SendResult{Success: true, MessageID: fmt.Sprintf("m%d", len(r.messages))}, nil
}

func startRelay(t *testing.T, router Router) string {
	t.Helper()
	return listenRelay(t, router, false)
}

func listenRelay(t *testing.T, router Router, lmtp bool) string {
	t.Helper()

	logger, _ := test.NewNullLogger()
	r, err := New(&Config{
		Logger:            logger,
		Router:            router,
		Domain:            "localhost",
		AllowInsecureAuth: true,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		MaxMessageBytes:   1024 * 1024,
		MaxRecipients:     10,
		LMTP:              lmtp,
	})
	if err != nil {
		t.Fatalf("failed to create relay: %v", err)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	go func() {
		_ = r.Serve(l)
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})

	return l.Addr().String()
}

func submit(t *testing.T, c *smtp.Client, rcptTos []string, body string) error {
	t.Helper()

	if err := c.Mail("sender@example.org", nil); err != nil {
		return err
	}
	for _, rcptTo := range rcptTos {
		if err := c.Rcpt(rcptTo); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err = w.Write([]byte(body)); err != nil {
		return err
	}
	return w.Close()
}

func TestRelaySubmit(t *testing.T) {
	router := &fakeRouter{}
	addr := startRelay(t, router)

	c, err := smtp.Dial(addr)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer c.Close()

	if err = c.Auth(sasl.NewPlainClient("", "owner-1", "secret")); err != nil {
		t.Fatalf("auth failed: %v", err)
	}

	body := strings.Join([]string{
		"From: sender@example.org",
		"To: a@example.net",
		"Subject: =?utf-8?q?Gr=C3=BC=C3=9Fe?=",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"hello there",
		"",
	}, "\r\n")
	if err = submit(t, c, []string{"a@example.net", "b@example.net", "A@example.net"}, body); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	_ = c.Quit()

	router.mutex.Lock()
	defer router.mutex.Unlock()
	if len(router.messages) != 2 {
		t.Fatalf("expected one dispatch per distinct recipient, got %d", len(router.messages))
	}
	msg := router.messages[0]
	if msg.To != "a@example.net" || msg.Subject != "Grüße" || msg.HTML {
		t.Errorf("unexpected message %+v", msg)
	}
	if !strings.HasPrefix(msg.Body, "hello there") {
		t.Errorf("unexpected body %q", msg.Body)
	}
	if router.owners[1] != "owner-1" {
		t.Errorf("dispatched for wrong owner %q", router.owners[1])
	}
}

func TestRelayAuthenticationFailure(t *testing.T) {
	addr := startRelay(t, &fakeRouter{})

	c, err := smtp.Dial(addr)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer c.Close()

	err = c.Auth(sasl.NewPlainClient("", "owner-1", "wrong"))
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.Code != 535 {
		t.Fatalf("expected 535 reply, got %v", err)
	}
}

func TestRelayRequiresAuthentication(t *testing.T) {
	addr := startRelay(t, &fakeRouter{})

	c, err := smtp.Dial(addr)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer c.Close()

	if err = c.Mail("sender@example.org", nil); err == nil {
		t.Fatalf("expected mail without auth to fail")
	}
}

func TestRelayDispatchErrors(t *testing.T) {
	for _, tc := range []struct {
		err  error
		code int
	}{
		{fmt.Errorf("wrapped: %w", dispatch.ErrQuotaExceeded), 452},
		{dispatch.ErrNoCandidates, 554},
		{fmt.Errorf("%w after 2 attempts", dispatch.ErrAllCandidatesFailed), 451},
	} {
		router := &fakeRouter{err: tc.err}
		addr := startRelay(t, router)

		c, err := smtp.Dial(addr)
		if err != nil {
			t.Fatalf("failed to dial: %v", err)
		}
		if err = c.Auth(sasl.NewPlainClient("", "owner-1", "secret")); err != nil {
			t.Fatalf("auth failed: %v", err)
		}

		err = submit(t, c, []string{"a@example.net"}, "Subject: x\r\n\r\nbody\r\n")
		var smtpErr *smtp.SMTPError
		if !errors.As(err, &smtpErr) || smtpErr.Code != tc.code {
			t.Errorf("%v: expected %d reply, got %v", tc.err, tc.code, err)
		}
		c.Close()
	}
}

func TestRelayRejectsInvalidRecipient(t *testing.T) {
	addr := startRelay(t, &fakeRouter{})

	c, err := smtp.Dial(addr)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer c.Close()
	if err = c.Auth(sasl.NewPlainClient("", "owner-1", "secret")); err != nil {
		t.Fatalf("auth failed: %v", err)
	}
	if err = c.Mail("sender@example.org", nil); err != nil {
		t.Fatalf("mail failed: %v", err)
	}

	err = c.Rcpt("not-an-address")
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.Code != 553 {
		t.Errorf("expected 553 reply, got %v", err)
	}
}

func TestRelayLMTPStatusPerRecipient(t *testing.T) {
	router := &fakeRouter{
		rejected: map[string]error{
			"b@example.net": fmt.Errorf("wrapped: %w", dispatch.ErrQuotaExceeded),
		},
	}
	addr := listenRelay(t, router, true)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	c, err := smtp.NewClientLMTP(conn, "localhost")
	if err != nil {
		t.Fatalf("failed to create lmtp client: %v", err)
	}
	defer c.Close()

	if err = c.Auth(sasl.NewPlainClient("", "owner-1", "secret")); err != nil {
		t.Fatalf("auth failed: %v", err)
	}
	if err = c.Mail("sender@example.org", nil); err != nil {
		t.Fatalf("mail failed: %v", err)
	}
	rcptTos := []string{"a@example.net", "b@example.net", "c@example.net"}
	for _, rcptTo := range rcptTos {
		if err = c.Rcpt(rcptTo); err != nil {
			t.Fatalf("rcpt %s failed: %v", rcptTo, err)
		}
	}

	statuses := make(map[string]*smtp.SMTPError)
	var order []string
	w, err := c.LMTPData(func(rcpt string, status *smtp.SMTPError) {
		order = append(order, rcpt)
		statuses[rcpt] = status
	})
	if err != nil {
		t.Fatalf("data failed: %v", err)
	}
	if _, err = w.Write([]byte("Subject: x\r\n\r\nbody\r\n")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err = w.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if len(order) != len(rcptTos) {
		t.Fatalf("expected one status per recipient, got %v", order)
	}
	if statuses["a@example.net"] != nil || statuses["c@example.net"] != nil {
		t.Errorf("expected accepted recipients, got %v %v", statuses["a@example.net"], statuses["c@example.net"])
	}
	if status := statuses["b@example.net"]; status == nil || status.Code != 452 {
		t.Errorf("expected 452 for rejected recipient, got %v", status)
	}

	router.mutex.Lock()
	defer router.mutex.Unlock()
	if len(router.messages) != 2 {
		t.Errorf("expected two dispatched messages, got %d", len(router.messages))
	}
}
