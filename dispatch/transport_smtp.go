/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package dispatch

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

type smtpTransport struct {
	conn   net.Conn
	client *smtp.Client

	closeOnce sync.Once
	done      chan struct{}
}

// dialSMTP connects, greets, upgrades to TLS when offered and authenticates.
func dialSMTP(ctx context.Context, params *TransportParams, helloName string) (*smtpTransport, error) {
	tlsConfig := &tls.Config{
		ServerName:         params.Host,
		InsecureSkipVerify: params.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}

	dialer := &net.Dialer{}
	var conn net.Conn
	var err error
	if params.Secure {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", params.Address())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", params.Address())
	}
	if err != nil {
		return nil, connectivityError(ctx, "dial", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	t := &smtpTransport{
		conn: conn,
		done: make(chan struct{}),
	}
	go func() {
		// Unblock pending reads when the attempt is cancelled.
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-t.done:
		}
	}()

	err = func() error {
		t.client, err = smtp.NewClient(conn, params.Host)
		if err != nil {
			return connectivityError(ctx, "greeting", err)
		}
		if err = t.client.Hello(helloName); err != nil {
			return connectivityError(ctx, "hello", err)
		}
		if !params.Secure {
			if ok, _ := t.client.Extension("STARTTLS"); ok {
				if err = t.client.StartTLS(tlsConfig); err != nil {
					return connectivityError(ctx, "starttls", err)
				}
			}
		}
		if params.Username != "" || params.Password != "" {
			if ok, _ := t.client.Extension("AUTH"); !ok {
				return fmt.Errorf("%w: auth: server does not support authentication", ErrConnectivity)
			}
			if err = t.client.Auth(sasl.NewPlainClient("", params.Username, params.Password)); err != nil {
				return connectivityError(ctx, "auth", err)
			}
		}
		return nil
	}()
	if err != nil {
		t.Close()
		return nil, err
	}

	return t, nil
}

func (t *smtpTransport) Verify(ctx context.Context) error {
	if err := t.client.Noop(); err != nil {
		return connectivityError(ctx, "noop", err)
	}
	return nil
}

func (t *smtpTransport) Send(ctx context.Context, env *Envelope) (string, error) {
	data, err := env.Bytes()
	if err != nil {
		return "", err
	}

	if err = t.client.Mail(env.From, nil); err != nil {
		return "", sendError(ctx, "mail from", err)
	}
	if err = t.client.Rcpt(env.To); err != nil {
		return "", sendError(ctx, "rcpt to", err)
	}
	w, err := t.client.Data()
	if err != nil {
		return "", sendError(ctx, "data", err)
	}
	if _, err = w.Write(data); err != nil {
		_ = w.Close()
		return "", sendError(ctx, "data write", err)
	}
	if err = w.Close(); err != nil {
		return "", sendError(ctx, "data close", err)
	}

	return env.MessageID, nil
}

func (t *smtpTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if t.client != nil {
			if quitErr := t.client.Quit(); quitErr != nil && !errors.Is(quitErr, io.EOF) {
				err = quitErr
			}
			_ = t.client.Close()
		} else {
			err = t.conn.Close()
		}
		close(t.done)
	})
	return err
}

// sendError classifies permanent SMTP replies as rejections and everything
// else as connectivity failures.
func sendError(ctx context.Context, stage string, err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) && smtpErr.Code >= 500 {
		return fmt.Errorf("%w: %s: %w", ErrDeliveryRejected, stage, err)
	}
	return connectivityError(ctx, stage, err)
}
