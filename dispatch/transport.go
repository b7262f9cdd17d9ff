/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package dispatch

import (
	"context"
	"fmt"
)

// Transport is one open connection to a provider. It is scoped to a single
// validation or send attempt and must be closed on every exit path.
type Transport interface {
	// Verify runs a lightweight handshake without sending mail.
	Verify(ctx context.Context) error
	// Send delivers the envelope and returns the transport message id.
	Send(ctx context.Context, env *Envelope) (string, error)
	Close() error
}

// Opener opens transports from resolved parameters.
type Opener interface {
	Open(ctx context.Context, params *TransportParams) (Transport, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, params *TransportParams) (Transport, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, params *TransportParams) (Transport, error) {
	return f(ctx, params)
}

// DialOpener opens real network transports.
type DialOpener struct {
	// HelloName is the EHLO identity, localhost when empty.
	HelloName string
	// NewSESClient overrides the SES client construction.
	NewSESClient func(ctx context.Context, params *TransportParams) (SESAPI, error)
}

// NewDialOpener returns a DialOpener using the given EHLO identity.
func NewDialOpener(helloName string) *DialOpener {
	return &DialOpener{
		HelloName:    helloName,
		NewSESClient: newSESClient,
	}
}

// Open implements Opener.
func (o *DialOpener) Open(ctx context.Context, params *TransportParams) (Transport, error) {
	switch params.Protocol {
	case ProtocolSMTP:
		helloName := o.HelloName
		if helloName == "" {
			helloName = "localhost"
		}
		return dialSMTP(ctx, params, helloName)

	case ProtocolSES:
		factory := o.NewSESClient
		if factory == nil {
			factory = newSESClient
		}
		client, err := factory(ctx, params)
		if err != nil {
			return nil, connectivityError(ctx, "ses client", err)
		}
		return &sesTransport{client: client}, nil
	}

	return nil, fmt.Errorf("%w: protocol %v", ErrUnsupportedProvider, params.Protocol)
}
