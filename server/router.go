/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/catchmeifyoucaan/surprise-sender-sub001/dispatch"
	"github.com/catchmeifyoucaan/surprise-sender-sub001/server/smtp/relay"
)

var (
	errRelayDisabled      = errors.New("relay secret not configured")
	errRelayInvalidSecret = errors.New("invalid relay secret")
	errRelayNoOwner       = errors.New("owner id must not be empty")
)

var _ relay.Router = (*Server)(nil) // Verify that *Server implements relay.Router.

// Authenticate accepts any owner id together with the configured relay
// secret.
func (server *Server) Authenticate(ctx context.Context, username, password string) (string, error) {
	if server.config.RelaySecret == "" {
		return "", errRelayDisabled
	}
	if subtle.ConstantTimeCompare([]byte(password), []byte(server.config.RelaySecret)) != 1 {
		return "", errRelayInvalidSecret
	}

	ownerID := strings.TrimSpace(username)
	if ownerID == "" {
		return "", errRelayNoOwner
	}
	return ownerID, nil
}

// Dispatch sends msg with the ranked active configurations of ownerID.
func (server *Server) Dispatch(ctx context.Context, ownerID string, msg *dispatch.Message) (*dispatch.SendResult, error) {
	return server.service.SendForOwner(ctx, ownerID, "", msg)
}
