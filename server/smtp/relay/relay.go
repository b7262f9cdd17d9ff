/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package relay

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/lithammer/shortuuid/v3"
	cmap "github.com/orcaman/concurrent-map"
	"github.com/sirupsen/logrus"

	"github.com/catchmeifyoucaan/surprise-sender-sub001/utils"
)

// Relay is an SMTP submission server. Authenticated clients submit mail
// which is handed to the Router for dispatch.
type Relay struct {
	ctx    context.Context
	logger logrus.FieldLogger
	router Router

	sessionContext       context.Context
	sessionContextCancel context.CancelFunc
	inShutdown           utils.AtomicBool

	s        *smtp.Server
	sessions cmap.ConcurrentMap
}

var _ smtp.Backend = (*Relay)(nil) // Verify that *Relay implements smtp.Backend.

func New(config *Config) (*Relay, error) {
	if config.Router == nil {
		return nil, errors.New("relay: router is required")
	}

	logger := config.Logger.WithFields(logrus.Fields{
		"scope": "relay",
	})

	ctx := config.Context
	if ctx == nil {
		ctx = context.Background()
	}
	sessionContext, sessionContextCancel := context.WithCancel(ctx)

	r := &Relay{
		ctx:    ctx,
		logger: logger,
		router: config.Router,

		sessionContext:       sessionContext,
		sessionContextCancel: sessionContextCancel,

		sessions: cmap.New(),
	}

	r.s = smtp.NewServer(r)
	r.s.Domain = config.Domain
	r.s.TLSConfig = config.TLSConfig
	r.s.AllowInsecureAuth = config.AllowInsecureAuth
	r.s.ReadTimeout = config.ReadTimeout
	r.s.WriteTimeout = config.WriteTimeout
	r.s.MaxMessageBytes = config.MaxMessageBytes
	r.s.MaxRecipients = config.MaxRecipients
	r.s.ErrorLog = logger
	r.s.LMTP = config.LMTP

	return r, nil
}

// Login authenticates with the router and opens a session for the owner the
// credentials belong to.
func (r *Relay) Login(state *smtp.ConnectionState, username, password string) (smtp.Session, error) {
	if r.inShutdown.IsSet() {
		return nil, ErrServiceNotAvailable
	}

	ownerID, err := r.router.Authenticate(r.sessionContext, username, password)
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"username":    username,
			"remote_addr": state.RemoteAddr,
		}).Infoln("relay authentication failed")
		return nil, ErrAuthenticationFailed
	}

	sessionID := shortuuid.New()
	session, err := NewSession(r.sessionContext, sessionID, ownerID, r.router, r.logger, r.onLogout)
	if err != nil {
		r.logger.WithError(err).WithField("session_id", sessionID).Errorln("failed to create SMTP session")
		return nil, ErrLocalErrorInProcessingError
	}
	r.sessions.Set(sessionID, session)

	return session, nil
}

func (r *Relay) AnonymousLogin(state *smtp.ConnectionState) (smtp.Session, error) {
	return nil, smtp.ErrAuthRequired
}

// Serve accepts incoming connections on the Listener l.
func (r *Relay) Serve(l net.Listener) error {
	return r.s.Serve(l)
}

// Sessions returns the number of open sessions.
func (r *Relay) Sessions() int {
	return r.sessions.Count()
}

func (r *Relay) Shutdown(ctx context.Context) error {
	r.inShutdown.SetTrue()
	r.sessionContextCancel()

	func() {
		for {
			if r.sessions.Count() == 0 {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}()
	return r.s.Close()
}

func (r *Relay) onLogout(session *Session) {
	r.sessions.Remove(session.id)
}
