/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package relay

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"

	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"

	"github.com/catchmeifyoucaan/surprise-sender-sub001/dispatch"
	"github.com/catchmeifyoucaan/surprise-sender-sub001/utils"
)

type Session struct {
	ctx     context.Context
	id      string
	ownerID string

	router   Router
	logger   logrus.FieldLogger
	onLogout SessionCb

	rcptTos []string
	seen    map[string]struct{}

	from string
	opts *smtp.MailOptions
}

type SessionCb func(session *Session)

func NewSession(ctx context.Context, sessionID string, ownerID string, router Router, logger logrus.FieldLogger, onLogout SessionCb) (*Session, error) {
	return &Session{
		ctx:     ctx,
		id:      sessionID,
		ownerID: ownerID,
		router:  router,
		logger: logger.WithFields(logrus.Fields{
			"scope":      "relay-session",
			"session_id": sessionID,
			"owner_id":   ownerID,
		}),
		onLogout: onLogout,

		seen: make(map[string]struct{}),
	}, nil
}

var _ smtp.Session = (*Session)(nil) // Verify that *Session implements smtp.Session.

// Mail records the envelope sender. The sender of outgoing mail is taken
// from the configuration used for each delivery.
func (s *Session) Mail(from string, opts smtp.MailOptions) error {
	s.logger.WithField("from", from).Debugln("mail from")

	s.from = from
	s.opts = &opts

	return nil
}

func (s *Session) Rcpt(rcptTo string) error {
	s.logger.WithField("rcptTo", rcptTo).Debugln("mail rcptTo")
	if _, _, err := utils.SplitEmail(rcptTo); err != nil {
		s.logger.WithError(err).Debugln("invalid rcpt to value")
		return ErrRequestedActioNotTaken
	}

	key := strings.ToLower(rcptTo)
	if _, ok := s.seen[key]; ok {
		return nil
	}
	s.seen[key] = struct{}{}
	s.rcptTos = append(s.rcptTos, rcptTo)

	return nil
}

// Data dispatches one message per recipient. The first failed recipient
// aborts the transaction.
func (s *Session) Data(r io.Reader) error {
	s.logger.Debugln("smtp mail data")

	content, err := parseContent(r)
	if err != nil {
		s.logger.WithError(err).Warnln("failed to parse mail data")
		return ErrMessageMalformed
	}

	for idx, rcptTo := range s.rcptTos {
		if err = s.dispatch(rcptTo, content); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"rcptTo":    rcptTo,
				"delivered": idx,
			}).Errorln("smtp data dispatch failed")
			return smtpError(err)
		}
	}

	s.logger.Debugln("smtp mail data done")
	return nil
}

// LMTPData dispatches concurrently and reports a status per recipient.
func (s *Session) LMTPData(r io.Reader, status smtp.StatusCollector) error {
	data, err := io.ReadAll(r)
	if err != nil {
		s.logger.WithError(err).Errorln("lmtp data failed to read")
		return ErrTransactionFailed
	}

	content, err := parseContent(bytes.NewReader(data))
	if err != nil {
		s.logger.WithError(err).Warnln("lmtp data failed to parse")
		for _, rcptTo := range s.rcptTos {
			status.SetStatus(rcptTo, ErrMessageMalformed)
		}
		return nil
	}

	var wg sync.WaitGroup
	var concurrency = make(chan struct{}, 5)

	wg.Add(len(s.rcptTos))
rcptLoop:
	for _, rcptTo := range s.rcptTos {
		select {
		case <-s.ctx.Done():
			status.SetStatus(rcptTo, ErrServiceNotAvailable)
			wg.Done()
			continue rcptLoop
		case concurrency <- struct{}{}:
		}
		go func(rcptTo string) {
			defer func() {
				<-concurrency
				wg.Done()
			}()

			dispatchErr := s.dispatch(rcptTo, content)
			var result error
			if dispatchErr != nil {
				result = smtpError(dispatchErr)
			}
			s.logger.WithError(dispatchErr).WithField("rcptTo", rcptTo).Debugln("lmtp set status")
			status.SetStatus(rcptTo, result)
		}(rcptTo)
	}
	wg.Wait()
	s.logger.Debugln("lmtp data done")

	return nil
}

func (s *Session) dispatch(rcptTo string, content *content) error {
	result, err := s.router.Dispatch(s.ctx, s.ownerID, &dispatch.Message{
		To:      rcptTo,
		Subject: content.subject,
		Body:    content.body,
		HTML:    content.html,
	})
	if err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"rcptTo":     rcptTo,
		"message_id": result.MessageID,
	}).Debugln("relay message dispatched")
	return nil
}

func (s *Session) Reset() {
	s.logger.Debugln("mail reset")

	s.rcptTos = nil
	s.seen = make(map[string]struct{})

	s.from = ""
	s.opts = nil
}

func (s *Session) Logout() error {
	s.logger.Debugln("mail logout")
	if s.onLogout != nil {
		s.onLogout(s)
	}
	return nil
}
