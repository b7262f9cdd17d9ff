/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lithammer/shortuuid/v3"
	"github.com/sirupsen/logrus"
)

// SendResult is the structured outcome of a dispatch.
type SendResult struct {
	Success    bool              `json:"success"`
	MessageID  string            `json:"messageId,omitempty"`
	UsedConfig *Configuration    `json:"usedConfig,omitempty"`
	Error      string            `json:"error,omitempty"`
	Attempts   []*DeliveryRecord `json:"attempts"`
	// Skipped lists candidates passed over because of their quota.
	Skipped []string `json:"skipped,omitempty"`
}

// DispatcherConfig bundles dispatcher settings.
type DispatcherConfig struct {
	Logger logrus.FieldLogger
	Opener Opener
	// Store tracks quota counters and lastUsed, optional.
	Store ConfigStore
	Log   DeliveryLog

	// Timeout bounds each open and send step.
	Timeout time.Duration

	Now   func() time.Time
	NewID func() string
}

// Dispatcher delivers a message through the first candidate that works.
type Dispatcher struct {
	logger logrus.FieldLogger
	opener Opener
	store  ConfigStore
	log    DeliveryLog

	timeout time.Duration

	now   func() time.Time
	newID func() string
}

// NewDispatcher creates a Dispatcher from c.
func NewDispatcher(c *DispatcherConfig) (*Dispatcher, error) {
	if c.Opener == nil {
		return nil, errors.New("dispatcher: opener is required")
	}
	if c.Log == nil {
		return nil, errors.New("dispatcher: delivery log is required")
	}

	d := &Dispatcher{
		logger: c.Logger.WithField("scope", "dispatcher"),
		opener: c.Opener,
		store:  c.Store,
		log:    c.Log,

		timeout: c.Timeout,

		now:   c.Now,
		newID: c.NewID,
	}
	if d.timeout <= 0 {
		d.timeout = DefaultAttemptTimeout
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.newID == nil {
		d.newID = shortuuid.New
	}

	return d, nil
}

// Send tries candidates in the given order and stops at the first success.
// Every attempt is written to the delivery log before the next candidate is
// tried. A candidate is tried exactly once.
func (d *Dispatcher) Send(ctx context.Context, msg *Message, candidates []*Configuration) (*SendResult, error) {
	if err := msg.Validate(); err != nil {
		return &SendResult{Error: err.Error()}, err
	}
	if len(candidates) == 0 {
		return &SendResult{Error: ErrNoCandidates.Error()}, ErrNoCandidates
	}

	logger := d.logger.WithFields(logrus.Fields{
		"to":         msg.To,
		"candidates": len(candidates),
	})

	result := &SendResult{}
	var lastErr error
	for _, cfg := range candidates {
		if cfg == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		reserved, err := d.reserve(ctx, cfg)
		if err != nil {
			if errors.Is(err, ErrQuotaExceeded) {
				logger.WithField("config_id", cfg.ID).Debugln("candidate skipped, quota exhausted")
				result.Skipped = append(result.Skipped, cfg.ID)
				continue
			}
			logger.WithError(err).WithField("config_id", cfg.ID).Warnln("failed to reserve quota, trying candidate anyway")
		}

		attempt := len(result.Attempts) + 1
		messageID, sendErr := d.attempt(ctx, cfg, msg)

		record := &DeliveryRecord{
			ID:        d.newID(),
			To:        msg.To,
			Subject:   msg.Subject,
			ConfigID:  cfg.ID,
			OwnerID:   cfg.OwnerID,
			Attempt:   attempt,
			CreatedAt: d.now(),
		}
		if sendErr == nil {
			record.Status = DeliveryDelivered
			record.Detail = messageID
		} else {
			record.Status = DeliveryFailed
			record.Detail = sendErr.Error()
		}
		if logErr := d.log.Record(ctx, record); logErr != nil {
			logger.WithError(logErr).WithField("config_id", cfg.ID).Errorln("failed to write delivery record")
		}
		result.Attempts = append(result.Attempts, record)

		if sendErr != nil {
			lastErr = sendErr
			if reserved {
				d.release(ctx, cfg)
			}
			logger.WithError(sendErr).WithFields(logrus.Fields{
				"config_id": cfg.ID,
				"attempt":   attempt,
			}).Infoln("delivery attempt failed, advancing to next candidate")
			continue
		}

		result.Success = true
		result.MessageID = messageID
		result.UsedConfig = d.markUsed(ctx, cfg)
		logger.WithFields(logrus.Fields{
			"config_id":  cfg.ID,
			"attempt":    attempt,
			"message_id": messageID,
		}).Debugln("message delivered")

		return result, nil
	}

	var err error
	switch {
	case len(result.Attempts) == 0 && len(result.Skipped) > 0:
		err = fmt.Errorf("%w: all %d candidates skipped", ErrQuotaExceeded, len(result.Skipped))
	case lastErr != nil:
		err = fmt.Errorf("%w after %d attempts: %w", ErrAllCandidatesFailed, len(result.Attempts), lastErr)
	default:
		err = ErrAllCandidatesFailed
	}
	result.Error = err.Error()

	logger.WithError(err).Warnln("message could not be delivered")
	return result, err
}

// attempt runs one resolve, open, send, close cycle.
func (d *Dispatcher) attempt(ctx context.Context, cfg *Configuration, msg *Message) (string, error) {
	params, err := Resolve(cfg)
	if err != nil {
		return "", err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	transport, err := d.opener.Open(attemptCtx, params)
	if err != nil {
		return "", connectivityError(attemptCtx, "open", err)
	}
	defer transport.Close()

	messageID, err := transport.Send(attemptCtx, NewEnvelope(cfg, msg, d.now()))
	if err != nil {
		return "", connectivityError(attemptCtx, "send", err)
	}

	return messageID, nil
}

// reserve takes a quota slot. It reports whether the slot was persisted and
// needs a release on failure.
func (d *Dispatcher) reserve(ctx context.Context, cfg *Configuration) (bool, error) {
	now := d.now()
	if d.store == nil || cfg.ID == "" {
		if cfg.QuotaExhausted(now) {
			return false, ErrQuotaExceeded
		}
		return false, nil
	}

	_, err := d.store.Update(ctx, cfg.ID, func(c *Configuration) error {
		return reserveQuota(c, now)
	})
	if errors.Is(err, ErrNotFound) {
		if cfg.QuotaExhausted(now) {
			return false, ErrQuotaExceeded
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, nil
}

func (d *Dispatcher) release(ctx context.Context, cfg *Configuration) {
	now := d.now()
	if _, err := d.store.Update(ctx, cfg.ID, func(c *Configuration) error {
		releaseQuota(c, now)
		return nil
	}); err != nil {
		d.logger.WithError(err).WithField("config_id", cfg.ID).Warnln("failed to release quota")
	}
}

// markUsed stamps lastUsed and returns the current state of cfg.
func (d *Dispatcher) markUsed(ctx context.Context, cfg *Configuration) *Configuration {
	now := d.now()
	if d.store == nil || cfg.ID == "" {
		used := *cfg
		used.LastUsed = &now
		return &used
	}

	updated, err := d.store.Update(ctx, cfg.ID, func(c *Configuration) error {
		c.LastUsed = &now
		c.UpdatedAt = now
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			d.logger.WithError(err).WithField("config_id", cfg.ID).Warnln("failed to update last used")
		}
		used := *cfg
		used.LastUsed = &now
		return &used
	}

	return updated
}
