/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Validator defaults.
const (
	DefaultAttemptTimeout = 10 * time.Second
	DefaultRetryDelay     = 1 * time.Second
	DefaultRetries        = 3
)

// ValidationResult is the transient outcome of a validation.
type ValidationResult struct {
	Success  bool           `json:"success"`
	Error    string         `json:"error,omitempty"`
	Attempts int            `json:"attempts"`
	Config   *Configuration `json:"config,omitempty"`

	err error
}

// Err returns the underlying error of a failed validation.
func (r *ValidationResult) Err() error {
	return r.err
}

// ValidatorConfig bundles validator settings.
type ValidatorConfig struct {
	Logger logrus.FieldLogger
	Opener Opener
	// Store receives the health fields, optional.
	Store ConfigStore

	// Timeout bounds each open and verify step.
	Timeout time.Duration
	// RetryDelay is multiplied by the attempt index between retries.
	RetryDelay time.Duration

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Validator confirms that a configuration can open a usable transport.
// It is safe for concurrent use.
type Validator struct {
	logger logrus.FieldLogger
	opener Opener
	store  ConfigStore

	timeout    time.Duration
	retryDelay time.Duration

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewValidator creates a Validator from c.
func NewValidator(c *ValidatorConfig) (*Validator, error) {
	if c.Opener == nil {
		return nil, errors.New("validator: opener is required")
	}

	v := &Validator{
		logger: c.Logger.WithField("scope", "validator"),
		opener: c.Opener,
		store:  c.Store,

		timeout:    c.Timeout,
		retryDelay: c.RetryDelay,

		now:   c.Now,
		sleep: c.Sleep,
	}
	if v.timeout <= 0 {
		v.timeout = DefaultAttemptTimeout
	}
	if v.retryDelay <= 0 {
		v.retryDelay = DefaultRetryDelay
	}
	if v.now == nil {
		v.now = time.Now
	}
	if v.sleep == nil {
		v.sleep = sleepContext
	}

	return v, nil
}

// Validate runs a single validation and persists the outcome.
func (v *Validator) Validate(ctx context.Context, cfg *Configuration) *ValidationResult {
	err := v.check(ctx, cfg)
	return v.finish(ctx, cfg, 1, err)
}

// ValidateWithRetry repeats the validation up to retries times. Between
// attempt i and i+1 it sleeps i times the retry delay. Fatal errors are not
// retried.
func (v *Validator) ValidateWithRetry(ctx context.Context, cfg *Configuration, retries int) *ValidationResult {
	if retries < 1 {
		retries = 1
	}

	logger := v.logger.WithField("config_id", cfg.ID)

	var err error
	attempt := 1
	for ; attempt <= retries; attempt++ {
		err = v.check(ctx, cfg)
		if err == nil || IsFatal(err) {
			break
		}
		if attempt == retries {
			break
		}

		delay := time.Duration(attempt) * v.retryDelay
		logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"retries": retries,
			"delay":   delay,
		}).Debugln("validation attempt failed, retrying")

		if sleepErr := v.sleep(ctx, delay); sleepErr != nil {
			err = fmt.Errorf("%w: validation cancelled: %w", ErrConnectivity, sleepErr)
			break
		}
	}

	return v.finish(ctx, cfg, attempt, err)
}

// check performs one validation attempt.
func (v *Validator) check(ctx context.Context, cfg *Configuration) error {
	if err := checkRequired(cfg); err != nil {
		return err
	}

	params, err := Resolve(cfg)
	if err != nil {
		return err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	transport, err := v.opener.Open(attemptCtx, params)
	if err != nil {
		return connectivityError(attemptCtx, "open", err)
	}
	defer transport.Close()

	if err = transport.Verify(attemptCtx); err != nil {
		return connectivityError(attemptCtx, "verify", err)
	}

	return nil
}

func (v *Validator) finish(ctx context.Context, cfg *Configuration, attempts int, err error) *ValidationResult {
	result := &ValidationResult{
		Success:  err == nil,
		Attempts: attempts,
		err:      err,
	}
	if err != nil {
		result.Error = err.Error()
	}

	logger := v.logger.WithFields(logrus.Fields{
		"config_id": cfg.ID,
		"attempts":  attempts,
	})
	if err != nil {
		logger.WithError(err).Infoln("configuration validation failed")
	} else {
		logger.Debugln("configuration validation succeeded")
	}

	result.Config = v.persist(ctx, cfg, result)
	return result
}

// persist folds the result into the health fields. Success always clears
// the error, failure always sets one.
func (v *Validator) persist(ctx context.Context, cfg *Configuration, result *ValidationResult) *Configuration {
	if v.store == nil || cfg.ID == "" {
		return nil
	}

	now := v.now()
	updated, err := v.store.Update(ctx, cfg.ID, func(c *Configuration) error {
		c.LastValidated = &now
		c.UpdatedAt = now
		c.IsValid = result.Success
		if result.Success {
			c.LastError = nil
			c.Status = StatusActive
		} else {
			lastError := result.Error
			c.LastError = &lastError
			c.Status = StatusError
		}
		return nil
	})
	if err != nil {
		v.logger.WithError(err).WithField("config_id", cfg.ID).Warnln("failed to persist validation result")
		return nil
	}

	return updated
}

// checkRequired rejects configurations without usable credentials.
func checkRequired(cfg *Configuration) error {
	var missing []string

	switch cfg.ProviderType {
	case ProviderSMTP:
		if strings.TrimSpace(cfg.Host) == "" {
			missing = append(missing, "host")
		}
		if cfg.Port == 0 {
			missing = append(missing, "port")
		}
		if cfg.Username == "" {
			missing = append(missing, "username")
		}
		if cfg.Password == "" {
			missing = append(missing, "password")
		}

	case ProviderWebmail:
		if cfg.Username == "" {
			missing = append(missing, "username")
		}
		if cfg.Password == "" {
			missing = append(missing, "password")
		}

	case ProviderAPI:
		r, ok := apiRelays[cfg.APIProvider]
		if ok && r.auth == authKeyAndSecret {
			if cfg.APIKey == "" {
				missing = append(missing, "apiKey")
			}
			if cfg.Password == "" {
				missing = append(missing, "password")
			}
			break
		}
		if cfg.Secret() == "" {
			missing = append(missing, "apiKey")
		}
		if ok && (r.auth == authKeyAsPassword || r.auth == authAccessKey) && cfg.Username == "" {
			missing = append(missing, "username")
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingFields, strings.Join(missing, ", "))
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
