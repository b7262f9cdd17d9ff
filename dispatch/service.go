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

	"github.com/sirupsen/logrus"
)

// Config bundles the settings of a Service.
type Config struct {
	Logger logrus.FieldLogger

	Store  ConfigStore
	Log    DeliveryLog
	Opener Opener

	AttemptTimeout time.Duration
	RetryDelay     time.Duration

	Now func() time.Time
}

// Service is the engine facade exposing the boundary operations.
type Service struct {
	logger logrus.FieldLogger
	store  ConfigStore

	validator  *Validator
	dispatcher *Dispatcher
	importer   *Importer

	now func() time.Time
}

// NewService wires validator, dispatcher and importer over one store.
func NewService(c *Config) (*Service, error) {
	if c.Store == nil {
		return nil, errors.New("service: store is required")
	}

	now := c.Now
	if now == nil {
		now = time.Now
	}

	validator, err := NewValidator(&ValidatorConfig{
		Logger:     c.Logger,
		Opener:     c.Opener,
		Store:      c.Store,
		Timeout:    c.AttemptTimeout,
		RetryDelay: c.RetryDelay,
		Now:        now,
	})
	if err != nil {
		return nil, err
	}

	dispatcher, err := NewDispatcher(&DispatcherConfig{
		Logger:  c.Logger,
		Opener:  c.Opener,
		Store:   c.Store,
		Log:     c.Log,
		Timeout: c.AttemptTimeout,
		Now:     now,
	})
	if err != nil {
		return nil, err
	}

	importer, err := NewImporter(&ImporterConfig{
		Logger: c.Logger,
		Store:  c.Store,
		Now:    now,
	})
	if err != nil {
		return nil, err
	}

	return &Service{
		logger: c.Logger,
		store:  c.Store,

		validator:  validator,
		dispatcher: dispatcher,
		importer:   importer,

		now: now,
	}, nil
}

// Store returns the configuration store of the service.
func (s *Service) Store() ConfigStore {
	return s.store
}

// Validator returns the validator of the service, for sweeps.
func (s *Service) Validator() *Validator {
	return s.validator
}

// CreateConfig applies defaults, validates and persists cfg.
func (s *Service) CreateConfig(ctx context.Context, cfg *Configuration) (*Configuration, error) {
	now := s.now()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return s.store.Create(ctx, cfg)
}

// ValidateConfig runs a single validation without retry.
func (s *Service) ValidateConfig(ctx context.Context, cfg *Configuration) *ValidationResult {
	return s.validator.Validate(ctx, cfg)
}

// ValidateConfigWithRetry validates with linear backoff between attempts.
func (s *Service) ValidateConfigWithRetry(ctx context.Context, cfg *Configuration, retries int) *ValidationResult {
	return s.validator.ValidateWithRetry(ctx, cfg, retries)
}

// ValidateByID loads a stored configuration and validates it.
func (s *Service) ValidateByID(ctx context.Context, id string, retries int) (*ValidationResult, error) {
	cfg, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if retries <= 1 {
		return s.validator.Validate(ctx, cfg), nil
	}
	return s.validator.ValidateWithRetry(ctx, cfg, retries), nil
}

// SendMessage delivers msg. A single configuration is pinned and used as
// is, several are filtered to active ones and ranked.
func (s *Service) SendMessage(ctx context.Context, msg *Message, configs ...*Configuration) (*SendResult, error) {
	if len(configs) == 1 {
		return s.dispatcher.Send(ctx, msg, configs)
	}
	return s.dispatcher.Send(ctx, msg, s.candidates(configs))
}

// SendForOwner delivers msg with the configuration configID, or with the
// ranked active configurations of ownerID when configID is empty.
func (s *Service) SendForOwner(ctx context.Context, ownerID string, configID string, msg *Message) (*SendResult, error) {
	if configID != "" {
		cfg, err := s.store.Get(ctx, configID)
		if err != nil {
			return nil, err
		}
		if ownerID != "" && cfg.OwnerID != ownerID {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, configID)
		}
		return s.dispatcher.Send(ctx, msg, []*Configuration{cfg})
	}

	configs, err := s.store.List(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return s.dispatcher.Send(ctx, msg, s.candidates(configs))
}

// ImportConfigs runs the bulk import pipeline.
func (s *Service) ImportConfigs(ctx context.Context, ownerID string, raw string) (*ImportReport, error) {
	return s.importer.Import(ctx, ownerID, raw)
}

// RankConfigs returns configs in dispatch order.
func (s *Service) RankConfigs(configs []*Configuration) []*Configuration {
	return Rank(configs)
}

// RankForOwner returns the stored configurations of ownerID in dispatch
// order.
func (s *Service) RankForOwner(ctx context.Context, ownerID string) ([]*Configuration, error) {
	configs, err := s.store.List(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return Rank(configs), nil
}

func (s *Service) candidates(configs []*Configuration) []*Configuration {
	active := make([]*Configuration, 0, len(configs))
	for _, cfg := range configs {
		if cfg != nil && cfg.IsActive {
			active = append(active, cfg)
		}
	}
	return Rank(active)
}
