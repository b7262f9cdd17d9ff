/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// Sweeper defaults.
const (
	DefaultSweepInterval    = 15 * time.Minute
	DefaultSweepConcurrency = 4
)

// SweepReport summarizes one sweep.
type SweepReport struct {
	Started  time.Time
	Finished time.Time
	Checked  int
	Valid    int
	Invalid  int
}

// SweeperConfig bundles sweeper settings.
type SweeperConfig struct {
	Logger    logrus.FieldLogger
	Store     ConfigStore
	Validator *Validator

	Interval    time.Duration
	Concurrency int
	Retries     int

	// OnSweep is called after every completed sweep, optional.
	OnSweep func(report *SweepReport)
}

// Sweeper periodically re-validates all active configurations.
type Sweeper struct {
	logger    logrus.FieldLogger
	store     ConfigStore
	validator *Validator

	interval time.Duration
	sem      *semaphore.Weighted
	retries  int

	onSweep func(report *SweepReport)
}

// NewSweeper creates a Sweeper from c.
func NewSweeper(c *SweeperConfig) (*Sweeper, error) {
	if c.Store == nil || c.Validator == nil {
		return nil, errors.New("sweeper: store and validator are required")
	}

	s := &Sweeper{
		logger:    c.Logger.WithField("scope", "sweeper"),
		store:     c.Store,
		validator: c.Validator,

		interval: c.Interval,
		retries:  c.Retries,

		onSweep: c.OnSweep,
	}
	if s.interval <= 0 {
		s.interval = DefaultSweepInterval
	}
	concurrency := c.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultSweepConcurrency
	}
	s.sem = semaphore.NewWeighted(int64(concurrency))
	if s.retries <= 0 {
		s.retries = DefaultRetries
	}

	return s, nil
}

// Run sweeps every interval until ctx is done. Store errors are retried with
// backoff instead of waiting for the next interval.
func (s *Sweeper) Run(ctx context.Context) error {
	bo := &backoff.Backoff{
		Min:    1 * time.Second,
		Max:    s.interval,
		Factor: 2,
		Jitter: true,
	}

	for {
		wait := s.interval
		if _, err := s.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait = bo.Duration()
			s.logger.WithError(err).WithField("retry_in", wait).Errorln("sweep failed")
		} else {
			bo.Reset()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// Sweep validates all active configurations once.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{
		Started: time.Now(),
	}

	configs, err := s.store.List(ctx, "")
	if err != nil {
		return nil, err
	}

	var mutex sync.Mutex
	var wg sync.WaitGroup
	for _, cfg := range configs {
		if !cfg.IsActive {
			continue
		}
		if err = s.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(cfg *Configuration) {
			defer s.sem.Release(1)
			defer wg.Done()

			result := s.validator.ValidateWithRetry(ctx, cfg, s.retries)

			mutex.Lock()
			defer mutex.Unlock()
			report.Checked++
			if result.Success {
				report.Valid++
			} else {
				report.Invalid++
			}
		}(cfg)
	}
	wg.Wait()

	report.Finished = time.Now()
	if err != nil {
		return report, err
	}

	s.logger.WithFields(logrus.Fields{
		"checked":  report.Checked,
		"valid":    report.Valid,
		"invalid":  report.Invalid,
		"duration": report.Finished.Sub(report.Started),
	}).Infoln("configuration sweep completed")

	if s.onSweep != nil {
		s.onSweep(report)
	}

	return report, nil
}
