/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package dispatch

import (
	"context"
	"testing"
	"time"
)

func TestSweep(t *testing.T) {
	good := smtpConfig("good", "good.example.org")
	bad := smtpConfig("bad", "bad.example.org")
	off := smtpConfig("off", "off.example.org")
	off.IsActive = false

	store := newMemStore(good, bad, off)
	opener := newFakeOpener()
	opener.verifyErr["bad.example.org"] = errTestRefused
	v, _ := newTestValidator(t, opener, store)

	var reports []*SweepReport
	sweeper, err := NewSweeper(&SweeperConfig{
		Logger:      newTestLogger(),
		Store:       store,
		Validator:   v,
		Concurrency: 2,
		Retries:     2,
		OnSweep: func(report *SweepReport) {
			reports = append(reports, report)
		},
	})
	if err != nil {
		t.Fatalf("failed to create sweeper: %v", err)
	}

	report, err := sweeper.Sweep(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Checked != 2 || report.Valid != 1 || report.Invalid != 1 {
		t.Errorf("unexpected report: %+v", report)
	}
	if len(reports) != 1 {
		t.Errorf("expected OnSweep to be called once, got %d", len(reports))
	}

	if !store.mustGet("good").IsValid || store.mustGet("bad").IsValid {
		t.Errorf("health not persisted")
	}
	if store.mustGet("off").LastValidated != nil {
		t.Errorf("inactive configuration must not be swept")
	}
	if opener.openTransports() != 0 {
		t.Errorf("transports left open: %d", opener.openTransports())
	}
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	store := newMemStore()
	v, _ := newTestValidator(t, newFakeOpener(), store)
	sweeper, err := NewSweeper(&SweeperConfig{
		Logger:    newTestLogger(),
		Store:     store,
		Validator: v,
		Interval:  time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create sweeper: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	doneCh := make(chan error)
	go func() {
		doneCh <- sweeper.Run(ctx)
	}()
	cancel()

	select {
	case err = <-doneCh:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("sweeper did not stop")
	}
}
