/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestValidator(t *testing.T, opener Opener, store ConfigStore) (*Validator, *[]time.Duration) {
	var delays []time.Duration
	v, err := NewValidator(&ValidatorConfig{
		Logger: newTestLogger(),
		Opener: opener,
		Store:  store,
		Now:    func() time.Time { return testNow },
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}
	return v, &delays
}

func TestValidateUnsupportedWebmailNoNetwork(t *testing.T) {
	opener := newFakeOpener()
	v, _ := newTestValidator(t, opener, nil)

	for _, provider := range []WebmailProvider{"notamail", "gmial", "exchange"} {
		cfg := &Configuration{
			ProviderType:    ProviderWebmail,
			WebmailProvider: provider,
			Username:        "a@example.org",
			Password:        "pw",
		}
		result := v.Validate(context.Background(), cfg)
		if result.Success {
			t.Errorf("%s: expected failure", provider)
		}
		if !errors.Is(result.Err(), ErrUnsupportedProvider) {
			t.Errorf("%s: expected unsupported provider, got %v", provider, result.Err())
		}
	}

	if opener.calls() != 0 {
		t.Errorf("expected no network attempts, got %d", opener.calls())
	}
}

func TestValidateMissingFields(t *testing.T) {
	opener := newFakeOpener()
	v, delays := newTestValidator(t, opener, nil)

	for _, tc := range []struct {
		name string
		cfg  *Configuration
	}{
		{"smtp without host", &Configuration{ProviderType: ProviderSMTP, Port: 587, Username: "u", Password: "p"}},
		{"smtp without password", &Configuration{ProviderType: ProviderSMTP, Host: "h", Port: 587, Username: "u"}},
		{"webmail without username", &Configuration{ProviderType: ProviderWebmail, WebmailProvider: WebmailGmail, Password: "p"}},
		{"api without key", &Configuration{ProviderType: ProviderAPI, APIProvider: APISendgrid}},
		{"mailjet without secret", &Configuration{ProviderType: ProviderAPI, APIProvider: APIMailjet, APIKey: "k"}},
	} {
		result := v.ValidateWithRetry(context.Background(), tc.cfg, 3)
		if !errors.Is(result.Err(), ErrMissingFields) {
			t.Errorf("%s: expected missing fields, got %v", tc.name, result.Err())
		}
		if result.Attempts != 1 {
			t.Errorf("%s: missing fields must not be retried, got %d attempts", tc.name, result.Attempts)
		}
	}

	if opener.calls() != 0 {
		t.Errorf("expected no network attempts, got %d", opener.calls())
	}
	if len(*delays) != 0 {
		t.Errorf("expected no backoff sleeps, got %v", *delays)
	}
}

func TestValidateWithRetryTimeout(t *testing.T) {
	cfg := smtpConfig("c1", "slow.example.org")
	store := newMemStore(cfg)

	var mutex sync.Mutex
	attempts := 0
	opener := OpenerFunc(func(ctx context.Context, params *TransportParams) (Transport, error) {
		mutex.Lock()
		attempts++
		mutex.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	})

	var delays []time.Duration
	v, err := NewValidator(&ValidatorConfig{
		Logger:  newTestLogger(),
		Opener:  opener,
		Store:   store,
		Timeout: 10 * time.Millisecond,
		Now:     func() time.Time { return testNow },
		Sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}

	result := v.ValidateWithRetry(context.Background(), cfg, 3)
	if result.Success {
		t.Fatalf("expected failure")
	}
	if attempts != 3 || result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d (result %d)", attempts, result.Attempts)
	}
	if !errors.Is(result.Err(), ErrConnectivity) {
		t.Errorf("expected connectivity failure, got %v", result.Err())
	}
	if !strings.Contains(result.Error, "timed out") {
		t.Errorf("expected timeout in error text, got %q", result.Error)
	}

	if len(delays) != 2 {
		t.Fatalf("expected 2 backoff sleeps, got %v", delays)
	}
	for idx := 1; idx < len(delays); idx++ {
		if delays[idx] <= delays[idx-1] {
			t.Errorf("delays not strictly increasing: %v", delays)
		}
	}
	if delays[0] != DefaultRetryDelay || delays[1] != 2*DefaultRetryDelay {
		t.Errorf("unexpected linear backoff: %v", delays)
	}

	stored := store.mustGet("c1")
	if stored.IsValid {
		t.Errorf("expected isValid=false")
	}
	if stored.LastError == nil || *stored.LastError != result.Error {
		t.Errorf("expected last error %q, got %v", result.Error, stored.LastError)
	}
	if stored.Status != StatusError {
		t.Errorf("expected status error, got %s", stored.Status)
	}
	if stored.LastValidated == nil || !stored.LastValidated.Equal(testNow) {
		t.Errorf("expected lastValidated to be stamped, got %v", stored.LastValidated)
	}
}

func TestValidateWithRetryRecovers(t *testing.T) {
	cfg := smtpConfig("c1", "flaky.example.org")
	store := newMemStore(cfg)

	calls := 0
	opener := OpenerFunc(func(ctx context.Context, params *TransportParams) (Transport, error) {
		calls++
		if calls < 2 {
			return nil, errTestRefused
		}
		return &fakeTransport{opener: newFakeOpener(), params: params}, nil
	})
	v, delays := newTestValidator(t, opener, store)

	result := v.ValidateWithRetry(context.Background(), cfg, 3)
	if !result.Success {
		t.Fatalf("expected success, got %v", result.Err())
	}
	if result.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", result.Attempts)
	}
	if len(*delays) != 1 {
		t.Errorf("expected 1 sleep, got %v", *delays)
	}
	if stored := store.mustGet("c1"); !stored.IsValid || stored.LastError != nil || stored.Status != StatusActive {
		t.Errorf("unexpected stored health: valid=%v lastError=%v status=%s", stored.IsValid, stored.LastError, stored.Status)
	}
}

func TestValidateIdempotent(t *testing.T) {
	cfg := smtpConfig("c1", "good.example.org")
	store := newMemStore(cfg)
	opener := newFakeOpener()
	v, _ := newTestValidator(t, opener, store)

	first := v.Validate(context.Background(), cfg)
	afterFirst := store.mustGet("c1")
	second := v.Validate(context.Background(), afterFirst)
	afterSecond := store.mustGet("c1")

	if !first.Success || !second.Success {
		t.Fatalf("expected success twice, got %v and %v", first.Err(), second.Err())
	}
	if afterFirst.LastError != nil || afterSecond.LastError != nil {
		t.Errorf("lastError changed: %v, %v", afterFirst.LastError, afterSecond.LastError)
	}
	if !afterSecond.IsValid {
		t.Errorf("expected valid configuration")
	}
	if opener.openTransports() != 0 {
		t.Errorf("transports left open: %d", opener.openTransports())
	}
}

func TestValidateClearsPreviousError(t *testing.T) {
	cfg := smtpConfig("c1", "host.example.org")
	store := newMemStore(cfg)
	opener := newFakeOpener()
	opener.verifyErr["host.example.org"] = errTestRefused
	v, _ := newTestValidator(t, opener, store)

	if result := v.Validate(context.Background(), cfg); result.Success {
		t.Fatalf("expected failure")
	}
	if stored := store.mustGet("c1"); stored.IsValid || stored.LastError == nil {
		t.Fatalf("failure must set lastError and clear isValid")
	}

	opener.mutex.Lock()
	delete(opener.verifyErr, "host.example.org")
	opener.mutex.Unlock()

	if result := v.Validate(context.Background(), cfg); !result.Success {
		t.Fatalf("expected success, got %v", result.Err())
	}
	if stored := store.mustGet("c1"); !stored.IsValid || stored.LastError != nil {
		t.Errorf("success must clear lastError and set isValid")
	}
	if opener.openTransports() != 0 {
		t.Errorf("transports left open: %d", opener.openTransports())
	}
}

func TestValidateConcurrentLastWriteWins(t *testing.T) {
	cfg := smtpConfig("c1", "good.example.org")
	bad := smtpConfig("c1", "bad.example.org")
	store := newMemStore(cfg)
	opener := newFakeOpener()
	opener.verifyErr["bad.example.org"] = errTestRefused
	v, _ := newTestValidator(t, opener, store)

	var wg sync.WaitGroup
	for idx := 0; idx < 20; idx++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if idx%2 == 0 {
				v.Validate(context.Background(), cfg)
			} else {
				v.Validate(context.Background(), bad)
			}
		}(idx)
	}
	wg.Wait()

	stored := store.mustGet("c1")
	if stored.IsValid == (stored.LastError != nil) {
		t.Errorf("inconsistent health: isValid=%v lastError=%v", stored.IsValid, stored.LastError)
	}
	if stored.IsValid && stored.Status != StatusActive {
		t.Errorf("valid configuration with status %s", stored.Status)
	}
	if !stored.IsValid && stored.Status != StatusError {
		t.Errorf("invalid configuration with status %s", stored.Status)
	}
	if store.updates != 20 {
		t.Errorf("expected 20 atomic updates, got %d", store.updates)
	}
}

func TestValidateWithRetryCancelled(t *testing.T) {
	cfg := smtpConfig("c1", "down.example.org")
	opener := newFakeOpener()
	opener.openErr["down.example.org"] = errTestRefused

	v, err := NewValidator(&ValidatorConfig{
		Logger:     newTestLogger(),
		Opener:     opener,
		RetryDelay: time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result := v.ValidateWithRetry(ctx, cfg, 3)
	if result.Success {
		t.Fatalf("expected failure")
	}
	if result.Attempts != 1 {
		t.Errorf("expected cancellation during first backoff, got %d attempts", result.Attempts)
	}
}
