/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/catchmeifyoucaan/surprise-sender-sub001/dispatch"
	"github.com/catchmeifyoucaan/surprise-sender-sub001/internal/secret"
)

var testNow = time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC)

func testConfig(owner string) *dispatch.Configuration {
	cfg := &dispatch.Configuration{
		OwnerID:         owner,
		ProviderType:    dispatch.ProviderWebmail,
		WebmailProvider: dispatch.WebmailGmail,
		Host:            "smtp.gmail.com",
		Port:            587,
		Username:        "user@gmail.com",
		Password:        "app-password",
		IsActive:        true,
		CreatedAt:       testNow,
		UpdatedAt:       testNow,
	}
	_ = cfg.ApplyDefaults()
	return cfg
}

func TestMemoryConfigStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryConfigStore()

	input := testConfig("owner")
	created, err := s.Create(ctx, input)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected generated id")
	}
	if input.ID != "" {
		t.Errorf("input must not be modified")
	}

	// Returned values are copies.
	created.Name = "changed"
	got, err := s.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Name == "changed" {
		t.Errorf("store shares state with caller")
	}

	if _, err = s.Create(ctx, got); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected already exists, got %v", err)
	}

	other := testConfig("other")
	if _, err = s.Create(ctx, other); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	owned, _ := s.List(ctx, "owner")
	all, _ := s.List(ctx, "")
	if len(owned) != 1 || len(all) != 2 {
		t.Errorf("unexpected list sizes %d %d", len(owned), len(all))
	}

	if err = s.Delete(ctx, created.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err = s.Get(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if err = s.Delete(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestMemoryConfigStoreUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryConfigStore()
	created, _ := s.Create(ctx, testConfig("owner"))

	errAbort := errors.New("abort")
	if _, err := s.Update(ctx, created.ID, func(cfg *dispatch.Configuration) error {
		cfg.Name = "half written"
		return errAbort
	}); !errors.Is(err, errAbort) {
		t.Fatalf("expected abort error, got %v", err)
	}
	if got, _ := s.Get(ctx, created.ID); got.Name == "half written" {
		t.Errorf("failed update must not be stored")
	}

	if _, err := s.Update(ctx, "missing", func(cfg *dispatch.Configuration) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if s.Count() != 1 {
		t.Errorf("update of missing id must not insert, count %d", s.Count())
	}

	// Concurrent increments are serialized.
	var wg sync.WaitGroup
	for idx := 0; idx < 50; idx++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Update(ctx, created.ID, func(cfg *dispatch.Configuration) error {
				cfg.CurrentEmailsSent++
				return nil
			})
		}()
	}
	wg.Wait()

	got, _ := s.Get(ctx, created.ID)
	if got.CurrentEmailsSent != 50 {
		t.Errorf("lost updates: counter %d, expected 50", got.CurrentEmailsSent)
	}
}

func TestMemoryConfigStoreLastWriteWins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryConfigStore()
	created, _ := s.Create(ctx, testConfig("owner"))

	for idx := 0; idx < 3; idx++ {
		lastError := fmt.Sprintf("error %d", idx)
		if _, err := s.Update(ctx, created.ID, func(cfg *dispatch.Configuration) error {
			cfg.LastError = &lastError
			return nil
		}); err != nil {
			t.Fatalf("update failed: %v", err)
		}
	}

	got, _ := s.Get(ctx, created.ID)
	if got.LastError == nil || *got.LastError != "error 2" {
		t.Errorf("expected last write to win, got %v", got.LastError)
	}
}

func TestFileConfigStorePersists(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	fn := filepath.Join(t.TempDir(), "configs.yaml")
	sealer, err := secret.NewSealerFromPassphrase("test")
	if err != nil {
		t.Fatalf("failed to create sealer: %v", err)
	}

	s, err := NewFileConfigStore(logger, fn, sealer)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	created, err := s.Create(ctx, testConfig("owner"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err = s.Update(ctx, created.ID, func(cfg *dispatch.Configuration) error {
		cfg.IsValid = true
		cfg.Status = dispatch.StatusActive
		return nil
	}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	data, err := os.ReadFile(fn)
	if err != nil {
		t.Fatalf("failed to read store file: %v", err)
	}
	if strings.Contains(string(data), "app-password") {
		t.Errorf("password written in plaintext")
	}
	if !strings.Contains(string(data), secret.Prefix) {
		t.Errorf("expected sealed password in file")
	}

	reopened, err := NewFileConfigStore(logger, fn, sealer)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	got, err := reopened.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Password != "app-password" || !got.IsValid || got.Status != dispatch.StatusActive {
		t.Errorf("unexpected reloaded configuration: %+v", got)
	}
	if got.WebmailProvider != dispatch.WebmailGmail || !got.CreatedAt.Equal(testNow) {
		t.Errorf("fields did not round trip: %+v", got)
	}

	if _, err = NewFileConfigStore(logger, fn, nil); err == nil {
		t.Errorf("expected error opening sealed file without key")
	}

	if err = reopened.Delete(ctx, created.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	empty, err := NewFileConfigStore(logger, fn, sealer)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	if empty.Count() != 0 {
		t.Errorf("delete was not persisted")
	}
}

func TestFileConfigStoreWriteFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	dir := filepath.Join(t.TempDir(), "state")
	if err := os.Mkdir(dir, 0700); err != nil {
		t.Fatalf("failed to create state dir: %v", err)
	}

	s, err := NewFileConfigStore(logger, filepath.Join(dir, "configs.yaml"), nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	created, err := s.Create(ctx, testConfig("owner"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Writes fail once the state dir is gone.
	if err = os.RemoveAll(dir); err != nil {
		t.Fatalf("failed to remove state dir: %v", err)
	}

	if _, err = s.Create(ctx, testConfig("owner")); err == nil {
		t.Errorf("expected create to fail")
	}
	if s.Count() != 1 {
		t.Errorf("failed create must not be kept, count %d", s.Count())
	}

	if _, err = s.Update(ctx, created.ID, func(cfg *dispatch.Configuration) error {
		cfg.CurrentEmailsSent = 7
		return nil
	}); err == nil {
		t.Errorf("expected update to fail")
	}
	got, err := s.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.CurrentEmailsSent != 0 {
		t.Errorf("failed update must be rolled back, counter %d", got.CurrentEmailsSent)
	}

	if err = s.Delete(ctx, created.ID); err == nil {
		t.Errorf("expected delete to fail")
	}
	if _, err = s.Get(ctx, created.ID); err != nil {
		t.Errorf("failed delete must be rolled back: %v", err)
	}
}

func TestMemoryConfigStoreIgnoresPlaceholder(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryConfigStore()
	s.configs.Set("ghost", nil)

	if s.Count() != 0 {
		t.Errorf("placeholder must not be counted, count %d", s.Count())
	}
	if _, err := s.Get(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if configs, _ := s.List(ctx, ""); len(configs) != 0 {
		t.Errorf("placeholder must not be listed")
	}

	cfg := testConfig("owner")
	cfg.ID = "ghost"
	if _, err := s.Create(ctx, cfg); err != nil {
		t.Fatalf("create over placeholder failed: %v", err)
	}
	if s.Count() != 1 {
		t.Errorf("expected one configuration, count %d", s.Count())
	}
}

func TestFileConfigStoreRejectsInvalid(t *testing.T) {
	logger, _ := test.NewNullLogger()
	fn := filepath.Join(t.TempDir(), "configs.yaml")
	if err := os.WriteFile(fn, []byte("configurations:\n  - id: a\n    provider_type: smtp\n    host: mx\n    status: paused\n"), 0600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	if _, err := NewFileConfigStore(logger, fn, nil); !errors.Is(err, dispatch.ErrInvalidField) {
		t.Errorf("expected invalid field, got %v", err)
	}
}

func TestDeliveryLogs(t *testing.T) {
	ctx := context.Background()
	fileLog, err := NewFileDeliveryLog(filepath.Join(t.TempDir(), "deliveries.jsonl"))
	if err != nil {
		t.Fatalf("failed to open file log: %v", err)
	}
	defer fileLog.Close()

	for name, log := range map[string]DeliveryStore{
		"memory": NewMemoryDeliveryLog(),
		"file":   fileLog,
	} {
		for idx, status := range []dispatch.DeliveryStatus{dispatch.DeliveryFailed, dispatch.DeliveryDelivered} {
			if err = log.Record(ctx, &dispatch.DeliveryRecord{
				ID:        fmt.Sprintf("r%d", idx),
				To:        "rcpt@example.net",
				Status:    status,
				ConfigID:  fmt.Sprintf("c%d", idx),
				CreatedAt: testNow,
			}); err != nil {
				t.Fatalf("%s: record failed: %v", name, err)
			}
		}

		all, err := log.List(ctx, "")
		if err != nil {
			t.Fatalf("%s: list failed: %v", name, err)
		}
		if len(all) != 2 || all[0].ID != "r0" || all[1].Status != dispatch.DeliveryDelivered {
			t.Errorf("%s: unexpected records %+v", name, all)
		}
		filtered, _ := log.List(ctx, "c1")
		if len(filtered) != 1 || filtered[0].ID != "r1" || !filtered[0].CreatedAt.Equal(testNow) {
			t.Errorf("%s: unexpected filtered records %+v", name, filtered)
		}
	}
}

func TestBroadcastLog(t *testing.T) {
	log := NewBroadcastLog(NewMemoryDeliveryLog())
	go log.Broadcaster().Start(nil)
	defer log.Broadcaster().Stop()

	recordCh := log.Broadcaster().Subscribe()
	if err := log.Record(context.Background(), &dispatch.DeliveryRecord{ID: "r1", Status: dispatch.DeliveryDelivered}); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	select {
	case record := <-recordCh:
		if record.ID != "r1" {
			t.Errorf("unexpected record %+v", record)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for broadcast")
	}

	if records, _ := log.List(context.Background(), ""); len(records) != 1 {
		t.Errorf("record not written to wrapped log")
	}
}
