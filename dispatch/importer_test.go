/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package dispatch

import (
	"context"
	"strings"
	"testing"
	"time"
)

func newTestImporter(t *testing.T, store ConfigStore) *Importer {
	importer, err := NewImporter(&ImporterConfig{
		Logger: newTestLogger(),
		Store:  store,
		Now:    func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("failed to create importer: %v", err)
	}
	return importer
}

func TestImportSample(t *testing.T) {
	store := newMemStore()
	importer := newTestImporter(t, store)

	report, err := importer.Import(context.Background(), "owner", "a@gmail.com:pw1\nmalformed\nb@unknownhost.xyz:pw2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Total != 3 || report.Success != 2 || report.Failed != 1 {
		t.Fatalf("unexpected report: total=%d success=%d failed=%d", report.Total, report.Success, report.Failed)
	}
	if len(report.Errors) != 1 || !strings.HasPrefix(report.Errors[0], "line 2:") {
		t.Errorf("unexpected errors: %v", report.Errors)
	}
	if !strings.Contains(report.Errors[0], ErrMalformedImportLine.Error()) {
		t.Errorf("expected malformed line error, got %q", report.Errors[0])
	}
	if len(report.Configs) != 2 {
		t.Fatalf("expected 2 configs, got %d", len(report.Configs))
	}

	gmail := report.Configs[0]
	if gmail.Host != "smtp.gmail.com" || gmail.ProviderType != ProviderWebmail || gmail.WebmailProvider != WebmailGmail {
		t.Errorf("unexpected gmail config: host=%s type=%s provider=%s", gmail.Host, gmail.ProviderType, gmail.WebmailProvider)
	}

	unknown := report.Configs[1]
	if unknown.Host != "smtp.unknownhost.com" || unknown.ProviderType != ProviderSMTP {
		t.Errorf("unexpected unknown host config: host=%s type=%s", unknown.Host, unknown.ProviderType)
	}

	for _, cfg := range report.Configs {
		if cfg.Port != 587 || !cfg.IsActive || cfg.IsValid || cfg.Status != StatusInactive || cfg.MaxEmailsPerDay != 1000 {
			t.Errorf("unexpected defaults on %s: %+v", cfg.Username, cfg)
		}
		if cfg.OwnerID != "owner" {
			t.Errorf("owner not set on %s", cfg.Username)
		}
		if cfg.Limits == nil || cfg.Limits.Monthly != DefaultLimits.Monthly || cfg.DailyCap() != cfg.MaxEmailsPerDay {
			t.Errorf("default limits not applied on %s", cfg.Username)
		}
		if _, err := store.Get(context.Background(), cfg.ID); err != nil {
			t.Errorf("config %s not persisted: %v", cfg.ID, err)
		}
	}
}

func TestImportMalformedLines(t *testing.T) {
	importer := newTestImporter(t, newMemStore())

	raw := strings.Join([]string{
		"",
		"   ",
		"a:b:c",
		":pw",
		"user@gmail.com:",
		"nodomain:pw",
		"user@:pw",
		"c@yahoo.com:pw\r",
		"d@icloud.com : pw ",
	}, "\n")

	report, err := importer.Import(context.Background(), "owner", raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Total != 7 || report.Success != 2 || report.Failed != 5 {
		t.Errorf("unexpected report: total=%d success=%d failed=%d errors=%v", report.Total, report.Success, report.Failed, report.Errors)
	}

	icloud := report.Configs[1]
	if icloud.ProviderType != ProviderWebmail || icloud.Host != "smtp.icloud.com" {
		t.Errorf("unexpected icloud config: %s %s", icloud.ProviderType, icloud.Host)
	}
	params, err := Resolve(icloud)
	if err != nil || params.Host != "smtp.icloud.com" || params.Port != 587 {
		t.Errorf("icloud must resolve through the fallback host, got %+v %v", params, err)
	}
}

func TestImportStoreFailureIsPerLine(t *testing.T) {
	store := newMemStore(&Configuration{ID: "cfg-2"})
	importer := newTestImporter(t, store)

	// The fake store hands out cfg-<count+1> ids, so every create collides.
	report, err := importer.Import(context.Background(), "owner", "a@gmail.com:pw\nb@gmail.com:pw")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Total != 2 || report.Failed != 2 || len(report.Errors) != 2 {
		t.Errorf("batch must complete with per line failures, got %+v", report)
	}
}

func TestDecodeUpload(t *testing.T) {
	for _, tc := range []struct {
		name     string
		filename string
		data     string
		expected string
		err      bool
	}{
		{"text", "list.txt", "a@gmail.com:pw\n", "a@gmail.com:pw\n", false},
		{"csv with header", "list.csv", "email,password\na@gmail.com,pw1\nb@zoho.com,\"p,w\"\n", "a@gmail.com:pw1\nb@zoho.com:p,w", false},
		{"csv single column", "list.CSV", "a@gmail.com\n", "a@gmail.com", false},
		{"unsupported", "list.xlsx", "x", "", true},
	} {
		out, err := DecodeUpload(tc.filename, strings.NewReader(tc.data))
		if (err != nil) != tc.err {
			t.Errorf("%s: unexpected error state: %v", tc.name, err)
			continue
		}
		if out != tc.expected {
			t.Errorf("%s: got %q, expected %q", tc.name, out, tc.expected)
		}
	}
}
