/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package dispatch

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/catchmeifyoucaan/surprise-sender-sub001/utils"
)

// MaxUploadSize limits the size of an uploaded credential list.
const MaxUploadSize = 4 * 1024 * 1024

// ImportReport is the aggregate outcome of a bulk import.
type ImportReport struct {
	Total   int              `json:"total"`
	Success int              `json:"success"`
	Failed  int              `json:"failed"`
	Errors  []string         `json:"errors"`
	Configs []*Configuration `json:"configs"`
}

// ImporterConfig bundles importer settings.
type ImporterConfig struct {
	Logger logrus.FieldLogger
	Store  ConfigStore

	Now func() time.Time
}

// Importer turns email:password lines into stored configurations.
type Importer struct {
	logger logrus.FieldLogger
	store  ConfigStore

	now func() time.Time
}

// NewImporter creates an Importer from c.
func NewImporter(c *ImporterConfig) (*Importer, error) {
	if c.Store == nil {
		return nil, errors.New("importer: store is required")
	}

	i := &Importer{
		logger: c.Logger.WithField("scope", "importer"),
		store:  c.Store,
		now:    c.Now,
	}
	if i.now == nil {
		i.now = time.Now
	}

	return i, nil
}

// Import parses raw line by line. Bad lines are reported and never abort the
// batch, so the returned error is only set when ctx ends early.
func (i *Importer) Import(ctx context.Context, ownerID string, raw string) (*ImportReport, error) {
	report := &ImportReport{
		Errors:  []string{},
		Configs: []*Configuration{},
	}

	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 4096), MaxUploadSize)

	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		report.Total++
		cfg, err := i.importLine(ctx, ownerID, line)
		if err != nil {
			report.Failed++
			report.Errors = append(report.Errors, fmt.Sprintf("line %d: %v", lineNumber, err))
			continue
		}

		report.Success++
		report.Configs = append(report.Configs, cfg)
	}
	if err := scanner.Err(); err != nil {
		report.Failed++
		report.Errors = append(report.Errors, fmt.Sprintf("line %d: %v", lineNumber+1, err))
	}

	i.logger.WithFields(logrus.Fields{
		"owner_id": ownerID,
		"total":    report.Total,
		"success":  report.Success,
		"failed":   report.Failed,
	}).Infoln("configuration import completed")

	return report, nil
}

func (i *Importer) importLine(ctx context.Context, ownerID string, line string) (*Configuration, error) {
	cfg, err := ParseCredentialLine(line, i.now())
	if err != nil {
		return nil, err
	}
	cfg.OwnerID = ownerID

	if err = cfg.Validate(); err != nil {
		return nil, err
	}

	created, err := i.store.Create(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to store configuration for %s: %w", cfg.Username, err)
	}

	return created, nil
}

// ParseCredentialLine builds an unsaved configuration from one
// email:password line.
func ParseCredentialLine(line string, now time.Time) (*Configuration, error) {
	parts := strings.Split(line, ":")
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: expected email:password, got %d fields", ErrMalformedImportLine, len(parts))
	}
	email := strings.TrimSpace(parts[0])
	password := strings.TrimSpace(parts[1])
	if email == "" || password == "" {
		return nil, fmt.Errorf("%w: email and password must not be empty", ErrMalformedImportLine)
	}

	_, domain, err := utils.SplitEmail(email)
	if err != nil || strings.HasPrefix(domain, ".") {
		return nil, fmt.Errorf("%w: %q is not an email address", ErrMalformedImportLine, email)
	}
	provider := strings.ToLower(strings.SplitN(domain, ".", 2)[0])

	cfg := &Configuration{
		Name:            email,
		Username:        email,
		Password:        password,
		Port:            DefaultPort,
		IsActive:        true,
		IsValid:         false,
		Status:          StatusInactive,
		MaxEmailsPerDay: DefaultMaxEmailsPerDay,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if webmail := WebmailProvider(provider); webmail.Known() {
		cfg.ProviderType = ProviderWebmail
		cfg.WebmailProvider = webmail
		cfg.Host = WebmailHost(webmail)
	} else {
		cfg.ProviderType = ProviderSMTP
		cfg.Host = "smtp." + provider + ".com"
	}

	if err = cfg.ApplyDefaults(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DecodeUpload turns an uploaded text or CSV file into email:password lines.
// CSV rows use the first two columns, a header row naming email is skipped.
func DecodeUpload(filename string, r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxUploadSize+1))
	if err != nil {
		return "", fmt.Errorf("failed to read upload: %w", err)
	}
	if len(data) > MaxUploadSize {
		return "", fmt.Errorf("upload exceeds %d bytes", MaxUploadSize)
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		reader := csv.NewReader(strings.NewReader(string(data)))
		reader.FieldsPerRecord = -1
		reader.TrimLeadingSpace = true

		var lines []string
		for row := 0; ; row++ {
			record, err := reader.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return "", fmt.Errorf("failed to parse csv: %w", err)
			}
			if row == 0 && len(record) > 0 && strings.EqualFold(strings.TrimSpace(record[0]), "email") {
				continue
			}
			switch len(record) {
			case 0:
			case 1:
				// Kept so the line is reported as malformed.
				lines = append(lines, record[0])
			default:
				lines = append(lines, record[0]+":"+record[1])
			}
		}
		return strings.Join(lines, "\n"), nil

	case ".txt", "":
		return string(data), nil
	}

	return "", fmt.Errorf("%w: unsupported upload type %q", ErrInvalidField, filepath.Ext(filename))
}
