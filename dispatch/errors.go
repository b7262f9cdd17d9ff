/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package dispatch

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrMissingFields is returned when required credential fields are absent.
	ErrMissingFields = errors.New("missing required fields")
	// ErrUnsupportedProvider is returned for unknown webmail or api provider
	// names and unknown provider types.
	ErrUnsupportedProvider = errors.New("unsupported provider")
	// ErrConnectivity wraps handshake, authentication and timeout failures.
	ErrConnectivity = errors.New("connectivity failure")
	// ErrDeliveryRejected wraps a rejection by the remote side after a
	// transport was opened successfully.
	ErrDeliveryRejected = errors.New("delivery rejected")
	// ErrMalformedImportLine marks a single bad line of a bulk import.
	ErrMalformedImportLine = errors.New("malformed import line")
	// ErrInvalidField is returned for enum or range violations.
	ErrInvalidField = errors.New("invalid field")
	// ErrQuotaExceeded is returned when the daily quota is used up.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrNoCandidates is returned when a send has nothing to try.
	ErrNoCandidates = errors.New("no candidate configurations")
	// ErrAllCandidatesFailed is returned when every candidate failed.
	ErrAllCandidatesFailed = errors.New("all candidate configurations failed")
	// ErrNotFound is returned by stores for unknown ids.
	ErrNotFound = errors.New("configuration not found")
	// ErrAlreadyExists is returned by stores for duplicate ids.
	ErrAlreadyExists = errors.New("configuration already exists")
)

func invalidField(field string, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidField, field, fmt.Sprintf(format, args...))
}

// unsupportedField reports an unknown provider tag. The error matches both
// ErrInvalidField and ErrUnsupportedProvider.
func unsupportedField(field string, value interface{}) error {
	return fmt.Errorf("%w: %s: %w %q", ErrInvalidField, field, ErrUnsupportedProvider, value)
}

// connectivityError wraps err as ErrConnectivity, turning an expired
// attempt context into a timeout message.
func connectivityError(ctx context.Context, stage string, err error) error {
	if errors.Is(err, ErrConnectivity) || errors.Is(err, ErrDeliveryRejected) {
		return err
	}
	if ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: timed out: %w", ErrConnectivity, stage, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrConnectivity, stage, err)
}

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrMissingFields) ||
		errors.Is(err, ErrUnsupportedProvider) ||
		errors.Is(err, ErrInvalidField)
}
