/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package utils

import (
	"fmt"
	"strings"
)

// SplitEmail splits the provided email address at its last @ into local part
// and domain. Both must be non-empty.
func SplitEmail(email string) (string, string, error) {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return "", "", fmt.Errorf("no @ in value: %v", email)
	}

	local, domain := email[:at], email[at+1:]
	if local == "" || domain == "" {
		return "", "", fmt.Errorf("incomplete address: %v", email)
	}

	return local, domain, nil
}

// GetDomainFromEmail returns the domain part as defined in RFC 5322 of the
// provided email address.
func GetDomainFromEmail(email string) (string, error) {
	at := strings.LastIndex(email, "@")
	if at >= 0 {
		return email[at+1:], nil
	}

	return "", fmt.Errorf("no @ in value: %v", email)
}
