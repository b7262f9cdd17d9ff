/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package relay

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/sirupsen/logrus"
)

// Config bundles relay configuration settings.
type Config struct {
	Context context.Context
	Logger  logrus.FieldLogger
	Router  Router

	// Domain is announced in the greeting.
	Domain    string
	TLSConfig *tls.Config
	// AllowInsecureAuth permits AUTH without STARTTLS, for loopback use.
	AllowInsecureAuth bool

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int
	MaxRecipients   int

	LMTP bool
}
