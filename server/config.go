/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package server

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/catchmeifyoucaan/surprise-sender-sub001/dispatch"
	"github.com/catchmeifyoucaan/surprise-sender-sub001/store"
	"github.com/catchmeifyoucaan/surprise-sender-sub001/utils"
)

// Config bundles configuration settings.
type Config struct {
	Logger logrus.FieldLogger

	OnReady  func(*Server)
	OnStatus func(*Server)

	Service    *dispatch.Service
	Deliveries store.DeliveryStore
	// Records publishes every written delivery record, optional. The server
	// starts and stops it.
	Records *utils.Broadcaster[*dispatch.DeliveryRecord]

	ListenAddress string

	RelayListenAddress string
	RelayDomain        string
	RelaySecret        string
	RelayInsecureAuth  bool
	// RelayLMTP serves LMTP instead of SMTP, RelayListenAddress is a unix
	// socket path then.
	RelayLMTP          bool
	RelayReadTimeout   time.Duration
	RelayWriteTimeout  time.Duration

	StatePath string

	SweepInterval    time.Duration
	SweepConcurrency int
	SweepRetries     int
	// SweepDisabled turns off the periodic sweep, SIGHUP still triggers one.
	SweepDisabled bool

	StatusInterval time.Duration
}
