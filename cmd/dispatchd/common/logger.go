/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package common

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

// Default logging values.
var (
	DefaultLogTimestamp = true
	DefaultLogLevel     = "info"
)

// NewLogger creates a text logger writing to stderr.
func NewLogger(disableTimestamp bool, logLevel string) (logrus.FieldLogger, error) {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: disableTimestamp,
		FullTimestamp:    !disableTimestamp,
		DisableColors:    !isatty.IsTerminal(os.Stderr.Fd()),
	})

	return logger, nil
}
