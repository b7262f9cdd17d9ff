/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package common

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/catchmeifyoucaan/surprise-sender-sub001/dispatch"
	"github.com/catchmeifyoucaan/surprise-sender-sub001/internal/secret"
	"github.com/catchmeifyoucaan/surprise-sender-sub001/store"
)

// Default engine values shared by all commands which open the state.
var (
	DefaultStatePath         = os.Getenv("DISPATCHD_DEFAULT_STATE_PATH")
	DefaultConfigsFile       = "configurations.yaml"
	DefaultDeliveriesFile    = "deliveries.jsonl"
	DefaultSealingKeyFile    = "sealing.key"
	DefaultWithoutSealing    = false
	DefaultHelloName         = ""
	DefaultAttemptTimeout    = dispatch.DefaultAttemptTimeout
	DefaultRetryDelay        = dispatch.DefaultRetryDelay
	DefaultSealingPassphrase = os.Getenv("DISPATCHD_SEALING_PASSPHRASE")
)

func init() {
	if DefaultStatePath == "" {
		DefaultStatePath, _ = os.Getwd()
	}
	if envHelloName := os.Getenv("DISPATCHD_DEFAULT_HELO"); envHelloName != "" {
		DefaultHelloName = envHelloName
	}
}

// AddStateFlags registers the state path flag.
func AddStateFlags(fs *pflag.FlagSet) {
	fs.StringVar(&DefaultStatePath, "state-path", DefaultStatePath, "Full path to writable state directory")
}

// AddEngineFlags registers the flags used by OpenEngine.
func AddEngineFlags(fs *pflag.FlagSet) {
	AddStateFlags(fs)
	fs.StringVar(&DefaultConfigsFile, "configs-file", DefaultConfigsFile, "Configuration store file, relative to state-path")
	fs.StringVar(&DefaultDeliveriesFile, "deliveries-file", DefaultDeliveriesFile, "Delivery log file, relative to state-path")
	fs.StringVar(&DefaultSealingKeyFile, "sealing-key", DefaultSealingKeyFile, "Secret sealing key file, relative to state-path, created when missing")
	fs.BoolVar(&DefaultWithoutSealing, "without-sealing", DefaultWithoutSealing, "Store passwords and api keys in plaintext")
	fs.StringVar(&DefaultHelloName, "helo", DefaultHelloName, "EHLO name used towards providers")
	fs.DurationVar(&DefaultAttemptTimeout, "attempt-timeout", DefaultAttemptTimeout, "Timeout of each connect, verify and send step")
	fs.DurationVar(&DefaultRetryDelay, "retry-delay", DefaultRetryDelay, "Base delay between validation retries")
}

// Engine bundles the stores and the dispatch service of a state directory.
type Engine struct {
	StatePath string

	Configs    *store.FileConfigStore
	Deliveries *store.FileDeliveryLog
	Log        *store.BroadcastLog

	Service *dispatch.Service
}

// OpenEngine opens the state directory with the current flag values.
func OpenEngine(logger logrus.FieldLogger) (*Engine, error) {
	if DefaultStatePath == "" {
		return nil, errors.New("state-path must not be empty")
	}
	statePath, err := filepath.Abs(DefaultStatePath)
	if err != nil {
		return nil, fmt.Errorf("state-path invalid: %w", err)
	}
	if info, statErr := os.Stat(statePath); statErr != nil || !info.IsDir() {
		return nil, fmt.Errorf("state-path error or not a directory: %w", statErr)
	}

	sealer, err := openSealer(statePath)
	if err != nil {
		return nil, err
	}

	configs, err := store.NewFileConfigStore(logger, statePathJoin(statePath, DefaultConfigsFile), sealer)
	if err != nil {
		return nil, err
	}
	deliveries, err := store.NewFileDeliveryLog(statePathJoin(statePath, DefaultDeliveriesFile))
	if err != nil {
		return nil, err
	}
	log := store.NewBroadcastLog(deliveries)

	service, err := dispatch.NewService(&dispatch.Config{
		Logger: logger,
		Store:  configs,
		Log:    log,
		Opener: dispatch.NewDialOpener(DefaultHelloName),

		AttemptTimeout: DefaultAttemptTimeout,
		RetryDelay:     DefaultRetryDelay,
	})
	if err != nil {
		deliveries.Close()
		return nil, err
	}

	return &Engine{
		StatePath: statePath,

		Configs:    configs,
		Deliveries: deliveries,
		Log:        log,

		Service: service,
	}, nil
}

// Close releases the files of the engine.
func (e *Engine) Close() error {
	return e.Deliveries.Close()
}

func openSealer(statePath string) (*secret.Sealer, error) {
	if DefaultWithoutSealing {
		return nil, nil
	}
	if DefaultSealingPassphrase != "" {
		return secret.NewSealerFromPassphrase(DefaultSealingPassphrase)
	}

	key, err := secret.LoadOrCreateKey(statePathJoin(statePath, DefaultSealingKeyFile))
	if err != nil {
		return nil, err
	}
	return secret.NewSealer(key)
}

func statePathJoin(statePath, fn string) string {
	if filepath.IsAbs(fn) {
		return fn
	}
	return filepath.Join(statePath, fn)
}
