/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	DefaultEnvConfigFile = os.Getenv("DISPATCHD_DEFAULT_ENV_CONFIG")
)

// envName returns the config file key of a flag, state-path becomes
// state_path and slice flags get a trailing s.
func envName(flag *pflag.Flag) string {
	name := strings.ReplaceAll(flag.Name, "-", "_")
	if _, isSlice := flag.Value.(pflag.SliceValue); isSlice {
		name += "s"
	}
	return name
}

// ApplyFlagsFromEnvFile sets all flags of cmd which were not given on the
// command line from the env config file. Multiple files can be given
// separated by colon, later files win. mapping overrides the config key
// for a flag name, nil maps all flags.
func ApplyFlagsFromEnvFile(cmd *cobra.Command, mapping map[string]string) error {
	if DefaultEnvConfigFile == "" {
		return nil
	}

	var files []string
	for _, fn := range strings.Split(DefaultEnvConfigFile, ":") {
		abs, err := filepath.Abs(fn)
		if err != nil {
			return fmt.Errorf("invalid config path: %w", err)
		}
		files = append(files, abs)
	}

	envConfig := make(map[string]string)
	for _, fn := range files {
		values, err := godotenv.Read(fn)
		if err != nil {
			return fmt.Errorf("config read error: %w", err)
		}
		for k, v := range values {
			envConfig[k] = v
		}
	}

	var applyErr error
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if applyErr != nil || flag.Changed || flag.Name == "help" || flag.Name == "config" {
			return
		}

		name := envName(flag)
		if mapping != nil {
			mapped, ok := mapping[flag.Name]
			if !ok {
				return
			}
			if mapped != "" {
				name = mapped
			}
		}

		v, ok := envConfig[name]
		if !ok {
			return
		}
		var err error
		if sliceValue, isSlice := flag.Value.(pflag.SliceValue); isSlice {
			err = sliceValue.Replace(strings.Fields(v))
		} else {
			err = flag.Value.Set(v)
		}
		if err != nil {
			applyErr = fmt.Errorf("failed to apply %v config: %w", name, err)
		}
	})

	return applyErr
}
