/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/catchmeifyoucaan/surprise-sender-sub001/cmd/dispatchd/common"
	"github.com/catchmeifyoucaan/surprise-sender-sub001/dispatch"
)

// Default param values used by this command.
var (
	DefaultOwner = ""
)

func CommandImport() *cobra.Command {
	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import email:password credential lists",
		Long:  "Import a .txt or .csv credential list for an owner, use - to read text from stdin. Operates on the state directory directly, stop a running serve first.",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := importFile(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}

	importCmd.Flags().String("log-level", "warn", "Log level (one of panic, fatal, error, warn, info or debug)")
	importCmd.Flags().StringVar(&DefaultOwner, "owner", DefaultOwner, "Owner id of the imported configurations")
	importCmd.Flags().Bool("json", false, "Output report as JSON")
	common.AddEngineFlags(importCmd.Flags())

	return importCmd
}

func importFile(cmd *cobra.Command, args []string) error {
	if err := common.ApplyFlagsFromEnvFile(cmd, nil); err != nil {
		return err
	}
	if DefaultOwner == "" {
		return errors.New("owner must not be empty")
	}

	raw, err := readUpload(args[0])
	if err != nil {
		return err
	}

	logLevel, _ := cmd.Flags().GetString("log-level")
	logger, err := common.NewLogger(true, logLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	engine, err := common.OpenEngine(logger)
	if err != nil {
		return err
	}
	defer engine.Close()

	report, err := engine.Service.ImportConfigs(context.Background(), DefaultOwner, raw)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	}
	return outputText(os.Stdout, report)
}

func readUpload(fn string) (string, error) {
	var r io.Reader = os.Stdin
	name := ""
	if fn != "-" {
		f, err := os.Open(fn)
		if err != nil {
			return "", fmt.Errorf("failed to open import file: %w", err)
		}
		defer f.Close()
		r = f
		name = filepath.Base(fn)
	}

	return dispatch.DecodeUpload(name, r)
}

func outputText(w io.Writer, report *dispatch.ImportReport) error {
	fmt.Fprintf(w, "imported %d of %d lines, %d failed\n", report.Success, report.Total, report.Failed)
	for _, cfg := range report.Configs {
		fmt.Fprintf(w, "  + %s %s (%s)\n", cfg.ID, cfg.Username, cfg.ProviderType)
	}
	for _, line := range report.Errors {
		fmt.Fprintf(w, "  - %s\n", line)
	}
	return nil
}
