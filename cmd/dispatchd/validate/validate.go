/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package validate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/muesli/termenv"
	"github.com/spf13/cobra"

	"github.com/catchmeifyoucaan/surprise-sender-sub001/cmd/dispatchd/common"
	"github.com/catchmeifyoucaan/surprise-sender-sub001/dispatch"
)

// Default param values used by this command.
var (
	DefaultRetries = dispatch.DefaultRetries
	DefaultOwner   = ""
)

var errValidationFailed = errors.New("validation failed")

func CommandValidate() *cobra.Command {
	validateCmd := &cobra.Command{
		Use:   "validate [id...]",
		Short: "Validate stored configurations",
		Long:  "Validate stored configurations by id, or all configurations of an owner. Operates on the state directory directly, stop a running serve first.",
		Run: func(cmd *cobra.Command, args []string) {
			if err := validate(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				if errors.Is(err, errValidationFailed) {
					os.Exit(2)
				}
				os.Exit(1)
			}
		},
	}

	validateCmd.Flags().String("log-level", "warn", "Log level (one of panic, fatal, error, warn, info or debug)")
	validateCmd.Flags().IntVar(&DefaultRetries, "retries", DefaultRetries, "Validation attempts per configuration")
	validateCmd.Flags().StringVar(&DefaultOwner, "owner", DefaultOwner, "Validate all configurations of this owner id")
	validateCmd.Flags().Bool("all", false, "Validate all configurations")
	validateCmd.Flags().Bool("json", false, "Output results as JSON")
	common.AddEngineFlags(validateCmd.Flags())

	return validateCmd
}

func validate(cmd *cobra.Command, args []string) error {
	if err := common.ApplyFlagsFromEnvFile(cmd, nil); err != nil {
		return err
	}

	all, _ := cmd.Flags().GetBool("all")
	if len(args) == 0 && DefaultOwner == "" && !all {
		return errors.New("no configuration selected, give ids, --owner or --all")
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

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ids := args
	if len(ids) == 0 {
		configs, listErr := engine.Configs.List(ctx, DefaultOwner)
		if listErr != nil {
			return listErr
		}
		for _, cfg := range configs {
			ids = append(ids, cfg.ID)
		}
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	failed := 0
	for _, id := range ids {
		result, validateErr := engine.Service.ValidateByID(ctx, id, DefaultRetries)
		if validateErr != nil {
			return validateErr
		}
		if !result.Success {
			failed++
		}
		if asJSON {
			err = outputJSON(os.Stdout, id, result)
		} else {
			err = outputText(os.Stdout, id, result)
		}
		if err != nil {
			return err
		}
	}

	if failed > 0 {
		return fmt.Errorf("%w for %d of %d configurations", errValidationFailed, failed, len(ids))
	}
	return nil
}

func outputJSON(w io.Writer, id string, result *dispatch.ValidationResult) error {
	return json.NewEncoder(w).Encode(map[string]interface{}{
		"id":       id,
		"success":  result.Success,
		"error":    result.Error,
		"attempts": result.Attempts,
	})
}

func outputText(w io.Writer, id string, result *dispatch.ValidationResult) error {
	p := termenv.ColorProfile()
	if result.Success {
		_, err := fmt.Fprintf(w, "%s %s (%d attempts)\n", termenv.String("ok  ").Foreground(p.Color("112")), id, result.Attempts)
		return err
	}
	_, err := fmt.Fprintf(w, "%s %s (%d attempts): %s\n", termenv.String("fail").Foreground(p.Color("196")), id, result.Attempts, result.Error)
	return err
}
