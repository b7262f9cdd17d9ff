/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package gen

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/cobra/doc"
)

var (
	DefaultManDir = "man/"
)

func CommandMan() *cobra.Command {
	manCmd := &cobra.Command{
		Use:   "man [...args]",
		Short: "Generate man pages for the dispatchd CLI",
		Run: func(cmd *cobra.Command, args []string) {
			if err := man(cmd, args); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		},
	}

	manCmd.Flags().StringVar(&DefaultManDir, "dir", DefaultManDir, "Full path to directory to write the man pages")

	return manCmd
}

func man(cmd *cobra.Command, args []string) error {
	if err := os.MkdirAll(DefaultManDir, 0755); err != nil {
		return fmt.Errorf("failed to create man directory: %w", err)
	}

	header := &doc.GenManHeader{
		Title:   "Mail Dispatch Engine",
		Section: "1",
	}

	root := cmd.Root()
	root.DisableAutoGenTag = true
	root.Use = DefaultRootUse

	return doc.GenManTree(root, header, DefaultManDir)
}
