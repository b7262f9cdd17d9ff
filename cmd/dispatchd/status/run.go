/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package status

import (
	"context"
	"io"
	"log"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/catchmeifyoucaan/surprise-sender-sub001/server"
)

// Run starts the user interface which fetches the status and displays it.
func Run(cmd *cobra.Command, args []string) error {
	status, err := fetch()
	if err != nil || status == nil {
		return err
	}

	if ok, _ := cmd.Flags().GetBool("json"); ok {
		return outputJSON(os.Stdout, status)
	}
	return outputPretty(os.Stdout, status)
}

// fetch reads the status through the spinner model.
func fetch() (*server.Status, error) {
	var opts []tea.ProgramOption

	if !isatty.IsTerminal(os.Stdout.Fd()) {
		// If not a terminal, disable user interface.
		opts = []tea.ProgramOption{tea.WithoutRenderer(), tea.WithInput(nil)}
	} else {
		// If user interface, discard all log output.
		log.SetOutput(io.Discard)
	}

	ctx, ctxCancel := context.WithCancel(context.Background())
	defer ctxCancel()

	model := initialModel(ctx)

	p := tea.NewProgram(model, opts...)
	if err := p.Start(); err != nil {
		return nil, err
	}
	if model.err != nil {
		log.Println(model.err.Error())
		return nil, model.err
	}

	return model.status, nil
}
