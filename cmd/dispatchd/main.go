/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package main

import (
	"fmt"
	"os"

	"github.com/catchmeifyoucaan/surprise-sender-sub001/cmd"
	"github.com/catchmeifyoucaan/surprise-sender-sub001/cmd/dispatchd/common"
	"github.com/catchmeifyoucaan/surprise-sender-sub001/cmd/dispatchd/gen"
	"github.com/catchmeifyoucaan/surprise-sender-sub001/cmd/dispatchd/importer"
	"github.com/catchmeifyoucaan/surprise-sender-sub001/cmd/dispatchd/serve"
	"github.com/catchmeifyoucaan/surprise-sender-sub001/cmd/dispatchd/status"
	"github.com/catchmeifyoucaan/surprise-sender-sub001/cmd/dispatchd/validate"
)

func main() {
	cmd.RootCmd.Use = "dispatchd"
	cmd.RootCmd.Short = "Outbound mail dispatch engine"

	cmd.RootCmd.PersistentFlags().StringVarP(&common.DefaultEnvConfigFile, "config", "c", common.DefaultEnvConfigFile, "Full path to config file")

	cmd.RootCmd.AddCommand(serve.CommandServe())
	cmd.RootCmd.AddCommand(status.CommandStatus())
	cmd.RootCmd.AddCommand(validate.CommandValidate())
	cmd.RootCmd.AddCommand(importer.CommandImport())
	cmd.RootCmd.AddCommand(gen.CommandGen())

	if err := cmd.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
