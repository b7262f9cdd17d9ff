/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/catchmeifyoucaan/surprise-sender-sub001/version"
)

// RootCmd is the root command of all binaries.
var RootCmd = &cobra.Command{
	SilenceUsage: true,
	Version:      fmt.Sprintf("%s (built %s)", version.Version, version.BuildDate),
}
