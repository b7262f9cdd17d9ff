/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package gen

import (
	"os"

	"github.com/spf13/cobra"
)

func CommandAutoComplete() *cobra.Command {
	completionCmd := &cobra.Command{
		Use:   "autocomplete [bash|zsh|fish|powershell]",
		Short: "Generate shell autocompletion script",
		Long: `To load completions:

Bash:

  $ source <(dispatchd gen autocomplete bash)

Zsh:

  $ dispatchd gen autocomplete zsh > "${fpath[1]}/_dispatchd"

fish:

  $ dispatchd gen autocomplete fish | source
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.ExactValidArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := cmd.Root()
			root.Use = DefaultRootUse

			switch args[0] {
			case "bash":
				return root.GenBashCompletion(os.Stdout)
			case "zsh":
				return root.GenZshCompletion(os.Stdout)
			case "fish":
				return root.GenFishCompletion(os.Stdout, true)
			case "powershell":
				return root.GenPowerShellCompletion(os.Stdout)
			}
			return nil
		},
	}

	return completionCmd
}
