// Copyright (C) 2025 Logan Ross
//
// This file is part of VPNFleet.
//
// SPDX-License-Identifier: AGPL-3.0-or-later OR LicenseRef-VPNFleet-Commercial

package cmd

import (
	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion scripts",
	Long: `Generate shell completion scripts for fleetctl.

Bash:
  $ source <(fleetctl completion bash)

Zsh:
  $ fleetctl completion zsh > "${fpath[1]}/_fleetctl"

Fish:
  $ fleetctl completion fish > ~/.config/fish/completions/fleetctl.fish

PowerShell:
  PS> fleetctl completion powershell | Out-String | Invoke-Expression
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletionV2(w, true)
		case "zsh":
			return cmd.Root().GenZshCompletion(w)
		case "fish":
			return cmd.Root().GenFishCompletion(w, true)
		default:
			return cmd.Root().GenPowerShellCompletionWithDesc(w)
		}
	},
}
