package cli

import (
	"github.com/spf13/cobra"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion scripts",
	Long: `Generate shell completion scripts for trustflow.

To load completions:

Bash:
  $ source <(trustflow completion bash)
  # Or persist across sessions:
  $ trustflow completion bash > /etc/bash_completion.d/trustflow

Zsh:
  $ source <(trustflow completion zsh)
  # Or persist:
  $ trustflow completion zsh > "${fpath[1]}/_trustflow"

Fish:
  $ trustflow completion fish | source
  # Or persist:
  $ trustflow completion fish > ~/.config/fish/completions/trustflow.fish

PowerShell:
  PS> trustflow completion powershell | Out-String | Invoke-Expression`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletionV2(cmd.OutOrStdout(), true)
		case "zsh":
			return cmd.Root().GenZshCompletion(cmd.OutOrStdout())
		case "fish":
			return cmd.Root().GenFishCompletion(cmd.OutOrStdout(), true)
		case "powershell":
			return cmd.Root().GenPowerShellCompletionWithDesc(cmd.OutOrStdout())
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}
