package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kkshell/kksh/internal/config"
)

var completionCmd = &cobra.Command{
	Use:   "completion [zsh|bash|fish]",
	Short: "Generate a shell completion script",
	Long: `Generate a completion script for kksh. zsh is the default.

To load completions in your current shell session:

  source <(kksh completion)

To load completions for every new zsh session, write to the completions
directory:

  kksh completion > "${fpath[1]}/_kksh"`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"zsh", "bash", "fish"},
	RunE: func(cmd *cobra.Command, args []string) error {
		shell := "zsh"
		if len(args) == 1 {
			shell = args[0]
		}
		switch shell {
		case "zsh":
			return rootCmd.GenZshCompletion(os.Stdout)
		case "bash":
			return rootCmd.GenBashCompletionV2(os.Stdout, true)
		case "fish":
			return rootCmd.GenFishCompletion(os.Stdout, true)
		}
		return fmt.Errorf("unsupported shell %q", shell)
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
}

// completeProfiles offers saved session names.
func completeProfiles(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	names := make([]string, 0, len(cfg.Sessions))
	for _, s := range cfg.Sessions {
		names = append(names, s.Name+"\t"+s.Username+"@"+s.Host)
	}
	return names, cobra.ShellCompDirectiveNoFileComp
}
