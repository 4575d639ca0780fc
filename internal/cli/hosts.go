package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kkshell/kksh/internal/config"
	"github.com/kkshell/kksh/internal/trust"
)

var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "Inspect and edit the known_hosts trust store",
}

var hostsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List trusted host keys",
	Args:  cobra.NoArgs,
	RunE:  runHostsList,
}

var hostsForgetCmd = &cobra.Command{
	Use:   "forget host[:port]",
	Short: "Remove the records for a host so its next key is trusted anew",
	Args:  cobra.ExactArgs(1),
	RunE:  runHostsForget,
}

func init() {
	hostsCmd.AddCommand(hostsListCmd, hostsForgetCmd)
	rootCmd.AddCommand(hostsCmd)
}

func trustStore() (*trust.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return trust.NewStore(cfg.KnownHostsPath()), nil
}

func runHostsList(cmd *cobra.Command, args []string) error {
	store, err := trustStore()
	if err != nil {
		return err
	}
	records, err := store.List()
	if err != nil {
		return err
	}

	fmt.Printf("  Store: %s\n", store.Path())
	if len(records) == 0 {
		fmt.Println("  No trusted hosts.")
		return nil
	}
	fmt.Println()
	for _, r := range records {
		marker := ""
		if r.Revoked {
			marker = " (revoked)"
		}
		fmt.Printf("  %s%s\n", strings.Join(r.Hosts, ","), marker)
		fmt.Printf("    %s %s\n", r.KeyType, r.Fingerprint)
	}
	fmt.Println()
	return nil
}

func runHostsForget(cmd *cobra.Command, args []string) error {
	_, host, port, err := parseTarget(args[0])
	if err != nil {
		return err
	}
	if port == 0 {
		port = 22
	}
	store, err := trustStore()
	if err != nil {
		return err
	}
	n, err := store.Forget(host, int(port))
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Printf("  No records for %s\n", trust.Address(host, int(port)))
		return nil
	}
	fmt.Printf("  Removed %d record(s) for %s\n", n, trust.Address(host, int(port)))
	return nil
}
