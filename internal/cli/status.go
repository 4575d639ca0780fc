package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kkshell/kksh/internal/api"
	"github.com/kkshell/kksh/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sessions open in a running `kksh serve`",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	client, err := api.Dial(cfg.API.Listen)
	if err != nil {
		fmt.Printf("  API:      %s (not running, start with `kksh serve`)\n", cfg.API.Listen)
		return nil
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sessions, err := client.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	fmt.Printf("  API:      %s\n", cfg.API.Listen)
	fmt.Printf("  Sessions: %d\n", len(sessions))
	if len(sessions) == 0 {
		return nil
	}
	fmt.Println()
	for _, s := range sessions {
		fmt.Printf("  %s\n", s.ID)
		fmt.Printf("    Target:   %s@%s:%d\n", s.User, s.Host, s.Port)
		fmt.Printf("    X11:      %d channel(s)\n", s.Forwards)
	}
	fmt.Println()
	return nil
}
