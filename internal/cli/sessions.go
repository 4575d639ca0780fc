package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/kkshell/kksh/internal/config"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List saved session profiles",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var (
	addGroup string
	addKey   string
)

var sessionsAddCmd = &cobra.Command{
	Use:   "add name user@host[:port]",
	Short: "Save a session profile",
	Args:  cobra.ExactArgs(2),
	RunE:  runSessionsAdd,
}

var sessionsRemoveCmd = &cobra.Command{
	Use:               "remove name",
	Short:             "Delete a session profile",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: completeProfiles,
	RunE:              runSessionsRemove,
}

func init() {
	sessionsAddCmd.Flags().StringVar(&addGroup, "group", "", "group shown in listings")
	sessionsAddCmd.Flags().StringVarP(&addKey, "identity", "i", "", "private key file (publickey auth)")
	sessionsCmd.AddCommand(sessionsAddCmd, sessionsRemoveCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	printSessions(cfg.Sessions)
	return nil
}

func printSessions(sessions []config.Session) {
	if len(sessions) == 0 {
		fmt.Println("  No sessions saved. Add one with `kksh sessions add`.")
		return
	}

	byGroup := map[string][]config.Session{}
	var groups []string
	for _, s := range sessions {
		if _, ok := byGroup[s.Group]; !ok {
			groups = append(groups, s.Group)
		}
		byGroup[s.Group] = append(byGroup[s.Group], s)
	}
	sort.Strings(groups)

	fmt.Println()
	for _, g := range groups {
		if g != "" {
			fmt.Printf("  [%s]\n", g)
		}
		for _, s := range byGroup[g] {
			fmt.Printf("  %s\n", s.Name)
			fmt.Printf("    Target: %s@%s:%d\n", s.Username, s.Host, s.Port)
			fmt.Printf("    Auth:   %s\n", s.AuthMethod)
			if s.PrivateKeyPath != "" {
				fmt.Printf("    Key:    %s\n", s.PrivateKeyPath)
			}
		}
	}
	fmt.Println()
}

func runSessionsAdd(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	name := args[0]
	if _, exists := cfg.FindSession(name); exists {
		return fmt.Errorf("session %q already exists", name)
	}

	u, host, port, err := parseTarget(args[1])
	if err != nil {
		return err
	}
	if u == "" {
		u = currentUser()
	}
	s := cfg.AddSession(config.Session{
		Name:           name,
		Group:          addGroup,
		Host:           host,
		Port:           int(port),
		Username:       u,
		PrivateKeyPath: addKey,
	})
	if err := config.Save(cfg); err != nil {
		return err
	}
	fmt.Printf("  Saved %s (%s@%s:%d, %s)\n", s.Name, s.Username, s.Host, s.Port, s.AuthMethod)
	return nil
}

func runSessionsRemove(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	target, ok := cfg.FindSession(args[0])
	if !ok {
		return fmt.Errorf("no session %q", args[0])
	}
	id := target.ID
	kept := cfg.Sessions[:0]
	for _, s := range cfg.Sessions {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	cfg.Sessions = kept
	if err := config.Save(cfg); err != nil {
		return err
	}
	fmt.Printf("  Removed %s\n", args[0])
	return nil
}
