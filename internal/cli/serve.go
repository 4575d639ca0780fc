package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kkshell/kksh/internal/api"
	"github.com/kkshell/kksh/internal/config"
	"github.com/kkshell/kksh/internal/eventloop"
	"github.com/kkshell/kksh/internal/trust"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the engine behind the local gRPC API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "API listen address (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	fmt.Printf("Config: %s\n", config.FilePath())

	addr := cfg.API.Listen
	if serveListen != "" {
		addr = serveListen
	}

	loop := eventloop.New()
	loopCtx, cancelLoop := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		loop.Run(loopCtx)
	}()

	apiSrv, err := api.NewServer(addr, loop, cfg, trust.NewStore(cfg.KnownHostsPath()), nil)
	if err != nil {
		cancelLoop()
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- apiSrv.Run() }()

	fmt.Printf("API listening on %s. Press Ctrl-C to stop.\n", addr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case err = <-serveErr:
		slog.Error("gRPC API error", "error", err)
	}

	fmt.Println("\nShutting down...")
	apiSrv.Stop()
	cancelLoop()
	<-loopDone
	return err
}
