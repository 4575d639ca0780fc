package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"

	"github.com/kkshell/kksh/internal/config"
	"github.com/kkshell/kksh/internal/eventloop"
	"github.com/kkshell/kksh/internal/ssh"
)

// Server wraps a gRPC server and the engine it drives. The caller runs the
// event loop.
type Server struct {
	addr   string
	gs     *grpc.Server
	h      *handler
	loop   *eventloop.Loop
	client *ssh.Client
}

// NewServer builds an engine client from cfg on loop and exposes it as
// api.v1.KKShell. tweak, when non-nil, adjusts the engine options last.
func NewServer(addr string, loop *eventloop.Loop, cfg *config.Config, hostKeys ssh.HostKeyVerifier, tweak func(*ssh.Options)) (*Server, error) {
	h := &handler{loop: loop, hub: newOutputHub(), cfg: cfg}

	opts := ssh.OptionsFromConfig(cfg)
	opts.Loop = loop
	opts.HostKeys = hostKeys
	opts.OnSessionError = h.sessionError
	opts.Logger = slog.Default().With("component", "engine")
	if tweak != nil {
		tweak(&opts)
	}
	client, err := ssh.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("creating ssh client: %w", err)
	}
	h.client = client

	gs := grpc.NewServer()
	RegisterKKShellServer(gs, h)
	return &Server{addr: addr, gs: gs, h: h, loop: loop, client: client}, nil
}

// Run starts the gRPC server (blocking).
func (s *Server) Run() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve accepts RPCs on lis (blocking).
func (s *Server) Serve(lis net.Listener) error {
	slog.Info("gRPC server listening", "addr", lis.Addr().String())
	return s.gs.Serve(lis)
}

// Stop disconnects every session, which ends open Output streams, then
// gracefully stops the gRPC server. The loop must still be running.
func (s *Server) Stop() {
	if err := s.loop.Do(context.Background(), s.client.Close); err != nil {
		slog.Warn("closing sessions", "error", err)
	}
	s.h.hub.endAll()
	s.gs.GracefulStop()
}
