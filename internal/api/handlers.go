package api

import (
	"context"
	"errors"
	"sort"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kkshell/kksh/internal/config"
	"github.com/kkshell/kksh/internal/eventloop"
	"github.com/kkshell/kksh/internal/ssh"
)

type handler struct {
	UnimplementedKKShellServer
	loop   *eventloop.Loop
	client *ssh.Client
	hub    *outputHub
	cfg    *config.Config
}

// Connect bootstraps on the RPC goroutine so the loop keeps serving other
// sessions, then attaches on the loop.
func (h *handler) Connect(ctx context.Context, req *ConnectRequest) (*ConnectResponse, error) {
	ep, creds, err := h.target(req)
	if err != nil {
		return nil, err
	}

	s, err := h.client.Bootstrap(ctx, ep, creds)
	if err != nil {
		return nil, connectStatus(err)
	}
	sink := h.hub.sink(s.ID())
	// Attach is quick and must not be abandoned halfway, so it ignores ctx.
	if err := h.loop.Do(context.Background(), func() { h.client.Attach(s, sink) }); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	return &ConnectResponse{ID: s.ID()}, nil
}

func (h *handler) target(req *ConnectRequest) (ssh.Endpoint, ssh.Credentials, error) {
	var ep ssh.Endpoint
	var creds ssh.Credentials
	var err error
	if req.Session != "" {
		p, ok := h.cfg.FindSession(req.Session)
		if !ok {
			return ep, creds, status.Errorf(codes.NotFound, "no saved session %q", req.Session)
		}
		if ep, creds, err = ssh.ProfileTarget(p); err != nil {
			return ep, creds, status.Error(codes.InvalidArgument, err.Error())
		}
	}

	if req.Port < 0 || req.Port > 65535 {
		return ep, creds, status.Errorf(codes.InvalidArgument, "invalid port %d", req.Port)
	}
	if req.Host != "" {
		ep.Host = req.Host
	}
	if req.Port != 0 {
		ep.Port = uint16(req.Port)
	}
	if req.User != "" {
		creds.User = req.User
	}
	if req.Password != "" {
		creds.Password = req.Password
	}
	if req.KeyPath != "" {
		creds.Key = &ssh.KeyCredential{PrivateKeyPath: req.KeyPath, Passphrase: req.Passphrase}
	}

	if ep.Host == "" || creds.User == "" {
		return ep, creds, status.Error(codes.InvalidArgument, "host and user are required")
	}
	return ep, creds, nil
}

func (h *handler) Send(ctx context.Context, req *SendRequest) (*Empty, error) {
	var err error
	if derr := h.loop.Do(ctx, func() { err = h.client.Send(req.ID, req.Data) }); derr != nil {
		return nil, status.FromContextError(derr).Err()
	}
	if err != nil {
		return nil, sessionStatus(err)
	}
	return &Empty{}, nil
}

func (h *handler) Resize(ctx context.Context, req *ResizeRequest) (*Empty, error) {
	if req.Cols <= 0 || req.Rows <= 0 {
		return nil, status.Errorf(codes.InvalidArgument, "invalid size %dx%d", req.Cols, req.Rows)
	}
	var err error
	if derr := h.loop.Do(ctx, func() { err = h.client.Resize(req.ID, req.Cols, req.Rows) }); derr != nil {
		return nil, status.FromContextError(derr).Err()
	}
	if err != nil {
		return nil, sessionStatus(err)
	}
	return &Empty{}, nil
}

// Disconnect is idempotent: an unknown id succeeds.
func (h *handler) Disconnect(ctx context.Context, req *DisconnectRequest) (*Empty, error) {
	if err := h.loop.Do(ctx, func() { h.client.Disconnect(req.ID) }); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	h.hub.end(req.ID, nil)
	return &Empty{}, nil
}

func (h *handler) ListSessions(ctx context.Context, _ *Empty) (*ListSessionsResponse, error) {
	resp := &ListSessionsResponse{Sessions: []SessionInfo{}}
	err := h.loop.Do(ctx, func() {
		for _, s := range h.client.Sessions() {
			ep := s.Endpoint()
			resp.Sessions = append(resp.Sessions, SessionInfo{
				ID:       s.ID(),
				Host:     ep.Host,
				Port:     int(ep.PortOrDefault()),
				User:     s.User(),
				Forwards: len(s.Forwards()),
			})
		}
	})
	if err != nil {
		return nil, status.FromContextError(err).Err()
	}
	sort.Slice(resp.Sessions, func(i, j int) bool { return resp.Sessions[i].ID < resp.Sessions[j].ID })
	return resp, nil
}

// Output replays recent output, then streams until the session ends.
func (h *handler) Output(req *OutputRequest, stream KKShell_OutputServer) error {
	recent, sub, cancel, ok := h.hub.subscribe(req.ID)
	if !ok {
		return status.Errorf(codes.NotFound, "unknown session %q", req.ID)
	}
	defer cancel()

	if len(recent) > 0 {
		if err := stream.Send(&OutputEvent{Data: recent}); err != nil {
			return err
		}
	}

	ctx := stream.Context()
	for {
		select {
		case p := <-sub.ch:
			if err := stream.Send(&OutputEvent{Data: p}); err != nil {
				return err
			}
		case <-sub.done:
			if err := flush(stream, sub.ch); err != nil {
				return err
			}
			if sub.final != nil {
				return stream.Send(sub.final)
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// flush sends chunks that were queued before the session ended.
func flush(stream KKShell_OutputServer, ch <-chan []byte) error {
	for {
		select {
		case p := <-ch:
			if err := stream.Send(&OutputEvent{Data: p}); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// sessionError is the engine's session error callback.
func (h *handler) sessionError(id string, err error) {
	h.hub.end(id, err)
}

func connectStatus(err error) error {
	switch ssh.KindOf(err) {
	case ssh.AuthFailed:
		return status.Error(codes.Unauthenticated, err.Error())
	case ssh.HostKeyMismatch:
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Unavailable, err.Error())
}

func sessionStatus(err error) error {
	switch {
	case errors.Is(err, ssh.ErrUnknownSession):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ssh.ErrSessionClosed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ssh.ErrInvalidSize):
		return status.Error(codes.InvalidArgument, err.Error())
	}
	return status.Error(codes.Unavailable, err.Error())
}
