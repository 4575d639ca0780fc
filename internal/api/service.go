package api

// Service definitions for api.v1.KKShell, written by hand in the shape
// protoc-gen-go-grpc would produce. The JSON codec (codec.go) lets plain Go
// structs travel as messages.

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const serviceName = "api.v1.KKShell"

// ── Request / Response types ────────────────────────────────────────────────

type Empty struct{}

// ConnectRequest names a saved profile in Session, or gives the target
// inline. Inline fields override the profile's.
type ConnectRequest struct {
	Session    string `json:"session,omitempty"`
	Host       string `json:"host,omitempty"`
	Port       int    `json:"port,omitempty"`
	User       string `json:"user,omitempty"`
	Password   string `json:"password,omitempty"`
	KeyPath    string `json:"key_path,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

type ConnectResponse struct {
	ID string `json:"id"`
}

type SendRequest struct {
	ID   string `json:"id"`
	Data []byte `json:"data"`
}

type ResizeRequest struct {
	ID   string `json:"id"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

type DisconnectRequest struct {
	ID string `json:"id"`
}

type SessionInfo struct {
	ID       string `json:"id"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Forwards int    `json:"forwards"`
}

type ListSessionsResponse struct {
	Sessions []SessionInfo `json:"sessions"`
}

type OutputRequest struct {
	ID string `json:"id"`
}

// OutputEvent carries shell output, or, as the last event of a stream, the
// error that ended the session.
type OutputEvent struct {
	Data  []byte `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// ── Service interface ───────────────────────────────────────────────────────

type KKShellServer interface {
	Connect(ctx context.Context, req *ConnectRequest) (*ConnectResponse, error)
	Send(ctx context.Context, req *SendRequest) (*Empty, error)
	Resize(ctx context.Context, req *ResizeRequest) (*Empty, error)
	Disconnect(ctx context.Context, req *DisconnectRequest) (*Empty, error)
	ListSessions(ctx context.Context, req *Empty) (*ListSessionsResponse, error)
	Output(req *OutputRequest, stream KKShell_OutputServer) error
}

// KKShell_OutputServer is the server side of the Output stream.
type KKShell_OutputServer interface {
	Send(*OutputEvent) error
	grpc.ServerStream
}

type outputServer struct {
	grpc.ServerStream
}

func (s *outputServer) Send(ev *OutputEvent) error { return s.ServerStream.SendMsg(ev) }

// ── Registration ────────────────────────────────────────────────────────────

func RegisterKKShellServer(s *grpc.Server, srv KKShellServer) {
	methods := []grpc.MethodDesc{
		unaryMethod("Connect", func(srv interface{}, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			req := new(ConnectRequest)
			if err := dec(req); err != nil {
				return nil, err
			}
			return srv.(KKShellServer).Connect(ctx, req)
		}),
		unaryMethod("Send", func(srv interface{}, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			req := new(SendRequest)
			if err := dec(req); err != nil {
				return nil, err
			}
			return srv.(KKShellServer).Send(ctx, req)
		}),
		unaryMethod("Resize", func(srv interface{}, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			req := new(ResizeRequest)
			if err := dec(req); err != nil {
				return nil, err
			}
			return srv.(KKShellServer).Resize(ctx, req)
		}),
		unaryMethod("Disconnect", func(srv interface{}, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			req := new(DisconnectRequest)
			if err := dec(req); err != nil {
				return nil, err
			}
			return srv.(KKShellServer).Disconnect(ctx, req)
		}),
		unaryMethod("ListSessions", func(srv interface{}, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			req := new(Empty)
			if err := dec(req); err != nil {
				return nil, err
			}
			return srv.(KKShellServer).ListSessions(ctx, req)
		}),
	}

	streams := []grpc.StreamDesc{
		{
			StreamName:    "Output",
			ServerStreams: true,
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				req := new(OutputRequest)
				if err := stream.RecvMsg(req); err != nil {
					return err
				}
				return srv.(KKShellServer).Output(req, &outputServer{stream})
			},
		},
	}

	sd := grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*KKShellServer)(nil),
		Methods:     methods,
		Streams:     streams,
	}
	s.RegisterService(&sd, srv)
}

// unaryMethod builds a grpc.MethodDesc with interceptor support.
func unaryMethod(name string, fn func(srv interface{}, ctx context.Context, dec func(interface{}) error) (interface{}, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			if interceptor == nil {
				return fn(srv, ctx, dec)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + name}
			return interceptor(ctx, nil, info, func(ctx context.Context, _ interface{}) (interface{}, error) {
				return fn(srv, ctx, dec)
			})
		},
	}
}

// ── Unimplemented base ──────────────────────────────────────────────────────

type UnimplementedKKShellServer struct{}

func (UnimplementedKKShellServer) Connect(context.Context, *ConnectRequest) (*ConnectResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "not implemented")
}
func (UnimplementedKKShellServer) Send(context.Context, *SendRequest) (*Empty, error) {
	return nil, status.Errorf(codes.Unimplemented, "not implemented")
}
func (UnimplementedKKShellServer) Resize(context.Context, *ResizeRequest) (*Empty, error) {
	return nil, status.Errorf(codes.Unimplemented, "not implemented")
}
func (UnimplementedKKShellServer) Disconnect(context.Context, *DisconnectRequest) (*Empty, error) {
	return nil, status.Errorf(codes.Unimplemented, "not implemented")
}
func (UnimplementedKKShellServer) ListSessions(context.Context, *Empty) (*ListSessionsResponse, error) {
	return nil, status.Errorf(codes.Unimplemented, "not implemented")
}
func (UnimplementedKKShellServer) Output(*OutputRequest, KKShell_OutputServer) error {
	return status.Errorf(codes.Unimplemented, "not implemented")
}
