package api

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is a gRPC client for the KKShell API.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the gRPC API server at the given address.
// Returns an error if the server is not reachable within 2 seconds.
func Dial(addr string) (*Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() {
	c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	return c.conn.Invoke(ctx, "/"+serviceName+"/"+method, req, resp)
}

// Connect opens a session and returns its id.
func (c *Client) Connect(ctx context.Context, req *ConnectRequest) (string, error) {
	resp := &ConnectResponse{}
	if err := c.invoke(ctx, "Connect", req, resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Send writes data to the session's shell.
func (c *Client) Send(ctx context.Context, id string, data []byte) error {
	return c.invoke(ctx, "Send", &SendRequest{ID: id, Data: data}, &Empty{})
}

// Resize changes the session's terminal size.
func (c *Client) Resize(ctx context.Context, id string, cols, rows int) error {
	return c.invoke(ctx, "Resize", &ResizeRequest{ID: id, Cols: cols, Rows: rows}, &Empty{})
}

// Disconnect closes the session.
func (c *Client) Disconnect(ctx context.Context, id string) error {
	return c.invoke(ctx, "Disconnect", &DisconnectRequest{ID: id}, &Empty{})
}

// ListSessions calls the ListSessions RPC.
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	resp := &ListSessionsResponse{}
	if err := c.invoke(ctx, "ListSessions", &Empty{}, resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// OutputStream receives a session's output events.
type OutputStream struct {
	stream grpc.ClientStream
}

// Output subscribes to a session's output.
func (c *Client) Output(ctx context.Context, id string) (*OutputStream, error) {
	desc := &grpc.StreamDesc{StreamName: "Output", ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/"+serviceName+"/Output")
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&OutputRequest{ID: id}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &OutputStream{stream: stream}, nil
}

// Recv returns the next event, or io.EOF once the session has ended.
func (s *OutputStream) Recv() (*OutputEvent, error) {
	ev := &OutputEvent{}
	if err := s.stream.RecvMsg(ev); err != nil {
		return nil, err
	}
	return ev, nil
}
