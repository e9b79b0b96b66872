package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client talks to a running daemon over its Unix domain socket.
type Client struct {
	conn   *grpc.ClientConn
	Health healthpb.HealthClient
}

// Dial connects to the daemon listening on socketPath. The connection is
// established lazily on the first call.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn, Health: healthpb.NewHealthClient(conn)}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out)
}

// Status returns the daemon status document.
func (c *Client) Status(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "GetStatus", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// View returns the engine view document.
func (c *Client) View(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "GetView", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Open makes conversationID the active conversation.
func (c *Client) Open(ctx context.Context, conversationID string) error {
	return c.invoke(ctx, "Open", wrapperspb.String(conversationID), new(emptypb.Empty))
}

// CloseConversation closes the active conversation.
func (c *Client) CloseConversation(ctx context.Context) error {
	return c.invoke(ctx, "Close", &emptypb.Empty{}, new(emptypb.Empty))
}

// Send queues a message and returns its client ID.
func (c *Client) Send(ctx context.Context, conversationID, content string) (string, error) {
	in, err := structpb.NewStruct(map[string]any{
		"conversation_id": conversationID,
		"content":         content,
	})
	if err != nil {
		return "", err
	}
	out := new(wrapperspb.StringValue)
	if err := c.invoke(ctx, "Send", in, out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

// Retry requeues a failed message.
func (c *Client) Retry(ctx context.Context, clientID string) error {
	return c.invoke(ctx, "Retry", wrapperspb.String(clientID), new(emptypb.Empty))
}

// React sets the user's reaction on a message.
func (c *Client) React(ctx context.Context, messageID, emoji string) error {
	in, err := structpb.NewStruct(map[string]any{
		"message_id": messageID,
		"emoji":      emoji,
	})
	if err != nil {
		return err
	}
	return c.invoke(ctx, "React", in, new(emptypb.Empty))
}

// Focus reports whether the user is looking at the chat view.
func (c *Client) Focus(ctx context.Context, focused bool) error {
	return c.invoke(ctx, "Focus", wrapperspb.Bool(focused), new(emptypb.Empty))
}

// Typing reports local typing activity in a conversation.
func (c *Client) Typing(ctx context.Context, conversationID string, typing bool) error {
	in, err := structpb.NewStruct(map[string]any{
		"conversation_id": conversationID,
		"typing":          typing,
	})
	if err != nil {
		return err
	}
	return c.invoke(ctx, "Typing", in, new(emptypb.Empty))
}

// LoadOlder loads the previous page of the active conversation.
func (c *Client) LoadOlder(ctx context.Context) (int, error) {
	out := new(wrapperspb.Int32Value)
	if err := c.invoke(ctx, "LoadOlder", &emptypb.Empty{}, out); err != nil {
		return 0, err
	}
	return int(out.GetValue()), nil
}

// Reconcile forces a conversation refetch and returns the unread aggregate.
func (c *Client) Reconcile(ctx context.Context) (int, error) {
	out := new(wrapperspb.Int32Value)
	if err := c.invoke(ctx, "Reconcile", &emptypb.Empty{}, out); err != nil {
		return 0, err
	}
	return int(out.GetValue()), nil
}

// Watch streams events whose kind starts with prefix. An empty prefix
// streams everything.
func (c *Client) Watch(ctx context.Context, prefix string) (grpc.ServerStreamingClient[structpb.Struct], error) {
	cs, err := c.conn.NewStream(ctx, &ControlServiceDesc.Streams[0], watchMethod)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[wrapperspb.StringValue, structpb.Struct]{ClientStream: cs}
	if err := x.ClientStream.SendMsg(wrapperspb.String(prefix)); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}
