// Package client talks to a running daemon over its Unix socket.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/matheus3301/parley/internal/api"
	"github.com/matheus3301/parley/internal/store"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket. The connection is established
// lazily on the first call.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, req, reply any) error {
	return c.conn.Invoke(ctx, api.FullMethod(method), req, reply)
}

// Register saves the local profile.
func (c *Client) Register(ctx context.Context, name, phone string) (store.Profile, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Register", api.NewRequest("name", name, "phone", phone), out); err != nil {
		return store.Profile{}, err
	}
	return api.DecodeProfile(out), nil
}

// Logout clears the local profile.
func (c *Client) Logout(ctx context.Context) error {
	return c.invoke(ctx, "Logout", &emptypb.Empty{}, new(emptypb.Empty))
}

// Open activates the conversation with peer.
func (c *Client) Open(ctx context.Context, peer string) (api.Conversation, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Open", api.NewRequest("peer", peer), out); err != nil {
		return api.Conversation{}, err
	}
	return api.DecodeConversation(out)
}

// CloseConversation releases an earlier Open of peer.
func (c *Client) CloseConversation(ctx context.Context, peer string) error {
	return c.invoke(ctx, "Close", api.NewRequest("peer", peer), new(emptypb.Empty))
}

// Send sends text to peer.
func (c *Client) Send(ctx context.Context, peer, text string) (store.Message, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Send", api.NewRequest("peer", peer, "text", text), out); err != nil {
		return store.Message{}, err
	}
	return api.DecodeMessage(out)
}

// Messages returns the conversation with peer.
func (c *Client) Messages(ctx context.Context, peer string) (api.Conversation, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Messages", api.NewRequest("peer", peer), out); err != nil {
		return api.Conversation{}, err
	}
	return api.DecodeConversation(out)
}

// Status returns the daemon status.
func (c *Client) Status(ctx context.Context) (api.StatusInfo, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Status", &emptypb.Empty{}, out); err != nil {
		return api.StatusInfo{}, err
	}
	return api.DecodeStatus(out), nil
}

// ReportLifecycle reports the app state, "foreground" or "background".
func (c *Client) ReportLifecycle(ctx context.Context, state string) error {
	return c.invoke(ctx, "ReportLifecycle", api.NewRequest("state", state), new(emptypb.Empty))
}

// Watch calls fn for every daemon event until ctx ends or fn returns an
// error. An empty peer watches every conversation.
func (c *Client) Watch(ctx context.Context, peer string, fn func(api.Event) error) error {
	desc := &api.ConversationsServiceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, api.FullMethod(desc.StreamName))
	if err != nil {
		return err
	}
	req := api.NewRequest()
	if peer != "" {
		req = api.NewRequest("peer", peer)
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := fn(api.DecodeEvent(out)); err != nil {
			return err
		}
	}
}
