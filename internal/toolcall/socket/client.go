package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opentalon/orchestra/internal/toolcall"
)

// Client is a toolcall.Invoker backed by one connection to a tool server.
// Calls are serialised; a broken connection is redialled on the next call.
type Client struct {
	network string
	address string
	dialer  net.Dialer

	mu   sync.Mutex
	conn net.Conn
}

func NewClient(network, address string) *Client {
	return &Client{network: network, address: address}
}

func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := c.dialer.DialContext(ctx, c.network, c.address)
	if err != nil {
		return nil, fmt.Errorf("dial tool server at %s://%s: %w", c.network, c.address, err)
	}
	c.conn = conn
	return conn, nil
}

func (c *Client) drop() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// roundTrip sends req and waits for the reply, bounded by ctx. Canceling ctx
// unblocks the read by expiring the connection deadline.
func (c *Client) roundTrip(ctx context.Context, req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var resp Response
	conn, err := c.connect(ctx)
	if err != nil {
		return resp, err
	}
	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := WriteMessage(conn, &req); err != nil {
		c.drop()
		return resp, c.ctxErr(ctx, err)
	}
	if err := ReadMessage(conn, &resp); err != nil {
		c.drop()
		return resp, c.ctxErr(ctx, err)
	}
	return resp, nil
}

// ctxErr prefers the context's error so callers can tell cancellation from
// a broken connection.
func (c *Client) ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	kind := toolcall.KindTransient
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		kind = toolcall.KindTimeout
	}
	return &toolcall.Error{Kind: kind, Tool: c.address, Message: "connection failed", Err: err}
}

func (c *Client) Invoke(ctx context.Context, toolID string, input toolcall.Input, timeout time.Duration) (toolcall.Output, error) {
	req := Request{Method: MethodInvoke, ID: uuid.NewString(), Tool: toolID, Input: input, TimeoutMS: timeout.Milliseconds()}
	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.CallID != req.ID {
		c.mu.Lock()
		c.drop()
		c.mu.Unlock()
		return nil, &toolcall.Error{Kind: toolcall.KindTransient, Tool: toolID,
			Message: fmt.Sprintf("response for call %q, want %q", resp.CallID, req.ID)}
	}
	if resp.Error != "" {
		kind := resp.ErrorKind
		if kind == toolcall.KindNone {
			kind = toolcall.KindPermanent
		}
		return nil, &toolcall.Error{Kind: kind, Tool: toolID, Message: resp.Error}
	}
	return resp.Output, nil
}

// Describe asks the server which tools it serves.
func (c *Client) Describe(ctx context.Context) ([]ToolInfo, error) {
	resp, err := c.roundTrip(ctx, Request{Method: MethodDescribe})
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("describe: %s", resp.Error)
	}
	return resp.Tools, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drop()
	return nil
}
