package uds

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Failure is a response that carried an error code instead of data.
type Failure struct {
	Code    string
	Message string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("[%s] %s", f.Code, f.Message)
}

type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 30 * time.Second}
}

func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Call sends command with params and returns the raw result. Server-side
// failures are returned as *Failure; anything else is a transport error.
func (c *Client) Call(ctx context.Context, command string, params any) (json.RawMessage, error) {
	req := Request{ProtocolVersion: ProtocolVersion, Command: command}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal params: %w", command, err)
		}
		req.Params = raw
	}

	resp, err := c.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		if resp.Error == nil {
			return nil, &Failure{Code: ErrCodeInternal, Message: command + ": failure without detail"}
		}
		return nil, &Failure{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	return resp.Data, nil
}

// roundTrip runs one exchange on a fresh connection, bounded by the client
// timeout and by ctx, whichever ends first.
func (c *Client) roundTrip(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return Response{}, fmt.Errorf("failed to connect to daemon at %s: %w\n"+
			"Is the daemon running? Start it with: phasegraph daemon", c.socketPath, err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	// cancellation before the deadline still has to unblock the read
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := WriteFrame(conn, req); err != nil {
		return Response{}, fmt.Errorf("send %s: %w", req.Command, err)
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return Response{}, fmt.Errorf("read %s response: %w", req.Command, err)
	}
	return resp, nil
}
