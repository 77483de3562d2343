package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// Client calls a control socket.
type Client struct {
	Socket  string
	Port    int
	Timeout time.Duration
	User    string
}

// CallError is a request the server answered with success=false.
type CallError struct {
	Command string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("control %s: %s", e.Command, e.Message)
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	if c.Socket != "" {
		return d.DialContext(ctx, "unix", c.Socket)
	}
	port := c.Port
	if port <= 0 {
		port = DefaultPort
	}
	return d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
}

// Call sends command with param and returns the raw result.
func (c *Client) Call(ctx context.Context, command string, param any) (json.RawMessage, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := Request{Command: command, User: c.User}
	if param != nil {
		raw, err := json.Marshal(param)
		if err != nil {
			return nil, fmt.Errorf("encode param: %w", err)
		}
		req.Param = raw
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial control socket: %w", err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	if _, err := conn.Write(append(b, '\n')); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), 16*maxRequest)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return nil, errors.New("read response: connection closed")
	}
	var resp struct {
		Success bool            `json:"success"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(sc.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !resp.Success {
		var msg string
		if err := json.Unmarshal(resp.Result, &msg); err != nil {
			msg = string(resp.Result)
		}
		return nil, &CallError{Command: command, Message: msg}
	}
	return resp.Result, nil
}
