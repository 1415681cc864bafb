package connection

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Reply statuses of the line protocol.
const (
	StatusOK       = "OK"
	StatusNotFound = "NOT_FOUND"
	StatusError    = "ERROR"
)

// ServerError is an ERROR reply.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return "server error: " + e.Message }

// Reply is the first line of a server reply.
type Reply struct {
	Status  string
	Message string
}

// KV is one RANGE result line.
type KV struct {
	Key   string
	Value string
}

// Client issues requests to one gojoidx server over pooled connections.
type Client struct {
	pools   *ConnectionPoolManager
	addr    string
	timeout time.Duration
}

// NewClient creates a client for addr. timeout bounds each request when the
// context has no earlier deadline.
func NewClient(addr string, maxConns int, timeout time.Duration, opts ...Option) *Client {
	return &Client{
		pools:   NewConnectionPoolManager(maxConns, timeout, opts...),
		addr:    addr,
		timeout: timeout,
	}
}

// Do sends one request line and returns the first reply line. body, when not
// nil, reads the rest of a multi-line reply.
func (c *Client) Do(ctx context.Context, line string, body func(r *bufio.Reader, reply Reply) error) (Reply, error) {
	if strings.ContainsAny(line, "\r\n") {
		return Reply{}, fmt.Errorf("request must be a single line")
	}
	conn, err := c.pools.Get(c.addr)
	if err != nil {
		return Reply{}, err
	}
	deadline, ok := ctx.Deadline()
	if !ok && c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.ForceClose()
		return Reply{}, err
	}

	reply, err := c.exchange(conn, line, body)
	if err != nil {
		// The stream may hold part of a reply.
		conn.ForceClose()
		return Reply{}, err
	}
	conn.Close()
	return reply, nil
}

func (c *Client) exchange(conn *PooledConn, line string, body func(r *bufio.Reader, reply Reply) error) (Reply, error) {
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return Reply{}, fmt.Errorf("sending request: %w", err)
	}
	raw, err := conn.Reader.ReadString('\n')
	if err != nil {
		return Reply{}, fmt.Errorf("reading reply: %w", err)
	}
	status, message, _ := strings.Cut(strings.TrimRight(raw, "\r\n"), " ")
	reply := Reply{Status: status, Message: message}
	if body != nil && reply.Status == StatusOK {
		if err := body(conn.Reader, reply); err != nil {
			return Reply{}, err
		}
	}
	return reply, nil
}

func (c *Client) simple(ctx context.Context, line string) (Reply, error) {
	reply, err := c.Do(ctx, line, nil)
	if err != nil {
		return reply, err
	}
	if reply.Status == StatusError {
		return reply, &ServerError{Message: reply.Message}
	}
	return reply, nil
}

// Put stores value under key. The value may contain spaces.
func (c *Client) Put(ctx context.Context, key, value string) error {
	_, err := c.simple(ctx, fmt.Sprintf("PUT %s %s", key, value))
	return err
}

// Get returns the value of key and whether it exists.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	reply, err := c.simple(ctx, "GET "+key)
	if err != nil || reply.Status == StatusNotFound {
		return "", false, err
	}
	return reply.Message, true, nil
}

// Delete removes key and reports whether it existed.
func (c *Client) Delete(ctx context.Context, key string) (bool, error) {
	reply, err := c.simple(ctx, "DELETE "+key)
	if err != nil {
		return false, err
	}
	return reply.Status == StatusOK, nil
}

// Range returns keys in [start, end]. Empty bounds are open; limit <= 0 means no limit.
func (c *Client) Range(ctx context.Context, start, end string, limit int) ([]KV, error) {
	if start == "" {
		start = "-"
	}
	if end == "" {
		end = "-"
	}
	var out []KV
	reply, err := c.Do(ctx, fmt.Sprintf("RANGE %s %s %d", start, end, limit), func(r *bufio.Reader, reply Reply) error {
		n, err := strconv.Atoi(reply.Message)
		if err != nil {
			return fmt.Errorf("bad RANGE count %q: %w", reply.Message, err)
		}
		out = make([]KV, 0, n)
		for i := 0; i < n; i++ {
			line, err := r.ReadString('\n')
			if err != nil {
				return fmt.Errorf("reading RANGE item %d: %w", i, err)
			}
			k, v, ok := strings.Cut(strings.TrimRight(line, "\r\n"), "\t")
			if !ok {
				return errors.New("malformed RANGE item")
			}
			out = append(out, KV{Key: k, Value: v})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if reply.Status != StatusOK {
		return nil, &ServerError{Message: reply.Message}
	}
	return out, nil
}

// Size returns the number of keys.
func (c *Client) Size(ctx context.Context) (int, error) {
	reply, err := c.simple(ctx, "SIZE")
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(reply.Message)
}

// Stats returns the server's JSON stats document.
func (c *Client) Stats(ctx context.Context) (string, error) {
	reply, err := c.simple(ctx, "STATS")
	return reply.Message, err
}

// Snapshot asks the server to copy its index file to name inside the
// server's snapshot directory.
func (c *Client) Snapshot(ctx context.Context, name string) (string, error) {
	reply, err := c.simple(ctx, "SNAPSHOT "+name)
	return reply.Message, err
}

// Close closes all pooled connections.
func (c *Client) Close() {
	c.pools.Close()
}
