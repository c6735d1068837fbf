package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client talks to a node's control API over one connection
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

type rawResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Dial connects to the control API at addr
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to control API at %s: %w", addr, err)
	}
	return &Client{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call sends one request and decodes its result into result, which may be nil
func (c *Client) Call(ctx context.Context, method string, params map[string]interface{}, result interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(time.Now()) })
	defer stop()

	request := Request{Method: method, ID: uuid.NewString(), Params: params}
	if err := c.enc.Encode(request); err != nil {
		return c.ctxErr(ctx, fmt.Errorf("failed to send request: %w", err))
	}

	var response rawResponse
	if err := c.dec.Decode(&response); err != nil {
		return c.ctxErr(ctx, fmt.Errorf("failed to read response: %w", err))
	}
	if response.ID != request.ID {
		return fmt.Errorf("response id %q does not match request id %q", response.ID, request.ID)
	}
	if response.Error != "" {
		return errors.New(response.Error)
	}
	if result == nil || len(response.Result) == 0 {
		return nil
	}
	return json.Unmarshal(response.Result, result)
}

func (c *Client) ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Info fetches node information
func (c *Client) Info(ctx context.Context) (InfoResult, error) {
	var r InfoResult
	err := c.Call(ctx, MethodInfo, nil, &r)
	return r, err
}

// Peers lists the node's routing table
func (c *Client) Peers(ctx context.Context) ([]Peer, error) {
	var r PeersResult
	err := c.Call(ctx, MethodPeers, nil, &r)
	return r.Peers, err
}

// Put publishes value under key
func (c *Client) Put(ctx context.Context, key, value string) (PutResult, error) {
	var r PutResult
	err := c.Call(ctx, MethodPut, map[string]interface{}{"key": key, "value": value}, &r)
	return r, err
}

// Get looks up key
func (c *Client) Get(ctx context.Context, key string) (GetResult, error) {
	var r GetResult
	err := c.Call(ctx, MethodGet, map[string]interface{}{"key": key}, &r)
	return r, err
}

// Ping asks the node to ping addr
func (c *Client) Ping(ctx context.Context, addr string) (PingResult, error) {
	var r PingResult
	err := c.Call(ctx, MethodPing, map[string]interface{}{"addr": addr}, &r)
	return r, err
}
