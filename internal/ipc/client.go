package ipc

import (
	"errors"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"haul/internal/services"
)

// Client provides RPC access to the daemon.
type Client struct {
	conn   net.Conn
	client *rpc.Client
}

// Dial connects to the IPC server at the given socket path.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		_ = c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// invoke calls method and restores error markers from server errors.
func (c *Client) invoke(method string, req, resp any) error {
	err := c.client.Call(ServiceName+"."+method, req, resp)
	if err == nil {
		return nil
	}
	var serverErr rpc.ServerError
	if errors.As(err, &serverErr) {
		return services.Restore(string(serverErr))
	}
	return err
}

// Submit enqueues a transfer.
func (c *Client) Submit(req SubmitRequest) (*SubmitResponse, error) {
	var resp SubmitResponse
	if err := c.invoke("Submit", req, &resp); err != nil {
		return &resp, err
	}
	return &resp, nil
}

// Cancel stops a transfer and discards its partial data.
func (c *Client) Cancel(id string) (*CancelResponse, error) {
	var resp CancelResponse
	if err := c.invoke("Cancel", CancelRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status retrieves the daemon status.
func (c *Client) Status() (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.invoke("Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// List returns items optionally filtered by states.
func (c *Client) List(states []string) (*ListResponse, error) {
	var resp ListResponse
	if err := c.invoke("List", ListRequest{States: states}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Describe returns a single item.
func (c *Client) Describe(id string) (*DescribeResponse, error) {
	var resp DescribeResponse
	if err := c.invoke("Describe", DescribeRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Watch waits for snapshot changes.
func (c *Client) Watch(req WatchRequest) (*WatchResponse, error) {
	var resp WatchResponse
	if err := c.invoke("Watch", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeadLetters lists unacknowledged dead letters.
func (c *Client) DeadLetters() (*DeadLettersResponse, error) {
	var resp DeadLettersResponse
	if err := c.invoke("DeadLetters", DeadLettersRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Acknowledge clears a dead letter after review.
func (c *Client) Acknowledge(id string) (*AcknowledgeResponse, error) {
	var resp AcknowledgeResponse
	if err := c.invoke("Acknowledge", AcknowledgeRequest{ID: id}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
