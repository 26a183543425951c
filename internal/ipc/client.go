package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"kiln/internal/failure"
	"kiln/internal/hashing"
	"kiln/internal/workspace"
)

// Client provides RPC access to the daemon. Every call is bound by its
// context; a call abandoned on cancellation completes on the daemon side and
// its reply is discarded.
type Client struct {
	conn    net.Conn
	client  *rpc.Client
	timeout time.Duration
}

// Dial connects to the IPC server at the given socket path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	rpcClient := rpc.NewClientWithCodec(jsonrpc.NewClientCodec(conn))
	return &Client{conn: conn, client: rpcClient}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// SetCallTimeout bounds every subsequent call. Zero leaves calls bound only
// by their context.
func (c *Client) SetCallTimeout(d time.Duration) {
	c.timeout = d
}

func (c *Client) call(ctx context.Context, method string, args, reply any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	call := c.client.Go(ServiceName+"."+method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
		if call.Error != nil {
			return failure.Wrap(failure.ErrDaemon, "ipc", method, "", call.Error)
		}
		return nil
	case <-ctx.Done():
		return failure.Wrap(failure.ErrDaemon, "ipc", method, "call abandoned", ctx.Err())
	}
}

// Status retrieves the daemon status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call(ctx, "Status", StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PackageGraph returns the daemon's current package graph.
func (c *Client) PackageGraph(ctx context.Context) (workspace.Snapshot, error) {
	var resp PackageGraphResponse
	if err := c.call(ctx, "GetPackageGraph", PackageGraphRequest{}, &resp); err != nil {
		return workspace.Snapshot{}, err
	}
	return resp.Graph, nil
}

// DiscoverPackages forces a rescan and returns the new package graph.
func (c *Client) DiscoverPackages(ctx context.Context) (workspace.Snapshot, error) {
	var resp PackageGraphResponse
	if err := c.call(ctx, "DiscoverPackages", PackageGraphRequest{}, &resp); err != nil {
		return workspace.Snapshot{}, err
	}
	return resp.Graph, nil
}

// NotifyFileChanged reports changed paths to the daemon.
func (c *Client) NotifyFileChanged(ctx context.Context, paths []string) (*FileChangesResponse, error) {
	var resp FileChangesResponse
	if err := c.call(ctx, "NotifyFileChanged", FileChangesRequest{Paths: paths}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FileHashes returns digests for existing paths and the list of missing ones.
func (c *Client) FileHashes(ctx context.Context, paths []string) (*FileHashesResponse, error) {
	var resp FileHashesResponse
	if err := c.call(ctx, "GetFileHashes", FileHashesRequest{Paths: paths}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// HashFiles implements hashing.FileHasher. Any missing path fails the batch
// with hashing.ErrNotFound, matching the local scanner.
func (c *Client) HashFiles(ctx context.Context, rels []string) (map[string]string, error) {
	resp, err := c.FileHashes(ctx, rels)
	if err != nil {
		return nil, err
	}
	if len(resp.Missing) > 0 {
		return nil, fmt.Errorf("%s: %w", resp.Missing[0], hashing.ErrNotFound)
	}
	return resp.Hashes, nil
}

// Hash implements hashing.FileHasher.
func (c *Client) Hash(ctx context.Context, rel string) (string, error) {
	hashes, err := c.HashFiles(ctx, []string{rel})
	if err != nil {
		return "", err
	}
	for _, digest := range hashes {
		return digest, nil
	}
	return "", fmt.Errorf("%s: %w", rel, hashing.ErrNotFound)
}

// Shutdown asks the daemon to exit. A connection dropped while the daemon
// is going away counts as success.
func (c *Client) Shutdown(ctx context.Context) error {
	var resp ShutdownResponse
	err := c.call(ctx, "Shutdown", ShutdownRequest{}, &resp)
	if err == nil || errors.Is(err, rpc.ErrShutdown) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return nil
	}
	return err
}

var _ hashing.FileHasher = (*Client)(nil)
