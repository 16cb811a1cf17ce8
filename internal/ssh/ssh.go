package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

type Dialer interface {
	Dial(network, addr string) (net.Conn, error)
}

type NetDialer struct{ Timeout time.Duration }

func (d NetDialer) Dial(network, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	return nd.Dial(network, addr)
}

// Client connects to one cluster node. Host keys are deliberately not
// verified: the tool manages ephemeral, programmatically provisioned nodes
// and must never block on an interactive prompt, so the equivalent of a
// /dev/null known-hosts sink is used.
type Client struct {
	Addr    string
	User    string
	Signer  xssh.Signer
	Timeout time.Duration
	Retries int
	Backoff time.Duration
	Dialer  Dialer
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: xssh.InsecureIgnoreHostKey(),
		Timeout:         c.Timeout,
	}, nil
}

// Exec runs a remote command to completion and returns its exit code with
// captured output. Dial failures are retried with linear backoff; a nonzero
// remote exit is not an error here, the caller decides what it means.
func (c *Client) Exec(ctx context.Context, command string) (int, string, string, error) {
	cli, err := c.dialRetry(ctx)
	if err != nil {
		return -1, "", "", err
	}
	defer cli.Close()

	session, err := cli.NewSession()
	if err != nil {
		return -1, "", "", fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	err = session.Run(command)
	if err == nil {
		return 0, stdout.String(), stderr.String(), nil
	}
	var exitErr *xssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), stdout.String(), stderr.String(), nil
	}
	return -1, stdout.String(), stderr.String(), fmt.Errorf("run command: %w", err)
}

func (c *Client) dialRetry(ctx context.Context) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		cli, err := c.dialOnce(cfg)
		if err == nil {
			return cli, nil
		}
		lastErr = err
		if attempt < retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff * time.Duration(attempt+1)):
			}
		}
	}
	return nil, lastErr
}

func (c *Client) dialOnce(cfg *xssh.ClientConfig) (*xssh.Client, error) {
	if c.Dialer != nil {
		conn, err := c.Dialer.Dial("tcp", c.Addr)
		if err != nil {
			return nil, err
		}
		cc, chans, reqs, err := xssh.NewClientConn(conn, c.Addr, cfg)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return xssh.NewClient(cc, chans, reqs), nil
	}
	return xssh.Dial("tcp", c.Addr, cfg)
}

// Dial establishes an SSH connection using the provided client
// configuration. The caller is responsible for closing the returned client.
func Dial(ctx context.Context, c *Client) (*xssh.Client, error) {
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, err
	}
	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		cli, err := c.dialOnce(cfg)
		ch <- res{cli: cli, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.cli, r.err
	}
}
