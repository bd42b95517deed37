package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

// Client describes how to reach one host.
type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	if c.KnownHosts == nil {
		c.KnownHosts = xssh.InsecureIgnoreHostKey() // replaced by strict callback by caller normally
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.KnownHosts,
		Timeout:         c.Timeout,
	}, nil
}

// CommandResult carries the separated streams and exit code of a remote
// command. Stderr and the exit code matter here: task result collection
// selects which stream to read based on how the command exited.
type CommandResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// RunCommand executes a remote command and captures stdout, stderr and the
// exit code. A nonzero exit is not an error; only transport and session
// failures are.
func (c *Client) RunCommand(ctx context.Context, command string) (CommandResult, error) {
	cli, err := Dial(ctx, c)
	if err != nil {
		return CommandResult{}, fmt.Errorf("ssh dial %s: %w", c.Addr, err)
	}
	defer cli.Close()
	return Run(ctx, cli, command)
}

// Run executes a command over an established connection.
func Run(ctx context.Context, cli *xssh.Client, command string) (CommandResult, error) {
	session, err := cli.NewSession()
	if err != nil {
		return CommandResult{}, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(xssh.SIGKILL)
		return CommandResult{}, ctx.Err()
	case err = <-done:
	}

	res := CommandResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		var exitErr *xssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		return res, fmt.Errorf("run command: %w", err)
	}
	return res, nil
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
		cli, err := xssh.Dial("tcp", c.Addr, cfg)
		ch <- res{cli: cli, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.cli, r.err
	}
}
