package ssh

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

// conn is an SSH client plus the bastion it was reached through, if any.
type conn struct {
	*ssh.Client
	jump *ssh.Client
}

func (c *conn) Close() error {
	err := c.Client.Close()
	if c.jump != nil {
		if jerr := c.jump.Close(); err == nil {
			err = jerr
		}
	}
	return err
}

// dial connects to t, through its jump host when one is set. Failures are
// returned as CapabilityErrors.
func dial(ctx context.Context, t *Target) (*conn, error) {
	clientConfig, err := t.ClientConfig()
	if err != nil {
		return nil, err
	}

	if t.JumpHost == "" {
		netConn, err := (&net.Dialer{Timeout: t.ConnectTimeout}).DialContext(ctx, "tcp", t.Address())
		if err != nil {
			return nil, classifyConnectError(ctx, err)
		}
		client, err := handshake(ctx, netConn, t.Address(), clientConfig)
		if err != nil {
			return nil, err
		}
		return &conn{Client: client}, nil
	}

	jumpConn, err := (&net.Dialer{Timeout: t.ConnectTimeout}).DialContext(ctx, "tcp", t.JumpAddress())
	if err != nil {
		return nil, classifyConnectError(ctx, err)
	}
	jumpConfig := *clientConfig
	jump, err := handshake(ctx, jumpConn, t.JumpAddress(), &jumpConfig)
	if err != nil {
		return nil, err
	}

	targetConn, err := jump.DialContext(ctx, "tcp", t.Address())
	if err != nil {
		_ = jump.Close()
		return nil, classifyConnectError(ctx, err)
	}
	client, err := handshake(ctx, targetConn, t.Address(), clientConfig)
	if err != nil {
		_ = jump.Close()
		return nil, err
	}

	return &conn{Client: client, jump: jump}, nil
}

// handshake runs the SSH handshake on netConn, bounded by ctx.
func handshake(ctx context.Context, netConn net.Conn, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	} else if cfg.Timeout > 0 {
		_ = netConn.SetDeadline(time.Now().Add(cfg.Timeout))
	}

	c, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		_ = netConn.Close()
		return nil, classifyConnectError(ctx, err)
	}
	_ = netConn.SetDeadline(time.Time{})

	return ssh.NewClient(c, chans, reqs), nil
}

// classifyConnectError maps dial and handshake failures onto capability
// error kinds. Rejected credentials and unknown host keys are permanent.
func classifyConnectError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) || strings.Contains(err.Error(), "knownhosts:") {
		return engine.NewCapabilityError(engine.ErrorKindPermissionDenied, "host key verification failed", err)
	}
	if strings.Contains(err.Error(), "unable to authenticate") {
		return engine.NewCapabilityError(engine.ErrorKindPermissionDenied, "authentication rejected", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return engine.NewCapabilityError(engine.ErrorKindTimeout, "connection timed out", err)
	}

	return engine.NewCapabilityError(engine.ErrorKindUpstreamFailure, "connection failed", err)
}
