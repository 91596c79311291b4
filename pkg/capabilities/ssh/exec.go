package ssh

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/froyoflow/pkg/capabilities/params"
	"github.com/openfroyo/froyoflow/pkg/engine"
	"github.com/openfroyo/froyoflow/pkg/telemetry"
)

// command is the remote command built from node config.
type command struct {
	Script         string
	Env            map[string]string
	Sudo           bool
	SudoPassword   string
	StdinInput     bool
	IgnoreExitCode bool
}

// commandFromConfig reads command, env, sudo, sudo_password, stdin_input and
// ignore_exit_code.
func commandFromConfig(cfg engine.Config) (*command, error) {
	c := &command{}
	var err error

	if c.Script, err = params.String(cfg, "command", true); err != nil {
		return nil, err
	}
	if c.Env, err = params.StringMap(cfg, "env"); err != nil {
		return nil, err
	}
	for name := range c.Env {
		if !validEnvName(name) {
			return nil, params.Invalid("invalid environment variable name %q", name)
		}
	}
	if c.Sudo, err = params.Bool(cfg, "sudo", false); err != nil {
		return nil, err
	}
	if c.SudoPassword, err = params.String(cfg, "sudo_password", false); err != nil {
		return nil, err
	}
	if c.StdinInput, err = params.Bool(cfg, "stdin_input", false); err != nil {
		return nil, err
	}
	if c.IgnoreExitCode, err = params.Bool(cfg, "ignore_exit_code", false); err != nil {
		return nil, err
	}

	return c, nil
}

// Line renders the shell line sent to the server. Environment variables are
// exported first because most servers refuse "env" requests.
func (c *command) Line() string {
	var b strings.Builder

	names := make([]string, 0, len(c.Env))
	for name := range c.Env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "export %s=%s; ", name, shellQuote(c.Env[name]))
	}

	if c.Sudo {
		// -S reads the password from stdin; -p '' suppresses the prompt.
		b.WriteString("sudo -S -p '' sh -c ")
		b.WriteString(shellQuote(c.Script))
	} else {
		b.WriteString(c.Script)
	}
	return b.String()
}

// Stdin returns what the session writes to the command's stdin.
func (c *command) Stdin(input engine.Output) ([]byte, error) {
	var buf bytes.Buffer
	if c.Sudo && c.SudoPassword != "" {
		buf.WriteString(c.SudoPassword)
		buf.WriteByte('\n')
	}
	if c.StdinInput {
		data, err := json.Marshal(input)
		if err != nil {
			return nil, params.Invalid("input cannot be encoded as JSON: %v", err)
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func validEnvName(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// execute runs one command and returns stdout, stderr and the exit code.
func execute(ctx context.Context, logger zerolog.Logger, t *Target, cmd *command, input engine.Output) (engine.Output, error) {
	stdin, err := cmd.Stdin(input)
	if err != nil {
		return nil, err
	}

	var out engine.Output
	err = telemetry.RecordOperation(ctx, ExecCapabilityID, "exec", func(ctx context.Context) error {
		client, err := dial(ctx, t)
		if err != nil {
			return err
		}
		defer client.Close()

		session, err := client.NewSession()
		if err != nil {
			return engine.NewCapabilityError(engine.ErrorKindUpstreamFailure, "failed to open session", err)
		}
		defer session.Close()

		var stdoutBuf, stderrBuf bytes.Buffer
		session.Stdout = &stdoutBuf
		session.Stderr = &stderrBuf
		if len(stdin) > 0 {
			session.Stdin = bytes.NewReader(stdin)
		}

		start := time.Now()
		done := make(chan error, 1)
		go func() {
			done <- session.Run(cmd.Line())
		}()

		var runErr error
		select {
		case <-ctx.Done():
			// Ask the command to stop, then drop the connection.
			_ = session.Signal(ssh.SIGTERM)
			_ = session.Close()
			return ctx.Err()
		case runErr = <-done:
		}

		exitCode := 0
		if runErr != nil {
			var exitErr *ssh.ExitError
			if !errors.As(runErr, &exitErr) {
				return engine.NewCapabilityError(engine.ErrorKindUpstreamFailure, "command did not complete", runErr)
			}
			exitCode = exitErr.ExitStatus()
		}

		logger.Debug().
			Str("target", t.String()).
			Int("exit_code", exitCode).
			Int("stdout_len", stdoutBuf.Len()).
			Int("stderr_len", stderrBuf.Len()).
			Dur("duration", time.Since(start)).
			Msg("Remote command completed")

		if exitCode != 0 && !cmd.IgnoreExitCode {
			return exitCodeError(exitCode)
		}

		out = engine.Output{
			"stdout":    strings.TrimSpace(stdoutBuf.String()),
			"stderr":    strings.TrimSpace(stderrBuf.String()),
			"exit_code": exitCode,
		}
		return nil
	}, telemetry.AttrTargetHost.String(t.Host))
	if err != nil {
		return nil, err
	}

	return out, nil
}

// exitCodeError classifies a non-zero exit. Commands are assumed
// deterministic, so only 255 (an error reported by ssh itself) is retried.
func exitCodeError(code int) error {
	msg := fmt.Sprintf("command exited with code %d", code)
	switch code {
	case 126:
		return engine.NewCapabilityError(engine.ErrorKindPermissionDenied, msg, nil)
	case 255:
		return engine.NewCapabilityError(engine.ErrorKindUpstreamFailure, msg, nil)
	default:
		return engine.NewCapabilityError(engine.ErrorKindInvalidConfig, msg, nil)
	}
}
