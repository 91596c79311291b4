// Package ssh provides capabilities that act on remote hosts over SSH.
//
//	ssh-exec     runs config "command" and outputs stdout, stderr and exit_code
//	sftp-upload  writes input content to config "remote_path" over SFTP
//
// Every call opens its own connection, optionally through a jump host, and
// verifies the host key against known_hosts unless told otherwise. Rejected
// credentials, unknown host keys and failing commands are permanent; network
// failures and exit code 255 are transient.
package ssh

import (
	"context"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

// Capability IDs.
const (
	ExecCapabilityID   = "ssh-exec"
	UploadCapabilityID = "sftp-upload"
)

// Capabilities returns the SSH capabilities configured with opts.
func Capabilities(opts Options) []engine.Capability {
	opts.setDefaults()
	logger := opts.Logger.With().Str("component", "ssh").Logger()

	return []engine.Capability{
		{
			ID:          ExecCapabilityID,
			Description: "Runs a shell command on a remote host over SSH",
			SideEffect:  true,
			Execute: func(ctx context.Context, cfg engine.Config, input engine.Output) (engine.Output, error) {
				t, err := opts.targetFromConfig(cfg)
				if err != nil {
					return nil, err
				}
				cmd, err := commandFromConfig(cfg)
				if err != nil {
					return nil, err
				}
				return execute(ctx, logger, t, cmd, input)
			},
		},
		{
			ID:          UploadCapabilityID,
			Description: "Writes node input to a file on a remote host over SFTP",
			SideEffect:  true,
			Idempotent:  true,
			Execute: func(ctx context.Context, cfg engine.Config, input engine.Output) (engine.Output, error) {
				t, err := opts.targetFromConfig(cfg)
				if err != nil {
					return nil, err
				}
				u, err := uploadFromConfig(cfg, input)
				if err != nil {
					return nil, err
				}
				return transfer(ctx, logger, t, u)
			},
		},
	}
}
