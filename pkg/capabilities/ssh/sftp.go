package ssh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path"
	"strconv"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoflow/pkg/capabilities/params"
	"github.com/openfroyo/froyoflow/pkg/engine"
	"github.com/openfroyo/froyoflow/pkg/telemetry"
)

// upload describes one sftp-upload call.
type upload struct {
	RemotePath string
	Content    []byte
	Mode       os.FileMode
	Mkdir      bool
}

// uploadFromConfig reads remote_path, content_key, mode and mkdir. A string
// under content_key is written as is; anything else is written as JSON. With
// no content_key the whole input is written as JSON.
func uploadFromConfig(cfg engine.Config, input engine.Output) (*upload, error) {
	remotePath, err := params.String(cfg, "remote_path", true)
	if err != nil {
		return nil, err
	}
	if !path.IsAbs(remotePath) {
		return nil, params.Invalid("remote_path must be absolute: %q", remotePath)
	}

	u := &upload{RemotePath: path.Clean(remotePath), Mode: 0o644}

	key, err := params.String(cfg, "content_key", false)
	if err != nil {
		return nil, err
	}
	var content any = map[string]any(input)
	if key != "" {
		v, ok := input[key]
		if !ok {
			return nil, params.Invalid("input has no %q to upload", key)
		}
		content = v
	}
	if s, ok := content.(string); ok {
		u.Content = []byte(s)
	} else {
		data, err := json.Marshal(content)
		if err != nil {
			return nil, params.Invalid("content cannot be encoded as JSON: %v", err)
		}
		u.Content = data
	}

	if u.Mode, err = fileMode(cfg); err != nil {
		return nil, err
	}
	if u.Mkdir, err = params.Bool(cfg, "mkdir", true); err != nil {
		return nil, err
	}

	return u, nil
}

// fileMode accepts a number or an octal string such as "0600".
func fileMode(cfg engine.Config) (os.FileMode, error) {
	raw, ok := cfg["mode"]
	if !ok || raw == nil {
		return 0o644, nil
	}
	if s, ok := raw.(string); ok {
		m, err := strconv.ParseUint(s, 8, 32)
		if err != nil || m > 0o7777 {
			return 0, params.Invalid("config \"mode\" must be an octal file mode, got %q", s)
		}
		return os.FileMode(m), nil
	}
	m, err := params.Int(cfg, "mode", 0o644)
	if err != nil {
		return 0, err
	}
	if m < 0 || m > 0o7777 {
		return 0, params.Invalid("config \"mode\" out of range: %d", m)
	}
	return os.FileMode(m), nil
}

// transfer writes u to the target over SFTP. Rewriting the same content
// leaves the remote file unchanged, so the call is safe to retry.
func transfer(ctx context.Context, logger zerolog.Logger, t *Target, u *upload) (engine.Output, error) {
	sum := sha256.Sum256(u.Content)
	checksum := hex.EncodeToString(sum[:])

	err := telemetry.RecordOperation(ctx, UploadCapabilityID, "upload", func(ctx context.Context) error {
		client, err := dial(ctx, t)
		if err != nil {
			return err
		}
		defer client.Close()

		// Closing the connection unblocks any SFTP call still in flight.
		stop := context.AfterFunc(ctx, func() { _ = client.Close() })
		defer stop()

		sftpClient, err := sftp.NewClient(client.Client)
		if err != nil {
			return sftpError(ctx, "failed to start sftp subsystem", err)
		}
		defer sftpClient.Close()

		if u.Mkdir {
			if err := sftpClient.MkdirAll(path.Dir(u.RemotePath)); err != nil {
				return sftpError(ctx, "failed to create remote directory", err)
			}
		}

		f, err := sftpClient.Create(u.RemotePath)
		if err != nil {
			return sftpError(ctx, "failed to create remote file", err)
		}
		if _, err := f.Write(u.Content); err != nil {
			_ = f.Close()
			return sftpError(ctx, "failed to write remote file", err)
		}
		if err := f.Close(); err != nil {
			return sftpError(ctx, "failed to close remote file", err)
		}
		if err := sftpClient.Chmod(u.RemotePath, u.Mode); err != nil {
			return sftpError(ctx, "failed to set remote file mode", err)
		}

		logger.Debug().
			Str("target", t.String()).
			Str("remote_path", u.RemotePath).
			Int("bytes", len(u.Content)).
			Msg("File uploaded")
		return nil
	}, telemetry.AttrTargetHost.String(t.Host))
	if err != nil {
		return nil, err
	}

	return engine.Output{
		"remote_path": u.RemotePath,
		"bytes":       len(u.Content),
		"sha256":      checksum,
	}, nil
}

func sftpError(ctx context.Context, msg string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if os.IsPermission(err) {
		return engine.NewCapabilityError(engine.ErrorKindPermissionDenied, msg, err)
	}
	return engine.NewCapabilityError(engine.ErrorKindUpstreamFailure, msg, err)
}
