package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/openfroyo/froyoflow/pkg/capabilities/params"
	"github.com/openfroyo/froyoflow/pkg/engine"
)

// Options holds provider-wide defaults. Node config overrides them per call.
type Options struct {
	Logger zerolog.Logger

	// User is the default login.
	User string

	// PrivateKeyPath is the default key. Empty means ~/.ssh/id_ed25519 or
	// ~/.ssh/id_rsa, whichever exists.
	PrivateKeyPath string

	// KnownHostsPath verifies host keys. Empty means ~/.ssh/known_hosts.
	KnownHostsPath string

	// InsecureIgnoreHostKey disables host key verification.
	InsecureIgnoreHostKey bool

	// ConnectTimeout bounds dialing and the SSH handshake.
	ConnectTimeout time.Duration
}

func (o *Options) setDefaults() {
	home, _ := os.UserHomeDir()
	if o.KnownHostsPath == "" && home != "" {
		o.KnownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
	}
	if o.PrivateKeyPath == "" && home != "" {
		for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
			path := filepath.Join(home, ".ssh", name)
			if _, err := os.Stat(path); err == nil {
				o.PrivateKeyPath = path
				break
			}
		}
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
}

// Target is the resolved connection for one call.
type Target struct {
	Host string
	Port int
	User string

	Password       string
	PrivateKey     []byte
	PrivateKeyPath string
	Passphrase     string

	KnownHostsPath        string
	InsecureIgnoreHostKey bool
	ConnectTimeout        time.Duration

	// JumpHost is an optional bastion ("host" or "host:port") reached with
	// the same credentials.
	JumpHost string
}

// targetFromConfig reads host, port, user, password, private_key,
// private_key_path, passphrase and jump_host from node config.
func (o *Options) targetFromConfig(cfg engine.Config) (*Target, error) {
	host, err := params.String(cfg, "host", true)
	if err != nil {
		return nil, err
	}
	port, err := params.Int(cfg, "port", 22)
	if err != nil {
		return nil, err
	}
	if port <= 0 || port > 65535 {
		return nil, params.Invalid("invalid port: %d", port)
	}

	t := &Target{
		Host:                  host,
		Port:                  port,
		User:                  o.User,
		PrivateKeyPath:        o.PrivateKeyPath,
		KnownHostsPath:        o.KnownHostsPath,
		InsecureIgnoreHostKey: o.InsecureIgnoreHostKey,
		ConnectTimeout:        o.ConnectTimeout,
	}

	if user, err := params.String(cfg, "user", false); err != nil {
		return nil, err
	} else if user != "" {
		t.User = user
	}
	if t.User == "" {
		return nil, params.Invalid("missing required config %q", "user")
	}

	if t.Password, err = params.String(cfg, "password", false); err != nil {
		return nil, err
	}
	key, err := params.String(cfg, "private_key", false)
	if err != nil {
		return nil, err
	}
	t.PrivateKey = []byte(key)
	if path, err := params.String(cfg, "private_key_path", false); err != nil {
		return nil, err
	} else if path != "" {
		t.PrivateKeyPath = path
	}
	if t.Passphrase, err = params.String(cfg, "passphrase", false); err != nil {
		return nil, err
	}
	if t.JumpHost, err = params.String(cfg, "jump_host", false); err != nil {
		return nil, err
	}

	if t.Password == "" && len(t.PrivateKey) == 0 && t.PrivateKeyPath == "" {
		return nil, params.Invalid("no credentials: set password, private_key or private_key_path")
	}

	return t, nil
}

// Address returns host:port.
func (t *Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// JumpAddress returns the bastion address with the default port applied.
func (t *Target) JumpAddress() string {
	if t.JumpHost == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(t.JumpHost); err == nil {
		return t.JumpHost
	}
	return net.JoinHostPort(t.JumpHost, "22")
}

// ClientConfig builds the x/crypto/ssh client configuration. Key material
// problems are permanent failures.
func (t *Target) ClientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	keyBytes := t.PrivateKey
	if len(keyBytes) == 0 && t.PrivateKeyPath != "" {
		data, err := os.ReadFile(t.PrivateKeyPath)
		if err != nil && t.Password == "" {
			return nil, params.Invalid("failed to read private key: %v", err)
		}
		keyBytes = data
	}
	if len(keyBytes) > 0 {
		var signer ssh.Signer
		var err error
		if t.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(t.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		switch {
		case err == nil:
			auth = append(auth, ssh.PublicKeys(signer))
		case t.Password == "":
			return nil, params.Invalid("failed to parse private key: %v", err)
		}
	}

	if t.Password != "" {
		password := t.Password
		auth = append(auth,
			ssh.Password(password),
			// Many servers only offer keyboard-interactive for password logins.
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if !t.InsecureIgnoreHostKey {
		if t.KnownHostsPath == "" {
			return nil, params.Invalid("no known_hosts file configured")
		}
		cb, err := knownhosts.New(t.KnownHostsPath)
		if err != nil {
			return nil, params.Invalid("failed to load known_hosts: %v", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            t.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         t.ConnectTimeout,
	}, nil
}

func (t *Target) String() string {
	if t.JumpHost != "" {
		return fmt.Sprintf("%s@%s via %s", t.User, t.Address(), t.JumpAddress())
	}
	return fmt.Sprintf("%s@%s", t.User, t.Address())
}
