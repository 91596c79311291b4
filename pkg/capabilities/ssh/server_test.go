package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// testServer is an in-process SSH server with a handful of canned commands
// and a real SFTP subsystem backed by the local filesystem.
type testServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	hostKey  ssh.PublicKey
	addr     string
	port     int

	done chan struct{}

	mu       sync.Mutex
	commands []string
	closed   bool
}

const (
	testUser     = "testuser"
	testPassword = "testpass"
)

// newTestServer starts a server accepting testUser/testPassword and any key
// in authorized.
func newTestServer(t *testing.T, authorized ...ssh.PublicKey) *testServer {
	t.Helper()

	hostPub, hostSigner, err := generateTestKey()
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			for _, k := range authorized {
				if string(k.Marshal()) == string(key.Marshal()) {
					return nil, nil
				}
			}
			return nil, fmt.Errorf("unknown key")
		},
	}
	config.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	s := &testServer{
		listener: listener,
		config:   config,
		hostKey:  hostPub,
		addr:     listener.Addr().String(),
		port:     listener.Addr().(*net.TCPAddr).Port,
		done:     make(chan struct{}),
	}
	go s.serve()
	t.Cleanup(s.close)

	return s
}

func (s *testServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *testServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go s.handleChannel(channel, requests)
	}
}

func (s *testServer) handleChannel(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(requests)

			s.mu.Lock()
			s.commands = append(s.commands, payload.Command)
			s.mu.Unlock()

			s.runCommand(channel, payload.Command)
			return

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go ssh.DiscardRequests(requests)

			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
			_ = server.Close()
			return

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *testServer) runCommand(channel ssh.Channel, command string) {
	switch command {
	case "echo test":
		_, _ = channel.Write([]byte("test\n"))
		sendExitStatus(channel, 0)
	case "echo error >&2":
		_, _ = channel.Stderr().Write([]byte("error\n"))
		sendExitStatus(channel, 0)
	case "exit 3":
		_, _ = channel.Stderr().Write([]byte("failed\n"))
		sendExitStatus(channel, 3)
	case "exit 255":
		sendExitStatus(channel, 255)
	case "cat":
		data, _ := io.ReadAll(channel)
		_, _ = channel.Write(data)
		sendExitStatus(channel, 0)
	case "hang":
		// Never exits; the client has to give up.
		<-s.done
	default:
		_, _ = channel.Write([]byte("command: " + command + "\n"))
		sendExitStatus(channel, 0)
	}
}

func sendExitStatus(channel ssh.Channel, code uint32) {
	_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{code}))
}

func (s *testServer) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	_ = s.listener.Close()
}

func (s *testServer) lastCommand() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.commands) == 0 {
		return ""
	}
	return s.commands[len(s.commands)-1]
}

// knownHostsLine renders a known_hosts entry binding the server address to key.
func (s *testServer) knownHostsLine(key ssh.PublicKey) string {
	return knownhosts.Line([]string{knownhosts.Normalize(s.addr)}, key) + "\n"
}

// generateTestKey generates an ed25519 key pair.
func generateTestKey() (ssh.PublicKey, ssh.Signer, error) {
	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return nil, nil, err
	}
	return signer.PublicKey(), signer, nil
}

// generateClientKey returns an OpenSSH PEM private key and its public half.
func generateClientKey(t *testing.T) ([]byte, ssh.PublicKey) {
	t.Helper()

	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate client key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(privKey, "")
	if err != nil {
		t.Fatalf("failed to marshal client key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}
	return pem.EncodeToMemory(block), signer.PublicKey()
}
