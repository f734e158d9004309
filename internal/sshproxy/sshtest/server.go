// Package sshtest runs an in-process SSH server for tests that exercise the
// proxy end to end.
package sshtest

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/charmed-osm/vyos-config/internal/sshkeys"
)

// Result is what the server sends back for one exec request.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Drop closes the session without an exit status, as a host going down does.
	Drop bool
}

// Handler produces the result for a command.
type Handler func(command string) Result

// Config controls which credentials the server accepts and how it answers.
// A nil Handler answers every command with "ok\n" and exit status 0.
type Config struct {
	Username      string
	Password      string
	AuthorizedKey ssh.PublicKey
	Handler       Handler
}

// Server is a running test server. It is closed when the test ends.
type Server struct {
	Addr string

	cfg      Config
	listener net.Listener

	mu       sync.Mutex
	netConns []net.Conn
	commands []string
	done     chan struct{}
}

func NewServer(t testing.TB, cfg Config) *Server {
	t.Helper()

	_, hostKeyPEM, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.ParsePrivateKey(hostKeyPEM)
	if err != nil {
		t.Fatalf("parse host key: %v", err)
	}

	serverCfg := &ssh.ServerConfig{}
	if cfg.Password != "" {
		serverCfg.PasswordCallback = func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if conn.User() == cfg.Username && string(password) == cfg.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", conn.User())
		}
	}
	if cfg.AuthorizedKey != nil {
		serverCfg.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if conn.User() == cfg.Username && ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(cfg.AuthorizedKey) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		}
	}
	serverCfg.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &Server{
		Addr:     listener.Addr().String(),
		cfg:      cfg,
		listener: listener,
		done:     make(chan struct{}),
	}

	go func() {
		defer close(s.done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.netConns = append(s.netConns, netConn)
			s.mu.Unlock()
			go s.handleConn(netConn, serverCfg)
		}
	}()

	t.Cleanup(s.Close)
	return s
}

// Host returns the listener host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr)
	return host
}

// Port returns the listener port.
func (s *Server) Port() int {
	_, portStr, _ := net.SplitHostPort(s.Addr)
	port, _ := strconv.Atoi(portStr)
	return port
}

// Commands returns every command the server has been asked to run.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

// Close stops accepting and drops every open connection.
func (s *Server) Close() {
	s.listener.Close()
	s.mu.Lock()
	for _, c := range s.netConns {
		c.Close()
	}
	s.netConns = nil
	s.mu.Unlock()
	<-s.done
}

func (s *Server) handleConn(netConn net.Conn, cfg *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, cfg)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.handleSession(ch, requests)
	}
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}

		var payload struct{ Command string }
		if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
			req.Reply(false, nil)
			return
		}
		if req.WantReply {
			req.Reply(true, nil)
		}

		s.mu.Lock()
		s.commands = append(s.commands, payload.Command)
		s.mu.Unlock()

		res := Result{Stdout: "ok\n"}
		if s.cfg.Handler != nil {
			res = s.cfg.Handler(payload.Command)
		}
		ch.Write([]byte(res.Stdout))
		ch.Stderr().Write([]byte(res.Stderr))
		if res.Drop {
			return
		}
		ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(res.ExitCode)}))
		return
	}
}
