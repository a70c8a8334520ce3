// Package ipc carries the control protocol between the privileged daemon
// and its clients over a unix domain socket. Each connection carries
// exactly one JSON request and one JSON response; clients reconnect per
// call, which keeps the daemon free of per-client session state.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"mihomo-helper/internal/core"
	"mihomo-helper/internal/protocol"
)

// connDeadline bounds a full request/response exchange on one connection.
const connDeadline = 30 * time.Second

// Handler processes one decoded request into a response. It must not
// return nil.
type Handler interface {
	Handle(ctx context.Context, req *protocol.Request) *protocol.Response
}

// PeerChecker vets a freshly accepted connection before any bytes are
// read. Returning an error rejects the client with an access_denied
// response.
type PeerChecker func(conn net.Conn) error

// Server accepts connections on a unix socket and dispatches requests to
// a Handler.
type Server struct {
	ln      net.Listener
	handler Handler

	tracker   *ConnTracker
	checkPeer PeerChecker

	closed atomic.Bool
	wg     sync.WaitGroup
}

// ServerOption tweaks server behavior.
type ServerOption func(*Server)

// WithTracker attaches a connection tracker for idle-lifecycle handling.
func WithTracker(ct *ConnTracker) ServerOption {
	return func(s *Server) { s.tracker = ct }
}

// WithPeerChecker installs a per-connection peer identity check.
func WithPeerChecker(check PeerChecker) ServerOption {
	return func(s *Server) { s.checkPeer = check }
}

// NewServer wraps an already bound listener.
func NewServer(ln net.Listener, handler Handler, opts ...ServerOption) *Server {
	s := &Server{ln: ln, handler: handler}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen binds a unix socket at path, replacing a stale socket file left
// behind by a previous run. The socket is made world-connectable so
// unprivileged clients can reach the daemon; the peer check is the
// actual gate.
func Listen(path string) (net.Listener, error) {
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
		}
		core.Log.Debugf("IPC", "removed stale socket %s", path)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o666); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod %s: %w", path, err)
	}
	return ln, nil
}

// Serve accepts connections until Close is called. It returns nil after
// a clean shutdown.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Close stops accepting and waits for in-flight connections to finish.
func (s *Server) Close() {
	if s.closed.Swap(true) {
		return
	}
	s.ln.Close()
	s.wg.Wait()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	if s.tracker != nil {
		s.tracker.ConnOpened()
		defer s.tracker.ConnClosed()
	}

	conn.SetDeadline(time.Now().Add(connDeadline))

	if s.checkPeer != nil {
		if err := s.checkPeer(conn); err != nil {
			core.Log.Warnf("IPC", "rejected connection: %v", err)
			s.writeResponse(conn, protocol.ErrorResponse(protocol.Errf(
				protocol.DomainTransport, protocol.CodeDenied, "access denied: %v", err)))
			return
		}
	}

	var req protocol.Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			core.Log.Debugf("IPC", "connection idle past deadline, dropping")
			return
		}
		core.Log.Warnf("IPC", "malformed request: %v", err)
		s.writeResponse(conn, protocol.ErrorResponse(protocol.Errf(
			protocol.DomainTransport, protocol.CodeDecode, "malformed request: %v", err)))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), connDeadline)
	defer cancel()

	resp := s.handler.Handle(ctx, &req)
	if resp == nil {
		resp = protocol.ErrorResponse(protocol.Errf(
			protocol.DomainService, protocol.CodeUnavailable, "no response for %s", req.Method))
	}
	s.writeResponse(conn, resp)
}

func (s *Server) writeResponse(conn net.Conn, resp *protocol.Response) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		core.Log.Warnf("IPC", "write response: %v", err)
	}
}
