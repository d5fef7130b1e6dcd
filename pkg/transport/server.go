package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/dremelbridge/dremel-go/pkg/connection"
	"github.com/dremelbridge/dremel-go/pkg/sdindex"
	"github.com/dremelbridge/dremel-go/pkg/vserial"
)

// DefaultAddress is the listen address when none is configured.
const DefaultAddress = "127.0.0.1:2323"

const copyBufferSize = 4096

var (
	// ErrBusy is reported to a host that connects while another is attached.
	ErrBusy = errors.New("another host is connected")

	// ErrAlreadyRunning is returned by Start on a running server.
	ErrAlreadyRunning = errors.New("server already running")
)

// ServerConfig configures the serial endpoint.
type ServerConfig struct {
	// Address to listen on (e.g. "127.0.0.1:2323" or ":2323").
	Address string

	// Session is the template for every connection. SessionID, RemoteAddr
	// and Index are filled in per connection.
	Session vserial.Config

	// Index is handed to each session in turn. It is cleared when a session
	// ends; files uploaded while no host is attached wait for the next one.
	// Created if nil.
	Index *sdindex.Index

	Logger *slog.Logger

	// OnConnect is called after a session opened.
	OnConnect func(conn *ServerConn)

	// OnDisconnect is called after a session closed.
	OnDisconnect func(conn *ServerConn)
}

// Server accepts host connections and runs one session at a time.
type Server struct {
	config   ServerConfig
	logger   *slog.Logger
	index    *sdindex.Index
	listener net.Listener

	mu     sync.Mutex
	active *ServerConn

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a server. The session template must name a printer.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Session.Printer == nil {
		return nil, vserial.ErrNoPrinter
	}
	if config.Address == "" {
		config.Address = DefaultAddress
	}
	if config.Index == nil {
		config.Index = sdindex.New()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Session.Logger == nil {
		config.Session.Logger = config.Logger
	}

	return &Server{
		config: config,
		logger: config.Logger.With("component", "transport"),
		index:  config.Index,
	}, nil
}

// Start listens and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return ErrAlreadyRunning
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running.Store(true)

	s.logger.Info("serial endpoint listening", "addr", listener.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and the attached host, then waits for both.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}
	s.cancel()
	s.listener.Close()

	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != nil {
		active.Close()
	}

	s.wg.Wait()
	return nil
}

// Addr returns the listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// Session returns the attached session, or nil.
func (s *Server) Session() *vserial.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil
	}
	return s.active.session
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.running.Load() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// claim makes sc the attached connection unless another one is.
func (s *Server) claim(sc *ServerConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil || !s.running.Load() {
		return false
	}
	s.active = sc
	return true
}

func (s *Server) release(sc *ServerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == sc {
		s.active = nil
	}
}

func (s *Server) errorLine(err error) string {
	prefix := s.config.Session.Format.ErrorPrefix
	if prefix == "" {
		prefix = vserial.DefaultFormat().ErrorPrefix
	}
	return prefix + err.Error() + "\n"
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	sc := &ServerConn{
		conn:       conn,
		remoteAddr: conn.RemoteAddr(),
		connID:     uuid.New().String(),
	}
	logger := s.logger.With("conn", sc.connID, "remote", sc.remoteAddr.String())

	if !s.claim(sc) {
		logger.Warn("rejecting host", "reason", ErrBusy)
		_, _ = io.WriteString(conn, s.errorLine(ErrBusy))
		conn.Close()
		return
	}
	defer s.release(sc)

	cfg := s.config.Session
	cfg.SessionID = sc.connID
	cfg.RemoteAddr = sc.remoteAddr.String()
	cfg.Index = s.index

	session, err := vserial.New(cfg)
	if err != nil {
		logger.Error("session setup failed", "error", err)
		_, _ = io.WriteString(conn, s.errorLine(err))
		conn.Close()
		return
	}

	s.mu.Lock()
	sc.session = session
	s.mu.Unlock()

	logger.Info("host connected")

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		sc.pumpOutput()
	}()

	if err := session.Open(s.ctx); err != nil {
		// The handshake failure lines are already queued. Close drains them.
		logger.Warn("session open failed", "error", err)
		session.Close()
		<-pumpDone
		conn.Close()
		return
	}

	if s.config.OnConnect != nil {
		s.config.OnConnect(sc)
	}

	sc.pumpInput()

	session.Close()
	<-pumpDone
	sc.Close()

	// Upload names are session scoped.
	s.index.Clear()

	logger.Info("host disconnected")

	if s.config.OnDisconnect != nil {
		s.config.OnDisconnect(sc)
	}
}

// Status returns the attached session's status. Without a host the
// status reports a disconnected link and the shared SD index.
func (s *Server) Status() vserial.Status {
	if session := s.Session(); session != nil {
		return session.Status()
	}
	return vserial.Status{
		Link:     connection.LinkDisconnected.String(),
		Activity: connection.ActivityDisconnected.String(),
		SDIndex:  s.index.Snapshot(),
	}
}

// ClearSDIndex removes every indexed file.
func (s *Server) ClearSDIndex() {
	if session := s.Session(); session != nil {
		session.ClearSDIndex()
		return
	}
	s.index.Clear()
	s.logger.Info("sd index cleared")
}

// Upload sends a file to the printer and indexes it. With a host attached
// the file is also selected for the next M24.
func (s *Server) Upload(ctx context.Context, localPath, displayName string) (sdindex.Entry, error) {
	if session := s.Session(); session != nil {
		return session.Upload(ctx, localPath, displayName)
	}

	fi, err := os.Stat(localPath)
	if err != nil {
		return sdindex.Entry{}, fmt.Errorf("upload: %w", err)
	}
	remote, err := s.config.Session.Printer.Upload(ctx, localPath)
	if err != nil {
		return sdindex.Entry{}, fmt.Errorf("upload: %w", err)
	}
	if displayName == "" {
		displayName = remote
	}
	e := s.index.Put(displayName, remote, fi.Size())
	s.logger.Info("file uploaded", "display", e.Display, "upload", e.Upload, "size", e.Size)
	return e, nil
}

// ServerConn is an attached host.
type ServerConn struct {
	conn       net.Conn
	session    *vserial.Session
	remoteAddr net.Addr
	connID     string
	closeOnce  sync.Once
}

// RemoteAddr returns the host's address.
func (c *ServerConn) RemoteAddr() net.Addr {
	return c.remoteAddr
}

// ConnID returns the connection identifier, which is also the session id.
func (c *ServerConn) ConnID() string {
	return c.connID
}

// Session returns the connection's session.
func (c *ServerConn) Session() *vserial.Session {
	return c.session
}

// Close closes the network connection. The session closes once the input
// pump notices.
func (c *ServerConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// pumpInput copies host bytes into the session until either side ends.
func (c *ServerConn) pumpInput() {
	buf := make([]byte, copyBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			if _, werr := c.session.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// pumpOutput copies session output to the host until the session is
// closed and drained.
func (c *ServerConn) pumpOutput() {
	buf := make([]byte, copyBufferSize)
	for {
		n, err := c.session.Read(buf)
		if n > 0 {
			if _, werr := c.conn.Write(buf[:n]); werr != nil {
				c.Close()
				return
			}
		}
		if err != nil {
			return
		}
	}
}
