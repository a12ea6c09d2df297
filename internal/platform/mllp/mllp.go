// Package mllp implements the Minimal Lower Layer Protocol used to carry HL7
// v2.x messages over TCP.
package mllp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	// StartBlock is the MLLP start-of-message byte (VT / vertical tab).
	StartBlock = 0x0B

	// EndBlock is the MLLP end-of-message byte (FS / file separator).
	EndBlock = 0x1C

	// CarriageReturn is the trailing CR after the end block.
	CarriageReturn = 0x0D

	// maxMessageSize is the maximum buffer size for a single MLLP message (1 MB).
	maxMessageSize = 1 << 20

	// readTimeout is the read deadline applied to each connection.
	readTimeout = 30 * time.Second

	writeTimeout = 10 * time.Second
)

// Handler is called for each received payload and returns the bytes to send
// back (usually an ACK). A nil return sends nothing.
type Handler func(ctx context.Context, payload []byte) []byte

// Server listens for HL7v2 messages over MLLP/TCP.
type Server struct {
	addr     string
	handler  Handler
	logger   zerolog.Logger
	listener net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	listening atomic.Bool
}

// NewServer creates a server that will listen on addr and dispatch payloads
// to handler.
func NewServer(addr string, handler Handler, logger zerolog.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:    addr,
		handler: handler,
		logger:  logger.With().Str("component", "mllp").Logger(),
		conns:   make(map[net.Conn]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins listening for connections. The accept loop runs in a
// background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.listening.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop()
	}()

	return nil
}

// Stop closes the listener and every tracked connection, then waits for all
// connection goroutines to exit.
func (s *Server) Stop() error {
	s.cancel()
	s.listening.Store(false)

	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Addr returns the listener address. Useful when started on port 0.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Listening reports whether the accept loop is running.
func (s *Server) Listening() bool {
	return s.listening.Load()
}

func (s *Server) acceptLoop() {
	defer s.listening.Store(false)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Error().Err(err).Msg("accept failed")
			return
		}

		s.trackConn(conn, true)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			defer conn.Close()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

// handleConnection reads framed payloads from conn, dispatches them, and
// writes back any response.
func (s *Server) handleConnection(conn net.Conn) {
	log := s.logger.With().Str("remote_addr", conn.RemoteAddr().String()).Logger()
	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)

	for {
		if s.ctx.Err() != nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))

		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)

			if len(buf) > maxMessageSize {
				log.Warn().Int("buffered", len(buf)).Msg("message exceeds max size, closing connection")
				return
			}

			for {
				payload, rest, found := Unframe(buf)
				if !found {
					break
				}
				buf = rest
				s.dispatch(conn, payload, log)
			}
		}

		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && len(buf) > 0 {
				// Keep reading to finish the partial frame.
				continue
			}
			return
		}
	}
}

func (s *Server) dispatch(conn net.Conn, payload []byte, log zerolog.Logger) {
	resp := s.handler(s.ctx, payload)
	if resp == nil {
		return
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(Frame(resp)); err != nil {
		log.Error().Err(err).Msg("write failed")
	}
}

// Frame wraps data in MLLP framing: <0x0B> + data + <0x1C><0x0D>.
func Frame(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, StartBlock)
	frame = append(frame, data...)
	frame = append(frame, EndBlock, CarriageReturn)
	return frame
}

// Unframe extracts the first complete frame from data. It returns the
// payload, the bytes after the frame, and whether a complete frame was found.
func Unframe(data []byte) (payload []byte, rest []byte, found bool) {
	startIdx := bytes.IndexByte(data, StartBlock)
	if startIdx == -1 {
		return nil, data, false
	}

	endIdx := bytes.Index(data[startIdx+1:], []byte{EndBlock, CarriageReturn})
	if endIdx == -1 {
		return nil, data, false
	}
	endIdx = startIdx + 1 + endIdx

	return data[startIdx+1 : endIdx], data[endIdx+2:], true
}
