/*
Package server implements the user-facing API of a room hub server.

Each accepted connection gets its own goroutine, which blocks reading frames and handles them one at
a time. Shared state lives in a single registry; it is only locked to mutate it or to snapshot the
recipients of a message, never across a network write.
*/
package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CiaranWoodward/roomhub/msg"
	"github.com/CiaranWoodward/roomhub/protocol"
	"go.uber.org/zap"
)

// Config holds the server settings. Wire settings must match every client.
type Config struct {
	HeaderLength int
	Encoding     string
	Codec        string
	// Shadow DATA/FORWARD and DATA/GRADIENT traffic into the _logging room
	EnableLogging bool
	// Close connections that send nothing for this long. Zero disables.
	IdleTimeout time.Duration
	// Give up on a recipient whose write blocks for this long. Zero disables.
	WriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		HeaderLength:  msg.DefaultHeaderLength,
		Encoding:      "utf-8",
		Codec:         msg.CodecJSON,
		EnableLogging: true,
	}
}

// server representation of a connected client
type serverClient struct {
	// Unique id, for logs only
	id uint64
	// Message stream decoder
	dc msg.StreamDecoder
	// Internal connection state
	con net.Conn
	// Serializes whole frames onto con
	wmu       sync.Mutex
	closeOnce sync.Once
}

func (sc *serverClient) send(frame []byte, timeout time.Duration) error {
	sc.wmu.Lock()
	defer sc.wmu.Unlock()

	if timeout > 0 {
		// A failed deadline surfaces as a failed Write
		_ = sc.con.SetWriteDeadline(time.Now().Add(timeout))
		defer func() { _ = sc.con.SetWriteDeadline(time.Time{}) }()
	}
	_, err := sc.con.Write(frame)
	return err
}

func (sc *serverClient) close() {
	sc.closeOnce.Do(func() { sc.con.Close() })
}

type Server struct {
	cfg    Config
	codec  *msg.Codec
	logger *zap.Logger
	reg    *registry

	logging atomic.Bool
	// Internal client ID counter (for unique IDs)
	cid atomic.Uint64
	// Every connection and listener goroutine
	wg sync.WaitGroup

	mu        sync.Mutex
	listeners []net.Listener
	closed    bool
}

func NewServer(cfg Config, logger *zap.Logger) (*Server, error) {
	codec, err := msg.NewCodec(msg.Options{
		HeaderLength: cfg.HeaderLength,
		Encoding:     cfg.Encoding,
		Codec:        cfg.Codec,
	})
	if err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		codec:  codec,
		logger: logger,
		reg:    newRegistry(),
	}
	s.logging.Store(cfg.EnableLogging)
	return s, nil
}

// Add a listener which will accept new incoming connections automatically.
// The listener is closed by Close.
func (s *Server) AddListener(l net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		l.Close()
		return
	}
	s.listeners = append(s.listeners, l)
	s.wg.Add(1)
	go s.acceptLoop(l)
}

func (s *Server) acceptLoop(l net.Listener) {
	defer s.wg.Done()
	s.logger.Info("listening", zap.Stringer("addr", l.Addr()))
	for {
		con, err := l.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("accept failed", zap.Stringer("addr", l.Addr()), zap.Error(err))
			}
			return
		}
		s.AddClientByConnection(con)
	}
}

// Add a new client connection. The server owns it from now on.
func (s *Server) AddClientByConnection(c net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		c.Close()
		return
	}

	sc := &serverClient{
		id:  s.cid.Add(1),
		dc:  s.codec.NewStreamDecoder(c),
		con: c,
	}
	s.reg.add(sc)
	s.wg.Add(1)
	go s.serve(sc)
}

// Close the server, and all associated resources and connections.
// Blocks until every connection has been cleaned up.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	for _, sc := range s.reg.all() {
		sc.close()
	}
	s.wg.Wait()
}

// Stats returns the number of rooms (reserved ones included) and of live connections
func (s *Server) Stats() (rooms, clients int) {
	return s.reg.stats()
}

// Rooms returns the member count of every room
func (s *Server) Rooms() map[string]int {
	return s.reg.roomSizes()
}

// LoggingEnabled reports whether forwarded traffic is shadowed into _logging
func (s *Server) LoggingEnabled() bool {
	return s.logging.Load()
}

// Per connection handling context: read and handle frames until the connection ends
func (s *Server) serve(sc *serverClient) {
	defer s.wg.Done()
	defer s.removeClient(sc)

	log := s.logger.With(zap.Uint64("conn", sc.id))
	log.Info("client connected", zap.Stringer("remote", sc.con.RemoteAddr()))

	for {
		if s.cfg.IdleTimeout > 0 {
			_ = sc.con.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		mesg, err := sc.dc.DecodeNext()
		if errors.Is(err, protocol.ErrInvalidField) {
			log.Warn("rejected message", zap.Error(err))
			continue
		}
		if err != nil {
			if errors.Is(err, msg.ErrFrameDecode) {
				log.Warn("dropping client after protocol error", zap.Error(err))
			} else {
				log.Debug("connection ended", zap.Error(err))
			}
			return
		}
		if !s.handleMessage(sc, mesg, log) {
			return
		}
	}
}

// Remove a client from server mapping
func (s *Server) removeClient(sc *serverClient) {
	sc.close()
	rooms := s.reg.roomsOf(sc)
	name, existed := s.reg.remove(sc)
	if existed {
		s.logger.Info("client disconnected", zap.Uint64("conn", sc.id), zap.String("name", name), zap.Strings("rooms", rooms))
	}
}

// Apply COMMAND side effects, then route. Returns false once the client asked to disconnect.
func (s *Server) handleMessage(sc *serverClient, mesg protocol.Message, log *zap.Logger) bool {
	typ, err := protocol.Validate(mesg)
	if err != nil {
		log.Warn("rejected message", zap.String("id", mesg.ID), zap.String("type", mesg.Type), zap.Error(err))
		return true
	}

	switch typ {
	case protocol.Command.Disconnect:
		return false

	case protocol.Command.Register:
		name, ok := mesg.String(protocol.FieldName)
		if !ok {
			log.Warn("rejected message", zap.String("type", typ.ID), zap.String("reason", "NAME is not a string"))
			return true
		}
		s.reg.register(sc, name)
		log.Info("client registered", zap.String("name", name))

	case protocol.Command.JoinRoom:
		room, ok := mesg.String(protocol.FieldRoom)
		if !ok {
			log.Warn("rejected message", zap.String("type", typ.ID), zap.String("reason", "ROOM is not a string"))
			return true
		}
		if created, _ := s.reg.join(sc, room); created {
			log.Info("room created", zap.String("room", room))
		}
		log.Debug("joined room", zap.String("room", room))

	case protocol.Command.LeaveRoom:
		room, ok := mesg.String(protocol.FieldRoom)
		if !ok {
			log.Warn("rejected message", zap.String("type", typ.ID), zap.String("reason", "ROOM is not a string"))
			return true
		}
		if _, deleted := s.reg.leave(sc, room); deleted {
			log.Info("room removed", zap.String("room", room))
		}
		log.Debug("left room", zap.String("room", room))

	case protocol.Command.EnableLogging, protocol.Command.DisableLogging:
		// Addressed to a component: only routed
		if !mesg.Has(protocol.FieldComponent) {
			enable := typ == protocol.Command.EnableLogging
			s.logging.Store(enable)
			log.Info("message logging toggled", zap.Bool("enabled", enable))
		}
	}

	s.broadcast(sc, mesg, typ)
	return true
}
