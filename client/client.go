/*
Package client implements the user-facing API of a room hub client.

A client registers under a display name, joins rooms, and runs a receive loop (Listen) that feeds
every inbound message to its event handlers. Handlers run one at a time on the Listen goroutine, so
handler state needs no locking; a slow handler stalls the whole loop.
*/
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/CiaranWoodward/roomhub/msg"
	"github.com/CiaranWoodward/roomhub/protocol"
	"go.uber.org/zap"
)

// Config holds the client settings. Wire settings must match the server.
type Config struct {
	// Display name registered with the server
	Name         string
	HeaderLength int
	Encoding     string
	Codec        string
	// Auxiliary values handed to handlers that declare them
	Args map[string]any
}

func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		HeaderLength: msg.DefaultHeaderLength,
		Encoding:     "utf-8",
		Codec:        msg.CodecJSON,
	}
}

// How long Close waits to hand the disconnect command over
const closeTimeout = time.Second

// Rooms every client joins when registering
var reservedRooms = []string{protocol.CommandRoom}

// Client struct - instantiated with the 'NewClient' or 'Dial' functions.
type Client struct {
	name   string
	con    net.Conn
	codec  *msg.Codec
	dc     msg.StreamDecoder
	logger *zap.Logger
	args   map[string]any

	// Serializes whole frames onto con
	wmu sync.Mutex

	mu       sync.Mutex
	rooms    map[string]struct{}
	handlers []*EventHandler

	closeOnce sync.Once
	closeErr  error
}

// NewClient creates a new client on an open connection. It does not register; see Register.
// Passes ownership of the Conn to the client, which closes it in Close.
func NewClient(con net.Conn, cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Name == "" {
		return nil, errors.New("client config: empty name")
	}
	codec, err := msg.NewCodec(msg.Options{
		HeaderLength: cfg.HeaderLength,
		Encoding:     cfg.Encoding,
		Codec:        cfg.Codec,
	})
	if err != nil {
		return nil, fmt.Errorf("client config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		name:   cfg.Name,
		con:    con,
		codec:  codec,
		dc:     codec.NewStreamDecoder(con),
		logger: logger.With(zap.String("client", cfg.Name)),
		args:   cfg.Args,
		rooms:  make(map[string]struct{}),
	}, nil
}

// Dial connects to the server at addr and registers
func Dial(ctx context.Context, addr string, cfg Config, logger *zap.Logger) (*Client, error) {
	var d net.Dialer
	con, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, err := NewClient(con, cfg, logger)
	if err != nil {
		con.Close()
		return nil, err
	}
	if err := c.Register(); err != nil {
		con.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) Name() string {
	return c.name
}

// Register announces the display name and joins the reserved rooms
func (c *Client) Register() error {
	err := c.Send(protocol.Message{
		Type:    protocol.Command.Register.ID,
		ToRoom:  protocol.CommandRoom,
		Payload: protocol.Payload{protocol.FieldName: c.name},
	})
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	for _, room := range reservedRooms {
		if err := c.JoinRoom(room); err != nil {
			return err
		}
	}
	return nil
}

// JoinRoom joins room, unless this client already did
func (c *Client) JoinRoom(room string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.rooms[room]; ok {
		return nil
	}
	if err := c.sendCommand(protocol.Command.JoinRoom, room); err != nil {
		return fmt.Errorf("join %s: %w", room, err)
	}
	c.rooms[room] = struct{}{}
	return nil
}

// LeaveRoom leaves a room joined with JoinRoom
func (c *Client) LeaveRoom(room string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.rooms[room]; !ok {
		return nil
	}
	if err := c.sendCommand(protocol.Command.LeaveRoom, room); err != nil {
		return fmt.Errorf("leave %s: %w", room, err)
	}
	delete(c.rooms, room)
	return nil
}

func (c *Client) sendCommand(typ *protocol.MessageTypeSetting, room string) error {
	return c.Send(protocol.Message{
		Type:    typ.ID,
		ToRoom:  protocol.CommandRoom,
		Payload: protocol.Payload{protocol.FieldRoom: room},
	})
}

// Rooms this client has joined, sorted
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// Send validates m, gives it an ID if it has none, and writes it out.
// Blocks until the frame is handed to the connection.
func (c *Client) Send(m protocol.Message) error {
	if m.ID == "" {
		m.ID = protocol.NewID()
	}
	if _, err := protocol.Validate(m); err != nil {
		return err
	}
	frame, err := c.codec.Encode(m)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.con.Write(frame)
	return err
}

// AddEventHandler registers h, joining the rooms of its trigger and its response rooms
func (c *Client) AddEventHandler(h *EventHandler) error {
	if h.Handle == nil {
		return errors.New("event handler without a handle function")
	}
	var rooms []string
	if h.Trigger != nil {
		rooms = append(rooms, h.Trigger.Rooms()...)
	}
	rooms = append(rooms, h.ResponseRooms...)
	for _, room := range rooms {
		if err := c.JoinRoom(room); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
	return nil
}

// Listen handles inbound messages until the connection ends, then closes the client.
// Returns nil when the server went away, or the protocol error that ended the session.
func (c *Client) Listen() error {
	for {
		in, err := c.dc.DecodeNext()
		if errors.Is(err, protocol.ErrInvalidField) {
			c.logger.Warn("rejected message", zap.Error(err))
			continue
		}
		if err != nil {
			c.Close()
			if errors.Is(err, msg.ErrFrameDecode) {
				c.logger.Warn("closing after protocol error", zap.Error(err))
				return err
			}
			c.logger.Debug("connection ended", zap.Error(err))
			return nil
		}

		for _, out := range c.dispatch(in) {
			if err := c.Send(out); err != nil {
				c.logger.Warn("cannot send response", zap.String("type", out.Type), zap.Error(err))
			}
		}
	}
}

// Run every matching handler on in and collect their packaged responses
func (c *Client) dispatch(in protocol.Message) []protocol.Message {
	c.mu.Lock()
	handlers := append([]*EventHandler(nil), c.handlers...)
	c.mu.Unlock()

	var matched []*EventHandler
	for _, h := range handlers {
		if h.triggered(in) {
			matched = append(matched, h)
		}
	}
	if len(matched) == 0 {
		return nil
	}
	if _, err := protocol.Validate(in); err != nil {
		c.logger.Warn("rejected message", zap.String("id", in.ID), zap.String("type", in.Type), zap.Error(err))
		return nil
	}

	var out []protocol.Message
	for _, h := range matched {
		resp, err := h.Handle(in, h.args(c.args))
		if err != nil {
			c.logger.Warn("handler failed", zap.String("id", in.ID), zap.String("type", in.Type), zap.Error(err))
			continue
		}
		if resp == nil {
			continue
		}
		for _, r := range h.responses(*resp) {
			out = append(out, propagate(in, r, c.name))
		}
	}
	return out
}

// Close says goodbye to the server and closes the connection. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		// The server may already be gone, or stopped reading
		_ = c.con.SetWriteDeadline(time.Now().Add(closeTimeout))
		if err := c.Send(protocol.Message{Type: protocol.Command.Disconnect.ID, ToRoom: protocol.CommandRoom}); err != nil {
			c.logger.Debug("disconnect not delivered", zap.Error(err))
		}
		c.closeErr = c.con.Close()
	})
	return c.closeErr
}
