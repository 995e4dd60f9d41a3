package server

import (
	"net"
	"testing"
	"time"

	"github.com/CiaranWoodward/roomhub/msg"
	"github.com/CiaranWoodward/roomhub/protocol"
	"github.com/stretchr/testify/require"
)

const (
	waitTime  = 2 * time.Second
	quietTime = 100 * time.Millisecond
)

// Raw protocol peer on the far end of a net.Pipe, speaking frames directly
type testPeer struct {
	t     *testing.T
	con   net.Conn
	codec *msg.Codec
	rx    chan protocol.Message
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	s, err := NewServer(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func connectPeer(t *testing.T, s *Server) *testPeer {
	t.Helper()
	cli, ser := net.Pipe()
	s.AddClientByConnection(ser)
	return newTestPeer(t, cli)
}

func newTestPeer(t *testing.T, con net.Conn) *testPeer {
	t.Helper()
	codec, err := msg.NewCodec(msg.Options{})
	require.NoError(t, err)
	p := &testPeer{t: t, con: con, codec: codec, rx: make(chan protocol.Message, 64)}

	// Forever receive everything the server sends, until the pipe closes
	go func() {
		defer close(p.rx)
		sd := codec.NewStreamDecoder(con)
		for {
			m, err := sd.DecodeNext()
			if err != nil {
				return
			}
			p.rx <- m
		}
	}()
	t.Cleanup(func() { con.Close() })
	return p
}

func (p *testPeer) send(m protocol.Message) {
	p.t.Helper()
	require.NoError(p.t, p.write(m))
}

// Safe to call off the test goroutine
func (p *testPeer) write(m protocol.Message) error {
	if m.ID == "" {
		m.ID = protocol.NewID()
	}
	frame, err := p.codec.Encode(m)
	if err != nil {
		return err
	}
	_, err = p.con.Write(frame)
	return err
}

func (p *testPeer) register(name string) {
	p.send(protocol.Message{Type: protocol.Command.Register.ID, ToRoom: protocol.CommandRoom, Payload: protocol.Payload{protocol.FieldName: name}})
}

func (p *testPeer) join(room string) {
	p.send(protocol.Message{Type: protocol.Command.JoinRoom.ID, ToRoom: protocol.CommandRoom, Payload: protocol.Payload{protocol.FieldRoom: room}})
}

func (p *testPeer) leave(room string) {
	p.send(protocol.Message{Type: protocol.Command.LeaveRoom.ID, ToRoom: protocol.CommandRoom, Payload: protocol.Payload{protocol.FieldRoom: room}})
}

func (p *testPeer) expect() protocol.Message {
	p.t.Helper()
	select {
	case m, ok := <-p.rx:
		require.True(p.t, ok, "connection closed")
		return m
	case <-time.After(waitTime):
		p.t.Fatal("timed out waiting for a message")
	}
	return protocol.Message{}
}

func (p *testPeer) expectNone() {
	p.t.Helper()
	select {
	case m, ok := <-p.rx:
		if ok {
			p.t.Fatalf("unexpected message %v", m.Fields())
		}
	case <-time.After(quietTime):
	}
}

// Wait until the server closes the connection
func (p *testPeer) expectClosed() {
	p.t.Helper()
	deadline := time.After(waitTime)
	for {
		select {
		case _, ok := <-p.rx:
			if !ok {
				return
			}
		case <-deadline:
			p.t.Fatal("connection still open")
		}
	}
}

func roomSize(s *Server, room string) int {
	size, ok := s.Rooms()[room]
	if !ok {
		return -1
	}
	return size
}

func waitRoomSize(t *testing.T, s *Server, room string, size int) {
	t.Helper()
	require.Eventually(t, func() bool { return roomSize(s, room) == size }, waitTime, time.Millisecond,
		"room %s never reached size %d", room, size)
}

func waitClients(t *testing.T, s *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, clients := s.Stats()
		return clients == n
	}, waitTime, time.Millisecond, "never reached %d clients", n)
}

func waitName(t *testing.T, s *Server, name string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.reg.named(name)) == n }, waitTime, time.Millisecond,
		"%s never registered %d times", name, n)
}

func textTo(room, data string) protocol.Message {
	return protocol.Message{Type: protocol.Data.Text.ID, ToRoom: room, Payload: protocol.Payload{protocol.FieldData: data}}
}

func waitTimeout() <-chan time.Time {
	return time.After(waitTime)
}
