package client

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/CiaranWoodward/roomhub/msg"
	"github.com/CiaranWoodward/roomhub/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

const waitTime = 2 * time.Second

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func nopLogger() *zap.Logger {
	return zap.NewNop()
}

// Fake server end of a pipe, collecting every frame the client writes
type fakeServer struct {
	t     *testing.T
	con   net.Conn
	codec *msg.Codec
	rx    chan protocol.Message
}

func newPair(t *testing.T, name string) (*Client, *fakeServer) {
	cli, ser := net.Pipe()
	c, err := NewClient(cli, DefaultConfig(name), nopLogger())
	require.NoError(t, err)

	codec, err := msg.NewCodec(msg.Options{})
	require.NoError(t, err)
	fs := &fakeServer{t: t, con: ser, codec: codec, rx: make(chan protocol.Message, 64)}
	go func() {
		defer close(fs.rx)
		dc := codec.NewStreamDecoder(ser)
		for {
			m, err := dc.DecodeNext()
			if err != nil {
				return
			}
			fs.rx <- m
		}
	}()
	t.Cleanup(func() {
		c.Close()
		ser.Close()
		// Drain so the reader goroutine is gone before leak checks
		for range fs.rx {
		}
	})
	return c, fs
}

func (fs *fakeServer) send(m protocol.Message) {
	frame, err := fs.codec.Encode(m)
	require.NoError(fs.t, err)
	_, err = fs.con.Write(frame)
	require.NoError(fs.t, err)
}

func (fs *fakeServer) expect() protocol.Message {
	select {
	case m, ok := <-fs.rx:
		require.True(fs.t, ok, "connection closed")
		return m
	case <-time.After(waitTime):
		require.FailNow(fs.t, "no message received")
	}
	return protocol.Message{}
}

func (fs *fakeServer) expectCommand(typ *protocol.MessageTypeSetting) protocol.Message {
	m := fs.expect()
	assert.Equal(fs.t, typ.ID, m.Type)
	assert.Equal(fs.t, protocol.CommandRoom, m.ToRoom)
	assert.Len(fs.t, m.ID, 32)
	return m
}

func TestNewClientConfig(t *testing.T) {
	cli, ser := net.Pipe()
	defer cli.Close()
	defer ser.Close()

	_, err := NewClient(cli, DefaultConfig(""), nil)
	assert.Error(t, err)

	cfg := DefaultConfig("x")
	cfg.Codec = "yaml"
	_, err = NewClient(cli, cfg, nil)
	assert.Error(t, err)

	c, err := NewClient(cli, DefaultConfig("x"), nil)
	require.NoError(t, err)
	assert.Equal(t, "x", c.Name())
}

func TestRegister(t *testing.T) {
	c, fs := newPair(t, "worker1")
	done := make(chan error, 1)
	go func() { done <- c.Register() }()

	reg := fs.expectCommand(protocol.Command.Register)
	assert.Equal(t, "worker1", reg.Value(protocol.FieldName))
	join := fs.expectCommand(protocol.Command.JoinRoom)
	assert.Equal(t, protocol.CommandRoom, join.Value(protocol.FieldRoom))

	require.NoError(t, <-done)
	assert.Equal(t, []string{protocol.CommandRoom}, c.Rooms())
}

func TestJoinLeaveIdempotent(t *testing.T) {
	c, fs := newPair(t, "a")
	go func() {
		c.JoinRoom("R")
		c.JoinRoom("R")
		c.LeaveRoom("S")
		c.LeaveRoom("R")
		c.LeaveRoom("R")
	}()

	join := fs.expectCommand(protocol.Command.JoinRoom)
	assert.Equal(t, "R", join.Value(protocol.FieldRoom))
	leave := fs.expectCommand(protocol.Command.LeaveRoom)
	assert.Equal(t, "R", leave.Value(protocol.FieldRoom))

	require.Eventually(t, func() bool { return len(c.Rooms()) == 0 }, waitTime, time.Millisecond)
	select {
	case m := <-fs.rx:
		assert.Failf(t, "unexpected message", "%v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendValidates(t *testing.T) {
	c, fs := newPair(t, "a")

	assert.ErrorIs(t, c.Send(protocol.Message{Type: "DATA/NOPE", ToRoom: "R"}), protocol.ErrUnknownMessageType)
	assert.ErrorIs(t, c.Send(protocol.Message{Type: protocol.Data.Text.ID, ToRoom: "R"}), protocol.ErrMissingRequiredField)

	go c.Send(protocol.Message{ID: "mine", Type: protocol.Data.Text.ID, To: "b", Payload: protocol.Payload{protocol.FieldData: "hi"}})
	m := fs.expect()
	assert.Equal(t, "mine", m.ID)
	assert.Equal(t, "b", m.To)
	assert.Equal(t, "hi", m.Value(protocol.FieldData))
}

func TestAddEventHandler(t *testing.T) {
	c, fs := newPair(t, "a")
	assert.Error(t, c.AddEventHandler(&EventHandler{}))

	done := make(chan error, 1)
	go func() {
		done <- c.AddEventHandler(&EventHandler{
			Handle:        echo,
			Trigger:       NewTrigger(types(protocol.Data.Forward), []string{"in"}, false),
			ResponseRooms: []string{"out"},
		})
	}()
	var rooms []any
	for i := 0; i < 2; i++ {
		rooms = append(rooms, fs.expectCommand(protocol.Command.JoinRoom).Value(protocol.FieldRoom))
	}
	require.NoError(t, <-done)
	assert.ElementsMatch(t, []any{"in", "out"}, rooms)
	assert.Equal(t, []string{"in", "out"}, c.Rooms())
}

func TestListenDispatch(t *testing.T) {
	c, fs := newPair(t, "worker")
	c.args = map[string]any{"lr": "0.1"}
	c.handlers = []*EventHandler{{
		Handle: func(in protocol.Message, args Args) (*protocol.Message, error) {
			return &protocol.Message{Payload: protocol.Payload{
				protocol.FieldData: []any{in.Value(protocol.FieldData), args["lr"]},
			}}, nil
		},
		Params:        []string{"lr"},
		Trigger:       NewTrigger(types(protocol.Data.Forward), []string{"fwd"}, false),
		ResponseType:  protocol.Data.Gradient,
		ResponseRooms: []string{"bwd"},
	}}

	done := make(chan error, 1)
	go func() { done <- c.Listen() }()

	// Ignored: wrong room, then missing DATA
	fs.send(protocol.Message{ID: "x", Type: protocol.Data.Forward.ID, ToRoom: "other", Payload: protocol.Payload{protocol.FieldData: "no"}})
	fs.send(protocol.Message{ID: "y", Type: protocol.Data.Forward.ID, ToRoom: "fwd"})
	fs.send(protocol.Message{
		ID: "z", Type: protocol.Data.Forward.ID, ToRoom: "fwd", RootID: "root", SentBy: "producer",
		ModelStatus: "TRAIN", Payload: protocol.Payload{protocol.FieldData: "act"},
	})

	out := fs.expect()
	assert.Equal(t, "DATA/GRADIENT", out.Type)
	assert.Equal(t, "bwd", out.ToRoom)
	assert.Equal(t, "root", out.RootID)
	assert.Equal(t, "TRAIN", out.ModelStatus)
	assert.Equal(t, "worker", out.SentBy)
	assert.Equal(t, []any{"act", "0.1"}, out.Value(protocol.FieldData))

	// Server goes away
	fs.con.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitTime):
		require.FailNow(t, "Listen did not return")
	}
}

func TestListenSkipsMistypedEnvelope(t *testing.T) {
	c, fs := newPair(t, "a")
	c.handlers = []*EventHandler{{
		Handle:        echo,
		Trigger:       NewTrigger(types(protocol.Data.Text), []string{"R"}, false),
		ResponseRooms: []string{"out"},
	}}
	done := make(chan error, 1)
	go func() { done <- c.Listen() }()

	bad := `{"TYPE":"DATA/TEXT","TO_ROOM":"R","ROOT_ID":[1],"DATA":"x"}`
	_, err := fs.con.Write([]byte(fmt.Sprintf("%-10d%s", len(bad), bad)))
	require.NoError(t, err)
	fs.send(protocol.Message{ID: "good", Type: protocol.Data.Text.ID, ToRoom: "R", Payload: protocol.Payload{protocol.FieldData: "y"}})

	out := fs.expect()
	assert.Equal(t, "out", out.ToRoom)
	assert.Equal(t, "y", out.Value(protocol.FieldData))

	fs.con.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitTime):
		require.FailNow(t, "Listen did not return")
	}
}

func TestListenProtocolError(t *testing.T) {
	c, fs := newPair(t, "a")
	done := make(chan error, 1)
	go func() { done <- c.Listen() }()

	_, err := fs.con.Write([]byte("not a len!"))
	require.NoError(t, err)

	// Goodbye before the connection drops
	fs.expectCommand(protocol.Command.Disconnect)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, msg.ErrFrameDecode)
	case <-time.After(waitTime):
		require.FailNow(t, "Listen did not return")
	}
	_, ok := <-fs.rx
	assert.False(t, ok)
}

func TestCloseOnce(t *testing.T) {
	c, fs := newPair(t, "a")
	go func() {
		c.Close()
		c.Close()
	}()
	fs.expectCommand(protocol.Command.Disconnect)
	_, ok := <-fs.rx
	assert.False(t, ok)
}
