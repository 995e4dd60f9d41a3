package server

import (
	"fmt"

	"github.com/CiaranWoodward/roomhub/protocol"
	"go.uber.org/zap"
)

// Route a message to its room, its addressee and the logging room.
// Delivery is fire and forget: a failed recipient is dropped without affecting the others.
func (s *Server) broadcast(sender *serverClient, mesg protocol.Message, typ *protocol.MessageTypeSetting) {
	if mesg.SentBy == "" {
		if name, ok := s.reg.nameOf(sender); ok {
			mesg.SentBy = name
		}
	}

	// Always re-encoded, so the length header matches the stamped payload
	frame, err := s.codec.Encode(mesg)
	if err != nil {
		s.logger.Warn("cannot re-encode message", zap.Uint64("conn", sender.id), zap.String("type", typ.ID), zap.Error(err))
		return
	}

	if mesg.ToRoom != "" {
		recipients := s.reg.roomMembers(mesg.ToRoom, sender)
		s.logger.Debug("broadcast",
			zap.String("type", typ.ID), zap.String("from", mesg.SentBy),
			zap.String("room", mesg.ToRoom), zap.Int("recipients", len(recipients)))
		s.deliver(recipients, frame)
	}

	if mesg.To != "" {
		recipients := s.reg.named(mesg.To)
		s.logger.Debug("direct",
			zap.String("type", typ.ID), zap.String("from", mesg.SentBy),
			zap.String("to", mesg.To), zap.Int("recipients", len(recipients)))
		s.deliver(recipients, frame)
	}

	if s.logging.Load() && (typ == protocol.Data.Forward || typ == protocol.Data.Gradient) {
		s.shadow(sender, mesg)
	}
}

// Wrap the message in a LOG/MESSAGES envelope for every member of _logging
func (s *Server) shadow(sender *serverClient, mesg protocol.Message) {
	from := mesg.SentBy
	if from == "" {
		from = fmt.Sprintf("#%d", sender.id)
	}
	room := mesg.ToRoom
	if room == "" {
		room = "@" + mesg.To
	}
	logMsg := protocol.Message{
		ID:     protocol.NewID(),
		Type:   protocol.Log.Message.ID,
		ToRoom: protocol.LoggingRoom,
		Payload: protocol.Payload{
			protocol.FieldMessage: mesg.Fields(),
			protocol.FieldSender:  from,
			protocol.FieldRoom:    room,
		},
	}
	frame, err := s.codec.Encode(logMsg)
	if err != nil {
		s.logger.Warn("cannot encode log message", zap.String("id", mesg.ID), zap.Error(err))
		return
	}
	s.deliver(s.reg.roomMembers(protocol.LoggingRoom, nil), frame)
}

func (s *Server) deliver(recipients []*serverClient, frame []byte) {
	for _, rc := range recipients {
		if err := rc.send(frame, s.cfg.WriteTimeout); err != nil {
			s.logger.Warn("send failed, dropping recipient", zap.Uint64("conn", rc.id), zap.Error(err))
			// The recipient's own goroutine notices the close and cleans up
			rc.close()
		}
	}
}
