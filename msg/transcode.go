/*
Package msg implements the wire format of the room hub: a transcoder turning messages into payload
bytes, and a framing codec that prefixes each payload with a fixed width ASCII length header.
*/
package msg

import (
	"fmt"
	"strings"

	"github.com/CiaranWoodward/roomhub/protocol"
)

// The transcoder interface serializes/deserializes messages to byte arrays.
// This decouples the payload format from the framing and the transport.
type Transcoder interface {
	Encode(msgin protocol.Message) (msgout []byte, err error)
	Decode(msgin []byte) (msgout protocol.Message, err error)
}

// Transcoder names accepted by NewTranscoder
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// NewTranscoder returns the transcoder registered under name ("" selects json)
func NewTranscoder(name string) (Transcoder, error) {
	switch strings.ToLower(name) {
	case "", CodecJSON:
		return &JsonTranscoder{}, nil
	case CodecCBOR:
		return &CborTranscoder{}, nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}
