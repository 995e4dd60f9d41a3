package msg

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/CiaranWoodward/roomhub/protocol"
)

// JSON Implementation of the Transcoder interface.
// Numbers are decoded as json.Number so they are passed on exactly as received.
type JsonTranscoder struct {
}

func (*JsonTranscoder) Encode(msgin protocol.Message) (msgout []byte, err error) {
	return json.Marshal(msgin.Fields())
}

func (*JsonTranscoder) Decode(msgin []byte) (msgout protocol.Message, err error) {
	dec := json.NewDecoder(bytes.NewReader(msgin))
	dec.UseNumber()
	var fields map[string]any
	if err = dec.Decode(&fields); err != nil {
		return
	}
	if fields == nil {
		err = errors.New("payload is not an object")
		return
	}
	if _, extra := dec.Token(); extra != io.EOF {
		err = errors.New("trailing data after object")
		return
	}
	return protocol.FromFields(fields)
}
