package msg

import (
	"reflect"

	"github.com/CiaranWoodward/roomhub/protocol"
	"github.com/fxamacker/cbor/v2"
)

var (
	cborEncMode = mustEncMode(cbor.CanonicalEncOptions())
	// Nested maps decode as map[string]any, matching the json transcoder
	cborDecMode = mustDecMode(cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))})
)

func mustEncMode(opts cbor.EncOptions) cbor.EncMode {
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

func mustDecMode(opts cbor.DecOptions) cbor.DecMode {
	dm, err := opts.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}

// CBOR Implementation of the Transcoder interface.
// Binary payload, so the configured character encoding does not apply to it.
type CborTranscoder struct {
}

func (*CborTranscoder) Encode(msgin protocol.Message) (msgout []byte, err error) {
	return cborEncMode.Marshal(msgin.Fields())
}

func (*CborTranscoder) Decode(msgin []byte) (msgout protocol.Message, err error) {
	var fields map[string]any
	if err = cborDecMode.Unmarshal(msgin, &fields); err != nil {
		return
	}
	return protocol.FromFields(fields)
}
