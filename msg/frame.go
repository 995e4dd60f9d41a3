package msg

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/CiaranWoodward/roomhub/protocol"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

const DefaultHeaderLength = 10

var (
	// ErrTransportClosed is returned when the stream ends, or fails, on a frame boundary
	ErrTransportClosed = errors.New("transport closed")
	// ErrFrameDecode is returned for a malformed header or payload; the stream is unusable afterwards
	ErrFrameDecode = errors.New("frame decode error")
	// ErrFrameTooLarge is returned when a payload length does not fit in the header
	ErrFrameTooLarge = errors.New("frame too large")
)

// Options configures a Codec. All peers of a hub must agree on every field.
type Options struct {
	// Width of the ASCII decimal length header. Defaults to DefaultHeaderLength.
	HeaderLength int
	// IANA name of the character encoding of text payloads. Defaults to UTF-8.
	Encoding string
	// Transcoder name, "json" (default) or "cbor".
	Codec string
	// Largest payload accepted by a decoder. Zero means the header width is the only limit.
	MaxPayload int
}

// Codec frames messages as <length header><payload>
type Codec struct {
	headerLength int
	maxPayload   int
	transcoder   Transcoder
	// nil for UTF-8 and for binary transcoders
	charset encoding.Encoding
	// payloads are text and must be valid in the charset
	text bool
}

func NewCodec(opts Options) (*Codec, error) {
	if opts.HeaderLength == 0 {
		opts.HeaderLength = DefaultHeaderLength
	}
	if opts.HeaderLength < 1 {
		return nil, fmt.Errorf("invalid header length %d", opts.HeaderLength)
	}
	tc, err := NewTranscoder(opts.Codec)
	if err != nil {
		return nil, err
	}
	c := &Codec{headerLength: opts.HeaderLength, transcoder: tc}

	c.maxPayload = math.MaxInt32
	if opts.HeaderLength < 10 {
		c.maxPayload = int(math.Pow10(opts.HeaderLength)) - 1
	}
	if opts.MaxPayload > 0 && opts.MaxPayload < c.maxPayload {
		c.maxPayload = opts.MaxPayload
	}

	if _, binary := tc.(*CborTranscoder); !binary {
		c.text = true
		if c.charset, err = lookupCharset(opts.Encoding); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func lookupCharset(name string) (encoding.Encoding, error) {
	switch strings.ToLower(name) {
	case "", "utf-8", "utf8":
		return nil, nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("unknown encoding %q: %w", name, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("unsupported encoding %q", name)
	}
	return enc, nil
}

// Encode serializes m into a complete frame, ready to be written in one go
func (c *Codec) Encode(m protocol.Message) ([]byte, error) {
	payload, err := c.transcoder.Encode(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	if c.charset != nil {
		if payload, err = c.charset.NewEncoder().Bytes(payload); err != nil {
			return nil, fmt.Errorf("encode %s: %w", m.Type, err)
		}
	}
	header := strconv.Itoa(len(payload))
	if len(header) > c.headerLength || len(payload) > c.maxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	frame := make([]byte, 0, c.headerLength+len(payload))
	frame = append(frame, header...)
	for i := len(header); i < c.headerLength; i++ {
		frame = append(frame, ' ')
	}
	return append(frame, payload...), nil
}

// Need to be able to decode messages from stream
type StreamDecoder interface {
	// DecodeNext blocks until a whole frame is read.
	// Errors match ErrTransportClosed or ErrFrameDecode, which end the stream, or
	// protocol.ErrInvalidField for a well framed message that can be skipped.
	DecodeNext() (protocol.Message, error)
}

type streamDecoder struct {
	c      *Codec
	r      io.Reader
	header []byte
}

func (c *Codec) NewStreamDecoder(r io.Reader) StreamDecoder {
	return &streamDecoder{c: c, r: r, header: make([]byte, c.headerLength)}
}

func (sd *streamDecoder) DecodeNext() (msgout protocol.Message, err error) {
	if _, err = io.ReadFull(sd.r, sd.header); err != nil {
		switch {
		case err == io.EOF:
			err = ErrTransportClosed
		case err == io.ErrUnexpectedEOF:
			err = fmt.Errorf("%w: truncated header", ErrFrameDecode)
		default:
			err = fmt.Errorf("%w: %w", ErrTransportClosed, err)
		}
		return
	}

	n, perr := strconv.ParseUint(strings.TrimSpace(string(sd.header)), 10, 31)
	if perr != nil {
		err = fmt.Errorf("%w: bad header %q", ErrFrameDecode, sd.header)
		return
	}
	if int(n) > sd.c.maxPayload {
		err = fmt.Errorf("%w: %w: %d bytes", ErrFrameDecode, ErrFrameTooLarge, n)
		return
	}

	// ReadFull loops over short reads until the whole payload is in
	payload := make([]byte, n)
	if _, err = io.ReadFull(sd.r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			err = fmt.Errorf("%w: truncated payload", ErrFrameDecode)
		} else {
			err = fmt.Errorf("%w: %w", ErrTransportClosed, err)
		}
		return
	}

	switch {
	case sd.c.charset != nil:
		if payload, err = sd.c.charset.NewDecoder().Bytes(payload); err != nil {
			err = fmt.Errorf("%w: %w", ErrFrameDecode, err)
			return
		}
	case sd.c.text && !utf8.Valid(payload):
		err = fmt.Errorf("%w: invalid utf-8", ErrFrameDecode)
		return
	}
	if msgout, err = sd.c.transcoder.Decode(payload); err != nil && !errors.Is(err, protocol.ErrInvalidField) {
		err = fmt.Errorf("%w: %w", ErrFrameDecode, err)
	}
	return
}
