// Package protocol implements the binary frame format spoken by the
// OpenSpeech streaming endpoints (recognition and bidirectional synthesis).
//
// Every frame starts with a 4 byte header:
//
//	byte 0: [version:4][header size in 4 byte units:4]
//	byte 1: [message type:4][message type flags:4]
//	byte 2: [serialization:4][compression:4]
//	byte 3: reserved
//
// followed, depending on the flags, by a sequence number, an event block,
// an error code and finally a length-prefixed payload. All integers are
// big-endian.
package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	version1    = 0b0001
	headerUnits = 0b0001
	headerLen   = headerUnits * 4
)

// MessageType is the 4 bit message type of a frame.
type MessageType uint8

const (
	FullClientRequest       MessageType = 0b0001
	AudioOnlyRequest        MessageType = 0b0010
	FullServerResponse      MessageType = 0b1001
	AudioOnlyServerResponse MessageType = 0b1011
	ErrorResponse           MessageType = 0b1111
)

func (t MessageType) valid() bool {
	switch t {
	case FullClientRequest, AudioOnlyRequest, FullServerResponse, AudioOnlyServerResponse, ErrorResponse:
		return true
	}
	return false
}

func (t MessageType) String() string {
	switch t {
	case FullClientRequest:
		return "full_client_request"
	case AudioOnlyRequest:
		return "audio_only_request"
	case FullServerResponse:
		return "full_server_response"
	case AudioOnlyServerResponse:
		return "audio_only_server_response"
	case ErrorResponse:
		return "error"
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Flags are the 4 bit message type specific flags.
type Flags uint8

const (
	FlagNone Flags = 0
	// FlagSequence marks a frame carrying a sequence number.
	FlagSequence Flags = 0b0001
	// FlagLast marks the final frame of a stream.
	FlagLast Flags = 0b0010
	// FlagEvent marks a frame carrying an event and its id block.
	FlagEvent Flags = 0b0100
)

// Serialization describes how the payload is encoded.
type Serialization uint8

const (
	SerializationNone Serialization = 0
	SerializationJSON Serialization = 1
)

// Compression describes how the payload is compressed on the wire.
type Compression uint8

const (
	CompressionNone Compression = 0
	CompressionGzip Compression = 1
)

var (
	// ErrShortFrame is returned when a buffer ends before a field it declares.
	ErrShortFrame = errors.New("protocol: insufficient data")
	// ErrUnknownType is returned for message types outside the protocol.
	ErrUnknownType = errors.New("protocol: unknown message type")
	// ErrBadPayload is returned when the payload cannot be decompressed.
	ErrBadPayload = errors.New("protocol: malformed payload")
)

// Frame is one decoded protocol message. Payload always holds the
// uncompressed bytes.
type Frame struct {
	Type          MessageType
	Flags         Flags
	Serialization Serialization
	Compression   Compression

	Sequence  int32
	Event     Event
	SessionID string
	ConnectID string
	ErrorCode uint32

	Payload []byte
}

// Final reports whether the server marked this frame as the last one.
func (f *Frame) Final() bool {
	return f.Flags&FlagLast != 0
}

// HasEvent reports whether the frame carries an event block.
func (f *Frame) HasEvent() bool {
	return f.Flags&FlagEvent != 0
}

// UnmarshalPayload decodes a JSON payload into v.
func (f *Frame) UnmarshalPayload(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("protocol: empty payload")
	}
	return json.Unmarshal(f.Payload, v)
}

// Text returns the payload as a string.
func (f *Frame) Text() string {
	return string(f.Payload)
}

// Encode serializes f. The payload is compressed first when f.Compression
// asks for it, so the written length is always the on-wire length.
func Encode(f *Frame) ([]byte, error) {
	if !f.Type.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, f.Type)
	}

	payload := f.Payload
	switch f.Compression {
	case CompressionNone:
	case CompressionGzip:
		compressed, err := Compress(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to compress payload: %w", err)
		}
		payload = compressed
	default:
		return nil, fmt.Errorf("protocol: unsupported compression %d", f.Compression)
	}

	var buf bytes.Buffer
	buf.Grow(headerLen + 24 + len(f.SessionID) + len(f.ConnectID) + len(payload))
	buf.Write([]byte{
		version1<<4 | headerUnits,
		byte(f.Type)<<4 | byte(f.Flags&0x0f),
		byte(f.Serialization)<<4 | byte(f.Compression&0x0f),
		0x00,
	})

	if f.Flags&FlagSequence != 0 {
		writeUint32(&buf, uint32(f.Sequence))
	}
	if f.Flags&FlagEvent != 0 {
		writeUint32(&buf, uint32(f.Event))
		switch {
		case f.Event.carriesConnectID():
			writeString(&buf, f.ConnectID)
		case !f.Event.connectionScoped():
			writeString(&buf, f.SessionID)
		}
	}
	if f.Type == ErrorResponse {
		writeUint32(&buf, f.ErrorCode)
	}

	writeUint32(&buf, uint32(len(payload)))
	buf.Write(payload)
	return buf.Bytes(), nil
}

// Decode parses one frame. It never panics on malformed input; short
// buffers yield ErrShortFrame and unknown message types ErrUnknownType.
func Decode(b []byte) (*Frame, error) {
	if len(b) < headerLen {
		return nil, ErrShortFrame
	}
	size := int(b[0]&0x0f) * 4
	if size < headerLen {
		return nil, fmt.Errorf("%w: header size %d", ErrShortFrame, size)
	}
	if len(b) < size {
		return nil, ErrShortFrame
	}

	f := &Frame{
		Type:          MessageType(b[1] >> 4),
		Flags:         Flags(b[1] & 0x0f),
		Serialization: Serialization(b[2] >> 4),
		Compression:   Compression(b[2] & 0x0f),
	}
	if !f.Type.valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, f.Type)
	}

	r := reader{buf: b[size:]}
	if f.Flags&FlagSequence != 0 {
		f.Sequence = int32(r.uint32())
	}
	if f.Flags&FlagEvent != 0 {
		f.Event = Event(int32(r.uint32()))
		switch {
		case f.Event.carriesConnectID():
			f.ConnectID = r.string()
		case !f.Event.connectionScoped():
			f.SessionID = r.string()
		}
	}
	if f.Type == ErrorResponse {
		f.ErrorCode = r.uint32()
	}
	payload := r.bytes()
	if r.short {
		return nil, ErrShortFrame
	}

	switch f.Compression {
	case CompressionNone:
		f.Payload = payload
	case CompressionGzip:
		raw, err := Decompress(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		f.Payload = raw
	default:
		return nil, fmt.Errorf("%w: compression %d", ErrBadPayload, f.Compression)
	}
	return f, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUint32(buf, uint32(len(s)))
	buf.WriteString(s)
}

// reader consumes big-endian fields and latches short once any read runs
// past the end of the buffer.
type reader struct {
	buf   []byte
	short bool
}

func (r *reader) uint32() uint32 {
	if r.short || len(r.buf) < 4 {
		r.short = true
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf)
	r.buf = r.buf[4:]
	return v
}

func (r *reader) bytes() []byte {
	n := r.uint32()
	if r.short || uint64(len(r.buf)) < uint64(n) {
		r.short = true
		return nil
	}
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[:n])
	r.buf = r.buf[n:]
	return out
}

func (r *reader) string() string {
	return string(r.bytes())
}
