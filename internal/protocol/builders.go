package protocol

// NewEventFrame builds a JSON full client request carrying event.
// sessionID is ignored for connection level events.
func NewEventFrame(event Event, sessionID string, payload []byte) *Frame {
	f := &Frame{
		Type:          FullClientRequest,
		Flags:         FlagEvent,
		Serialization: SerializationJSON,
		Compression:   CompressionNone,
		Event:         event,
		Payload:       payload,
	}
	if !event.connectionScoped() {
		f.SessionID = sessionID
	}
	return f
}

// NewSequencedRequest builds the gzip compressed JSON request that opens a
// recognition stream.
func NewSequencedRequest(seq int32, payload []byte) *Frame {
	return &Frame{
		Type:          FullClientRequest,
		Flags:         FlagSequence,
		Serialization: SerializationJSON,
		Compression:   CompressionGzip,
		Sequence:      seq,
		Payload:       payload,
	}
}

// NewAudioRequest builds a gzip compressed audio frame. A last frame
// carries the negated sequence number.
func NewAudioRequest(seq int32, audio []byte, last bool) *Frame {
	f := &Frame{
		Type:          AudioOnlyRequest,
		Flags:         FlagSequence,
		Serialization: SerializationNone,
		Compression:   CompressionGzip,
		Sequence:      seq,
		Payload:       audio,
	}
	if last {
		f.Flags |= FlagLast
		if seq > 0 {
			f.Sequence = -seq
		}
	}
	return f
}
