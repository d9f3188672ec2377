package volcengine

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"

	"github.com/CaoMeiYouRen/momei-speech/internal/protocol"
)

// mockServer plays the speech service side of one or more connections
type mockServer struct {
	url string

	mu      sync.Mutex
	headers []http.Header
	// received holds every client frame in arrival order
	received []*protocol.Frame

	connections atomic.Int32
	// closeFrames counts close messages received from clients
	closeFrames atomic.Int32
	finished    chan struct{}
}

// mockPeer is the server end of one connection
type mockPeer struct {
	t      *testing.T
	ws     *websocket.Conn
	server *mockServer
}

func newMockServer(t *testing.T, script func(p *mockPeer)) *mockServer {
	t.Helper()

	m := &mockServer{finished: make(chan struct{}, 16)}
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		m.connections.Add(1)
		m.mu.Lock()
		m.headers = append(m.headers, r.Header.Clone())
		m.mu.Unlock()

		ws.SetCloseHandler(func(code int, text string) error {
			m.closeFrames.Add(1)
			return nil
		})

		script(&mockPeer{t: t, ws: ws, server: m})
		m.finished <- struct{}{}
	}))
	t.Cleanup(srv.Close)

	m.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return m
}

func (m *mockServer) config(t *testing.T) Config {
	return Config{
		AppID:       "test-app",
		AccessKey:   "test-key",
		ASREndpoint: m.url,
		TTSEndpoint: m.url,
		ASRTimeout:  5 * time.Second,
	}
}

func (m *mockServer) frames() []*protocol.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*protocol.Frame, len(m.received))
	copy(out, m.received)
	return out
}

func (m *mockServer) header(i int) http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= len(m.headers) {
		return nil
	}
	return m.headers[i]
}

// waitFinished blocks until a connection script returned
func (m *mockServer) waitFinished(t *testing.T) {
	t.Helper()
	select {
	case <-m.finished:
	case <-time.After(5 * time.Second):
		t.Fatal("mock server script did not finish")
	}
}

// read returns the next client frame, or nil once the client went away
func (p *mockPeer) read() *protocol.Frame {
	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			return nil
		}
		f, err := protocol.Decode(data)
		if err != nil {
			p.t.Errorf("client sent undecodable frame: %v", err)
			continue
		}
		p.server.mu.Lock()
		p.server.received = append(p.server.received, f)
		p.server.mu.Unlock()
		return f
	}
}

// expect reads the next client frame and checks its event
func (p *mockPeer) expect(event protocol.Event) *protocol.Frame {
	f := p.read()
	if f == nil {
		p.t.Errorf("expected event %s, client closed", event)
		return nil
	}
	if f.Event != event {
		p.t.Errorf("expected event %s, got %s", event, f.Event)
	}
	return f
}

// drain reads until the client closes the connection
func (p *mockPeer) drain() {
	for p.read() != nil {
	}
}

func (p *mockPeer) write(f *protocol.Frame) {
	data, err := protocol.Encode(f)
	if err != nil {
		p.t.Errorf("encode: %v", err)
		return
	}
	_ = p.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (p *mockPeer) sendEvent(event protocol.Event, sessionID string, payload any) {
	var body []byte
	if payload != nil {
		body, _ = json.Marshal(payload)
	}
	p.write(&protocol.Frame{
		Type:          protocol.FullServerResponse,
		Flags:         protocol.FlagEvent,
		Serialization: protocol.SerializationJSON,
		Event:         event,
		SessionID:     sessionID,
		ConnectID:     "connect-1",
		Payload:       body,
	})
}

func (p *mockPeer) sendAudio(sessionID string, chunk []byte) {
	p.write(&protocol.Frame{
		Type:      protocol.AudioOnlyServerResponse,
		Flags:     protocol.FlagEvent,
		Event:     protocol.EventTTSResponse,
		SessionID: sessionID,
		Payload:   chunk,
	})
}

// sendResult writes a gzip compressed recognition response
func (p *mockPeer) sendResult(seq int32, payload string, final bool) {
	f := &protocol.Frame{
		Type:          protocol.FullServerResponse,
		Flags:         protocol.FlagSequence,
		Serialization: protocol.SerializationJSON,
		Compression:   protocol.CompressionGzip,
		Sequence:      seq,
		Payload:       []byte(payload),
	}
	if final {
		f.Flags |= protocol.FlagLast
		f.Sequence = -seq
	}
	p.write(f)
}

func (p *mockPeer) sendError(code uint32, message string) {
	p.write(&protocol.Frame{
		Type:          protocol.ErrorResponse,
		Serialization: protocol.SerializationJSON,
		ErrorCode:     code,
		Payload:       []byte(message),
	})
}

func (p *mockPeer) closeNormally() {
	_ = p.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func newTestASR(t *testing.T, cfg Config) *ASR {
	return NewASR(cfg, zaptest.NewLogger(t), nil)
}

func newTestTTS(t *testing.T, cfg Config) *TTS {
	return NewTTS(cfg, zaptest.NewLogger(t), nil)
}
