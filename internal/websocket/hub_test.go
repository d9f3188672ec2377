package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/CaoMeiYouRen/momei-speech/domain"
	"github.com/CaoMeiYouRen/momei-speech/domain/repositories"
)

var errFakeClosed = errors.New("fake stream closed")

// fakeStream yields whatever the test pushes into chunks
type fakeStream struct {
	chunks    chan []byte
	fault     error
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		chunks: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) Next(ctx context.Context) ([]byte, error) {
	select {
	case chunk, ok := <-s.chunks:
		if !ok {
			if s.fault != nil {
				return nil, s.fault
			}
			return nil, io.EOF
		}
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, errFakeClosed
	}
}

func (s *fakeStream) Read(p []byte) (int, error) { return 0, io.EOF }

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-s.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("stream was not closed")
	}
}

type fakeSynthesizer struct {
	mu       sync.Mutex
	streams  []*fakeStream
	err      error
	requests []*repositories.SynthesizeRequest
	users    []string
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, userID string, req *repositories.SynthesizeRequest) (repositories.AudioStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)
	f.users = append(f.users, userID)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.streams) == 0 {
		return nil, errors.New("no stream prepared")
	}
	s := f.streams[0]
	f.streams = f.streams[1:]
	return s, nil
}

func setupTestHub(t *testing.T, synth Synthesizer) (*Hub, string) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	hub := NewHub(synth, logger)
	go hub.Run()

	e := echo.New()
	e.GET("/ws", func(c echo.Context) error {
		return HandleWebSocket(hub, c, "user-1", logger)
	})
	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

// readText reads the next message, which must be JSON
func readText(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, messageType, "expected text message")

	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func readBinary(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, messageType, "expected binary message")
	return data
}

func synthesizeMsg(requestID, text string) map[string]interface{} {
	return map[string]interface{}{
		"type":       "synthesize",
		"request_id": requestID,
		"text":       text,
		"voice":      "v1",
		"format":     "mp3",
	}
}

func TestHub_StreamsSynthesis(t *testing.T) {
	stream := newFakeStream()
	synth := &fakeSynthesizer{streams: []*fakeStream{stream}}
	_, url := setupTestHub(t, synth)
	conn := dial(t, url)

	stream.chunks <- make([]byte, 1024)
	stream.chunks <- make([]byte, 1024)
	close(stream.chunks)

	send(t, conn, synthesizeMsg("r1", "你好"))

	start := readText(t, conn)
	assert.Equal(t, "speaking_start", start["type"])
	assert.Equal(t, "r1", start["request_id"])
	assert.Equal(t, "v1", start["voice"])

	assert.Len(t, readBinary(t, conn), 1024)
	assert.Len(t, readBinary(t, conn), 1024)

	end := readText(t, conn)
	assert.Equal(t, "speaking_end", end["type"])
	assert.Equal(t, float64(2), end["chunks"])
	assert.Equal(t, float64(2048), end["audio_bytes"])
	assert.Nil(t, end["cancelled"])

	stream.waitClosed(t)

	synth.mu.Lock()
	defer synth.mu.Unlock()
	require.Len(t, synth.requests, 1)
	assert.Equal(t, "你好", synth.requests[0].Text)
	assert.Equal(t, "mp3", synth.requests[0].Format)
	assert.Equal(t, "user-1", synth.users[0])
}

func TestHub_RejectedSynthesis(t *testing.T) {
	synth := &fakeSynthesizer{err: domain.NewFault(domain.FaultQuota, "daily tts quota exceeded", nil)}
	_, url := setupTestHub(t, synth)
	conn := dial(t, url)

	send(t, conn, synthesizeMsg("r1", "hello"))

	msg := readText(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "quota", msg["error_code"])
	assert.Equal(t, "r1", msg["request_id"])
}

func TestHub_FaultMidStream(t *testing.T) {
	stream := newFakeStream()
	stream.fault = domain.NewServerFault(45000000, "quota exceeded for speaker")
	_, url := setupTestHub(t, &fakeSynthesizer{streams: []*fakeStream{stream}})
	conn := dial(t, url)

	stream.chunks <- []byte{1, 2, 3}
	close(stream.chunks)

	send(t, conn, synthesizeMsg("r1", "hello"))

	assert.Equal(t, "speaking_start", readText(t, conn)["type"])
	assert.Equal(t, []byte{1, 2, 3}, readBinary(t, conn))

	msg := readText(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "server", msg["error_code"])
	assert.Equal(t, float64(45000000), msg["fault_code"])
}

func TestHub_CancelMessage(t *testing.T) {
	stream := newFakeStream()
	_, url := setupTestHub(t, &fakeSynthesizer{streams: []*fakeStream{stream}})
	conn := dial(t, url)

	stream.chunks <- make([]byte, 10)
	send(t, conn, synthesizeMsg("r1", "hello"))

	assert.Equal(t, "speaking_start", readText(t, conn)["type"])
	readBinary(t, conn)

	send(t, conn, map[string]interface{}{"type": "cancel", "request_id": "r1"})

	end := readText(t, conn)
	assert.Equal(t, "speaking_end", end["type"])
	assert.Equal(t, true, end["cancelled"])
	assert.Equal(t, float64(10), end["audio_bytes"])

	stream.waitClosed(t)
}

func TestHub_CancelOtherRequestIsIgnored(t *testing.T) {
	stream := newFakeStream()
	_, url := setupTestHub(t, &fakeSynthesizer{streams: []*fakeStream{stream}})
	conn := dial(t, url)

	send(t, conn, synthesizeMsg("r1", "hello"))
	assert.Equal(t, "speaking_start", readText(t, conn)["type"])

	send(t, conn, map[string]interface{}{"type": "cancel", "request_id": "other"})
	send(t, conn, map[string]interface{}{"type": "ping", "data": "still here"})

	pong := readText(t, conn)
	assert.Equal(t, "pong", pong["type"])

	select {
	case <-stream.closed:
		t.Fatal("stream of r1 must stay open")
	default:
	}
}

func TestHub_NewRequestReplacesActive(t *testing.T) {
	first, second := newFakeStream(), newFakeStream()
	_, url := setupTestHub(t, &fakeSynthesizer{streams: []*fakeStream{first, second}})
	conn := dial(t, url)

	send(t, conn, synthesizeMsg("r1", "first"))
	assert.Equal(t, "speaking_start", readText(t, conn)["type"])

	close(second.chunks)
	send(t, conn, synthesizeMsg("r2", "second"))

	end := readText(t, conn)
	assert.Equal(t, "speaking_end", end["type"])
	assert.Equal(t, "r1", end["request_id"])
	assert.Equal(t, true, end["cancelled"])
	first.waitClosed(t)

	start := readText(t, conn)
	assert.Equal(t, "speaking_start", start["type"])
	assert.Equal(t, "r2", start["request_id"])
	assert.Equal(t, "speaking_end", readText(t, conn)["type"])
}

func TestHub_DisconnectCancelsSynthesis(t *testing.T) {
	stream := newFakeStream()
	hub, url := setupTestHub(t, &fakeSynthesizer{streams: []*fakeStream{stream}})
	conn := dial(t, url)

	stream.chunks <- make([]byte, 10)
	send(t, conn, synthesizeMsg("r1", "hello"))
	assert.Equal(t, "speaking_start", readText(t, conn)["type"])
	readBinary(t, conn)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()

	stream.waitClosed(t)
	assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_InvalidMessageAndPing(t *testing.T) {
	_, url := setupTestHub(t, &fakeSynthesizer{})
	conn := dial(t, url)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"synthesize","request_id":"r1"}`)))
	msg := readText(t, conn)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "invalid_message", msg["error_code"])

	send(t, conn, map[string]interface{}{"type": "ping", "data": "abc"})
	pong := readText(t, conn)
	assert.Equal(t, "pong", pong["type"])
	assert.Equal(t, "abc", pong["data"])
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	hub, url := setupTestHub(t, &fakeSynthesizer{})
	conn := dial(t, url)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.Shutdown()
	hub.Shutdown()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error %v", err)
	assert.Equal(t, 0, hub.ClientCount())
}
