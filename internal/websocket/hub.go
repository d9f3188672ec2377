package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/CaoMeiYouRen/momei-speech/domain"
	"github.com/CaoMeiYouRen/momei-speech/domain/repositories"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024

	// Outbound queue length. A full queue stops pulling audio from the
	// provider until the peer catches up.
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 32 * 1024,
}

// Synthesizer starts a synthesis on behalf of a user
type Synthesizer interface {
	Synthesize(ctx context.Context, userID string, req *repositories.SynthesizeRequest) (repositories.AudioStream, error)
}

// Hub maintains the set of active clients
type Hub struct {
	// Registered clients.
	clients map[*Client]struct{}

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	quit     chan struct{}
	quitOnce sync.Once
	stopped  chan struct{}

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	synthesizer Synthesizer
	validator   *MessageValidator

	logger *zap.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(synthesizer Synthesizer, logger *zap.Logger) *Hub {
	return &Hub{
		clients:     make(map[*Client]struct{}),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		quit:        make(chan struct{}),
		stopped:     make(chan struct{}),
		synthesizer: synthesizer,
		validator:   NewMessageValidator(),
		logger:      logger,
	}
}

// Run starts the hub's main loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.stopped)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()
			h.logger.Info("Client registered", zap.String("userID", client.userID))

		case client := <-h.unregister:
			h.mu.Lock()
			delete(h.clients, client)
			h.mu.Unlock()
			client.close()
			h.logger.Info("Client unregistered", zap.String("userID", client.userID))

		case <-h.quit:
			h.mu.Lock()
			for client := range h.clients {
				client.close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Shutdown closes every client, which cancels their synthesis, and stops Run
func (h *Hub) Shutdown() {
	h.quitOnce.Do(func() {
		close(h.quit)
	})
	<-h.stopped
	h.logger.Info("WebSocket hub stopped")
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// WriteData is one outbound websocket message
type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData

	// ctx is cancelled when the client goes away
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	userID string
	logger *zap.Logger

	mu sync.Mutex
	// active is the in-flight synthesis, at most one per client
	active *synthesis
}

// synthesis is one request being streamed to the client
type synthesis struct {
	requestID string
	cancel    context.CancelFunc
	done      chan struct{}
}

// HandleWebSocket upgrades an authenticated request and serves the client
func HandleWebSocket(hub *Hub, c echo.Context, userID string, logger *zap.Logger) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan WriteData, sendBufferSize),
		ctx:    ctx,
		cancel: cancel,
		userID: userID,
		logger: logger.With(zap.String("userID", userID)),
	}

	select {
	case hub.register <- client:
	case <-hub.quit:
		cancel()
		conn.Close()
		return nil
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	return nil
}

// close cancels the client context, which ends the pumps and any synthesis
func (c *Client) close() {
	c.closeOnce.Do(c.cancel)
}

// readPump pumps messages from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.close()
		select {
		case c.hub.unregister <- c:
		case <-c.hub.quit:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			c.processMessage(message)
		default:
			c.logger.Warn("Ignoring non-text message", zap.Int("type", messageType))
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				c.close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}

		case <-c.ctx.Done():
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// enqueue blocks until the message is queued or ctx is done
func (c *Client) enqueue(ctx context.Context, messageType int, payload []byte) bool {
	select {
	case c.send <- WriteData{Type: messageType, Payload: payload}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Client) sendJSON(v interface{}) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return false
	}
	return c.enqueue(c.ctx, websocket.TextMessage, payload)
}

// processMessage processes incoming messages from the browser
func (c *Client) processMessage(message []byte) {
	msg, err := c.hub.validator.ValidateMessage(message)
	if err != nil {
		c.logger.Warn("Invalid message", zap.Error(err))
		c.sendJSON(CreateErrorMessage("", "invalid_message", err.Error(), ""))
		return
	}

	switch m := msg.(type) {
	case *SynthesizeMessage:
		c.startSynthesis(m)
	case *CancelMessage:
		c.cancelSynthesis(m.RequestID)
	case *PingMessage:
		c.sendJSON(CreatePongMessage(m.Data))
	}
}

// startSynthesis replaces any in-flight synthesis with a new one
func (c *Client) startSynthesis(msg *SynthesizeMessage) {
	c.cancelSynthesis("")

	ctx, cancel := context.WithCancel(c.ctx)
	s := &synthesis{
		requestID: msg.RequestID,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	c.mu.Lock()
	c.active = s
	c.mu.Unlock()

	go c.runSynthesis(ctx, s, msg)
}

// cancelSynthesis cancels the in-flight synthesis matching requestID, or
// any when requestID is empty, and waits for its speaking_end
func (c *Client) cancelSynthesis(requestID string) {
	c.mu.Lock()
	s := c.active
	if s == nil || (requestID != "" && s.requestID != requestID) {
		c.mu.Unlock()
		return
	}
	c.active = nil
	c.mu.Unlock()

	s.cancel()
	<-s.done
}

func (c *Client) runSynthesis(ctx context.Context, s *synthesis, msg *SynthesizeMessage) {
	defer close(s.done)
	defer s.cancel()
	defer func() {
		c.mu.Lock()
		if c.active == s {
			c.active = nil
		}
		c.mu.Unlock()
	}()

	logger := c.logger.With(zap.String("requestID", msg.RequestID))

	stream, err := c.hub.synthesizer.Synthesize(ctx, c.userID, &repositories.SynthesizeRequest{
		Text:       msg.Text,
		Voice:      msg.Voice,
		Format:     msg.Format,
		SampleRate: msg.SampleRate,
	})
	if err != nil {
		logger.Warn("Synthesis rejected", zap.Error(err))
		c.sendJSON(faultMessage(msg.RequestID, err))
		return
	}
	defer stream.Close()

	if !c.sendJSON(CreateSpeakingStartMessage(msg.RequestID, msg.Voice, msg.Format)) {
		return
	}

	chunks, audioBytes := 0, 0
	for {
		chunk, err := stream.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				logger.Info("Synthesis streamed",
					zap.Int("chunks", chunks),
					zap.Int("audioBytes", audioBytes))
				c.sendJSON(CreateSpeakingEndMessage(msg.RequestID, chunks, audioBytes, false))
			case ctx.Err() != nil:
				logger.Info("Synthesis cancelled", zap.Int("audioBytes", audioBytes))
				// the client itself may be gone; only report an explicit cancel
				if c.ctx.Err() == nil {
					c.sendJSON(CreateSpeakingEndMessage(msg.RequestID, chunks, audioBytes, true))
				}
			default:
				logger.Error("Synthesis failed", zap.Error(err))
				c.sendJSON(faultMessage(msg.RequestID, err))
			}
			return
		}

		if !c.enqueue(ctx, websocket.BinaryMessage, chunk) {
			if c.ctx.Err() == nil {
				c.sendJSON(CreateSpeakingEndMessage(msg.RequestID, chunks, audioBytes, true))
			}
			return
		}
		chunks++
		audioBytes += len(chunk)
	}
}

// faultMessage turns a synthesis failure into an error message
func faultMessage(requestID string, err error) *ErrorMessage {
	if se, ok := domain.AsSpeechError(err); ok {
		msg := CreateErrorMessage(requestID, string(se.Kind), se.Message, "")
		msg.FaultCode = se.Code
		return msg
	}
	return CreateErrorMessage(requestID, "internal_error", "synthesis failed", "")
}
