// Package wsconn owns the socket life-cycle shared by recognition and
// synthesis sessions: dial, ordered frame reads, serialized writes and a
// close that happens exactly once. What a session does with the frames is
// decided by its Handler.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/CaoMeiYouRen/momei-speech/domain"
	"github.com/CaoMeiYouRen/momei-speech/internal/metrics"
	"github.com/CaoMeiYouRen/momei-speech/internal/protocol"
)

const (
	// Time allowed to write a frame to the service.
	writeWait = 10 * time.Second

	// Time allowed for the websocket handshake.
	handshakeTimeout = 10 * time.Second

	// Maximum frame size accepted from the service.
	maxMessageSize = 16 * 1024 * 1024
)

// ErrIdleTimeout is reported to Handler.Closed when no frame arrived within
// the configured idle timeout.
var ErrIdleTimeout = errors.New("no frame received within idle timeout")

// ErrClosed is reported to Handler.Closed when the socket was closed from
// this side while a read was pending.
var ErrClosed = errors.New("connection closed locally")

// Handler is the completion policy of a session.
type Handler interface {
	// Open is called once after the connection is established.
	Open(c *Conn) error
	// Frame is called for every decoded frame in arrival order. Returning
	// done ends the session normally.
	Frame(c *Conn, f *protocol.Frame) (done bool, err error)
	// Closed is called when the socket ends before the handler reported
	// done. err is nil for a normal close from the peer.
	Closed(err error) error
}

// Options configure a connection.
type Options struct {
	Header http.Header
	// IdleTimeout bounds the wait for each inbound frame. Zero disables it.
	IdleTimeout time.Duration
	Logger      *zap.Logger
	Metrics     *metrics.Collector
}

// Conn is one websocket connection to the speech service.
type Conn struct {
	ws          *websocket.Conn
	idleTimeout time.Duration
	logger      *zap.Logger
	metrics     *metrics.Collector

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// Dial opens a connection to url. Dial failures are transport faults;
// a handshake rejected with 401 or 403 is a configuration fault.
func Dial(ctx context.Context, url string, opts Options) (*Conn, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			logger.Error("Speech service rejected handshake",
				zap.String("url", url),
				zap.Int("status", resp.StatusCode),
				zap.String("logID", resp.Header.Get("X-Tt-Logid")),
			)
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, domain.NewFault(domain.FaultConfiguration,
					fmt.Sprintf("handshake rejected with status %d", resp.StatusCode), err)
			}
			return nil, domain.NewFault(domain.FaultTransport,
				fmt.Sprintf("handshake failed with status %d", resp.StatusCode), err)
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, domain.NewFault(domain.FaultTimeout, "dial timed out", ctx.Err())
		}
		return nil, domain.NewFault(domain.FaultTransport, "dial failed", err)
	}
	ws.SetReadLimit(maxMessageSize)

	if resp != nil {
		logger.Debug("Connected to speech service",
			zap.String("url", url),
			zap.String("logID", resp.Header.Get("X-Tt-Logid")),
		)
	}

	return &Conn{
		ws:          ws,
		idleTimeout: opts.IdleTimeout,
		logger:      logger,
		metrics:     opts.Metrics,
		closed:      make(chan struct{}),
	}, nil
}

// Send encodes f and writes it as one binary message.
func (c *Conn) Send(f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return domain.NewFault(domain.FaultProtocol, "encode frame", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return domain.NewFault(domain.FaultTransport, "write frame", err)
	}
	c.metrics.RecordFrame("sent", f.Type.String())

	c.logger.Debug("Frame sent",
		zap.Stringer("type", f.Type),
		zap.Stringer("event", f.Event),
		zap.Int("payloadBytes", len(f.Payload)),
	)
	return nil
}

// Run drives h until it reports done, fails, the socket closes or ctx is
// cancelled. The connection is always closed when Run returns.
func (c *Conn) Run(ctx context.Context, h Handler) error {
	defer c.Close()

	stop := context.AfterFunc(ctx, func() {
		c.Close()
	})
	defer stop()

	if err := h.Open(c); err != nil {
		return err
	}

	for {
		if c.idleTimeout > 0 {
			c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))
		}

		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return h.Closed(c.readError(err))
		}

		f, err := protocol.Decode(data)
		if err != nil {
			c.metrics.RecordFrame("dropped", "unknown")
			c.logger.Debug("Ignoring undecodable frame",
				zap.Int("bytes", len(data)),
				zap.Error(err),
			)
			continue
		}
		c.metrics.RecordFrame("received", f.Type.String())

		done, err := h.Frame(c, f)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// readError maps a read failure to what the handler sees: nil for a normal
// close, ErrIdleTimeout for an expired read deadline and ErrClosed for a
// socket closed by Close.
func (c *Conn) readError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrIdleTimeout
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	return err
}

// Close sends a close message and releases the socket. Only the first call
// has an effect.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))

		err = c.ws.Close()
		close(c.closed)
		c.logger.Debug("Speech connection closed")
	})
	return err
}

// Done is closed once the connection has been released.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}
