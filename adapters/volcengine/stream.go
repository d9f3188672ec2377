package volcengine

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/CaoMeiYouRen/momei-speech/domain/repositories"
)

// ErrStreamClosed is returned by Next and Read after Close was called
var ErrStreamClosed = errors.New("audio stream closed")

// audioStream hands synthesized chunks from the socket read loop to a
// single consumer. The hand-off channel is unbuffered, so the read loop does
// not pull further frames off the socket until the consumer asks for more.
type audioStream struct {
	chunks chan []byte
	// ended is closed by the producer after err is set
	ended chan struct{}
	err   error

	// closed is closed by the consumer to cancel the session
	closed    chan struct{}
	closeOnce sync.Once

	pending []byte
}

var _ repositories.AudioStream = (*audioStream)(nil)

func newAudioStream() *audioStream {
	return &audioStream{
		chunks: make(chan []byte),
		ended:  make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// deliver blocks until the consumer takes chunk, cancels the stream or ctx
// is done
func (s *audioStream) deliver(ctx context.Context, chunk []byte) error {
	select {
	case s.chunks <- chunk:
		return nil
	case <-s.closed:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish ends the stream. err nil means clean completion. Only the
// producer calls finish, exactly once.
func (s *audioStream) finish(err error) {
	s.err = err
	close(s.ended)
}

// Next returns the next audio chunk. It returns io.EOF after a clean end
// and the session fault otherwise.
func (s *audioStream) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-s.closed:
		return nil, ErrStreamClosed
	default:
	}

	select {
	case chunk := <-s.chunks:
		return chunk, nil
	case <-s.ended:
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	case <-s.closed:
		return nil, ErrStreamClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Read implements io.Reader on top of Next
func (s *audioStream) Read(p []byte) (int, error) {
	for len(s.pending) == 0 {
		chunk, err := s.Next(context.Background())
		if err != nil {
			return 0, err
		}
		s.pending = chunk
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// Close cancels the synthesis. It never fails and may be called repeatedly.
func (s *audioStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	return nil
}

func (s *audioStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// finished is closed when the producer has finished, for whatever reason
func (s *audioStream) finished() <-chan struct{} {
	return s.ended
}

// result returns the error the producer finished with. Only valid after
// finished is closed.
func (s *audioStream) result() error {
	select {
	case <-s.ended:
		return s.err
	default:
		return nil
	}
}
