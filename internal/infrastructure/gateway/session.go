package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hedgesys/hedge-gateway/internal/infrastructure/metrics"
)

const sessionWriteTimeout = 10 * time.Second

// Session owns one websocket connection. All writes go through a bounded
// outbound buffer drained by writePump; when the buffer is full the oldest
// frame is evicted so a slow terminal can never block a publisher.
type Session struct {
	ID  string
	ws  *websocket.Conn
	log *zap.Logger

	limiter *rate.Limiter
	out     chan []byte

	closeOnce   sync.Once
	closed      chan struct{}
	closeReason string
}

func newSession(ws *websocket.Conn, log *zap.Logger, outboundBuffer int, msgsPerSec float64, burst int) *Session {
	if outboundBuffer <= 0 {
		outboundBuffer = 256
	}
	return &Session{
		ID:      uuid.NewString(),
		ws:      ws,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(msgsPerSec), burst),
		out:     make(chan []byte, outboundBuffer),
		closed:  make(chan struct{}),
	}
}

// Allow reports whether another inbound message fits the flood budget.
func (s *Session) Allow() bool {
	return s.limiter.Allow()
}

// Enqueue queues a frame for delivery. Returns false once the session is
// closed. Never blocks: on a full buffer the oldest queued frame is dropped.
func (s *Session) Enqueue(frame []byte) bool {
	for {
		select {
		case <-s.closed:
			return false
		case s.out <- frame:
			return true
		default:
		}

		select {
		case <-s.out:
			metrics.EventsDropped.WithLabelValues("outbound").Inc()
		default:
		}
	}
}

func (s *Session) writePump() {
	for {
		select {
		case <-s.closed:
			// Notify the remote, then hard close.
			deadline := time.Now().Add(sessionWriteTimeout)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, s.closeReason)
			_ = s.ws.WriteControl(websocket.CloseMessage, msg, deadline)
			_ = s.ws.Close()
			return
		case frame := <-s.out:
			_ = s.ws.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
			if err := s.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.log.Debug("session write failed", zap.String("session", s.ID), zap.Error(err))
				s.Close("write failed")
				return
			}
			metrics.MessagesTotal.WithLabelValues("out").Inc()
		}
	}
}

// Close initiates graceful teardown. Safe to call more than once.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.closeReason = reason
		close(s.closed)
	})
}

// Closed reports whether teardown has started.
func (s *Session) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
