package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hedgesys/hedge-gateway/internal/domain"
	"github.com/hedgesys/hedge-gateway/internal/infrastructure/metrics"
)

type ServerConfig struct {
	Host            string
	Port            int
	MaxPayloadBytes int64
	OutboundBuffer  int
	MessagesPerSec  float64
	MessageBurst    int
}

// Server accepts terminal websocket connections and runs each session's
// read loop. One goroutine per session; no session can block another.
type Server struct {
	cfg      ServerConfig
	log      *zap.Logger
	registry *Registry
	protocol *Protocol

	upgrader   websocket.Upgrader
	httpServer *http.Server
	startedAt  time.Time
	running    atomic.Bool

	messagesIn  atomic.Int64
	messagesOut atomic.Int64
	errorCount  atomic.Int64
}

func NewServer(cfg ServerConfig, registry *Registry, protocol *Protocol, log *zap.Logger) *Server {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = 64 * 1024
	}
	if cfg.MessagesPerSec <= 0 {
		cfg.MessagesPerSec = 200
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = 400
	}
	s := &Server{
		cfg:      cfg,
		log:      log,
		registry: registry,
		protocol: protocol,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Terminals connect directly, not from browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: mux,
	}
	return s
}

func (s *Server) Start() error {
	s.startedAt = time.Now().UTC()
	s.running.Store(true)
	s.log.Info("gateway listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.running.Store(false)
	s.registry.CloseAll("shutdown")
	return s.httpServer.Shutdown(ctx)
}

// Status is the gateway snapshot served by the ops endpoint.
func (s *Server) Status() domain.GatewayStatus {
	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}
	return domain.GatewayStatus{
		Running:          s.running.Load(),
		Host:             s.cfg.Host,
		Port:             s.cfg.Port,
		ConnectedClients: s.registry.Count(),
		MessagesReceived: s.messagesIn.Load(),
		MessagesSent:     s.messagesOut.Load(),
		Errors:           s.errorCount.Load(),
		UptimeSeconds:    uptime,
		StartedAt:        s.startedAt,
	}
}

// BroadcastHeartbeat pushes a heartbeat frame to every authenticated
// terminal. Called on the sweep interval from main.
func (s *Server) BroadcastHeartbeat() {
	sent := s.registry.Broadcast(heartbeatFrame())
	s.messagesOut.Add(int64(sent))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	sess := newSession(ws, s.log, s.cfg.OutboundBuffer, s.cfg.MessagesPerSec, s.cfg.MessageBurst)
	conn, err := s.registry.Register(sess)
	if err != nil {
		s.log.Warn("connection rejected", zap.Error(err))
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error())
		_ = ws.WriteControl(websocket.CloseMessage, msg, deadline)
		_ = ws.Close()
		return
	}

	go sess.writePump()
	s.readLoop(sess, conn)
	s.registry.Close(sess.ID, "connection closed")
}

func (s *Server) readLoop(sess *Session, conn *domain.Connection) {
	ws := sess.ws
	ws.SetReadLimit(s.cfg.MaxPayloadBytes)
	ws.SetPongHandler(func(string) error {
		s.registry.Heartbeat(sess.ID)
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !sess.Closed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("read failed", zap.String("connection", sess.ID), zap.Error(err))
			}
			return
		}
		if !sess.Allow() {
			// Flood guard: drop the frame, count it against the session.
			s.registry.RecordError(sess.ID)
			continue
		}

		s.messagesIn.Add(1)
		metrics.MessagesTotal.WithLabelValues("in").Inc()
		s.registry.Touch(sess.ID)

		ev, err := decodeEvent(data)
		if err != nil {
			s.errorCount.Add(1)
			s.registry.RecordError(sess.ID)
			sess.Enqueue(errorFrame(err.Error()))
			continue
		}

		switch {
		case ev.Type == domain.EventHeartbeat:
			s.registry.Heartbeat(sess.ID)
			sess.Enqueue(heartbeatAckFrame())

		case ev.Type == domain.EventInfo && !s.registry.IsAuthenticated(sess.ID):
			// First INFO is the auth handshake.
			if err := s.registry.Authenticate(sess.ID, ev.Info.Token, ev.Info.EA); err != nil {
				s.errorCount.Add(1)
				s.log.Warn("authentication rejected", zap.String("connection", sess.ID), zap.Error(err))
				sess.Enqueue(errorFrame("authentication failed"))
				continue
			}
			sess.Enqueue(authSuccessFrame(sess.ID))

		default:
			if !s.registry.IsAuthenticated(sess.ID) {
				s.registry.RecordError(sess.ID)
				sess.Enqueue(errorFrame("not authenticated"))
				continue
			}
			s.protocol.HandleEvent(sess.ID, ev)
		}
	}
}
