package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hedgesys/hedge-gateway/internal/domain"
	"github.com/hedgesys/hedge-gateway/internal/infrastructure/metrics"
	"github.com/hedgesys/hedge-gateway/internal/retry"
)

type ProtocolConfig struct {
	CommandTimeout   time.Duration
	MaxRetries       int
	RetryBackoff     time.Duration
	SubscriberBuffer int
}

// InboundEvent pairs a decoded event with its originating session.
type InboundEvent struct {
	ConnectionID string
	Event        *domain.Event
}

// Protocol owns outbound commands until they reach a terminal status:
// it assigns ids, transmits, correlates terminal events back to pending
// commands, and retries on timeout. Uncorrelated events fan out to
// subscribers over bounded drop-oldest channels.
type Protocol struct {
	cfg      ProtocolConfig
	log      *zap.Logger
	registry *Registry

	mu         sync.Mutex
	pending    map[string]*pendingCommand // command id -> in flight
	byPosition map[string]string          // position id -> command id
	subs       []*subscriber
}

type pendingCommand struct {
	cmd    *domain.Command
	handle *domain.CommandHandle
	connID string
	acked  chan error // buffered; delivered at most once
	sentAt time.Time
}

type subscriber struct {
	name  string
	types map[domain.EventType]struct{}
	ch    chan InboundEvent
}

func NewProtocol(cfg ProtocolConfig, registry *Registry, log *zap.Logger) *Protocol {
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 256
	}
	p := &Protocol{
		cfg:        cfg,
		log:        log,
		registry:   registry,
		pending:    make(map[string]*pendingCommand),
		byPosition: make(map[string]string),
	}
	registry.OnClose(func(conn *domain.Connection, reason string) {
		p.failPendingForConnection(conn.ID)
	})
	return p
}

// Subscribe returns a channel of events of the given types. Delivery is
// drop-oldest: a subscriber that stops draining loses its oldest events,
// never the publisher's time.
func (p *Protocol) Subscribe(name string, types ...domain.EventType) <-chan InboundEvent {
	sub := &subscriber{
		name:  name,
		types: make(map[domain.EventType]struct{}, len(types)),
		ch:    make(chan InboundEvent, p.cfg.SubscriberBuffer),
	}
	for _, t := range types {
		sub.types[t] = struct{}{}
	}
	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()
	return sub.ch
}

// Send transmits a command to a terminal and returns its handle. The
// command id is assigned here and reused verbatim for every retransmission.
// Fails immediately with NotConnected when the session is not authenticated.
func (p *Protocol) Send(ctx context.Context, connID string, cmd *domain.Command) (*domain.CommandHandle, error) {
	if !p.registry.IsAuthenticated(connID) {
		return nil, domain.ErrNotConnected
	}

	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	cmd.ConnectionID = connID
	cmd.CreatedAt = time.Now().UTC()
	cmd.Status = domain.CommandPending
	if cmd.MaxRetries == 0 {
		cmd.MaxRetries = p.cfg.MaxRetries
	}
	if cmd.Type == domain.CommandPing {
		// Ping/pong measures liveness; it never consumes retry budget.
		cmd.MaxRetries = 0
	}

	frame, err := encodeCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}

	handle := domain.NewCommandHandle(cmd)
	pc := &pendingCommand{
		cmd:    cmd,
		handle: handle,
		connID: connID,
		acked:  make(chan error, 1),
	}

	p.mu.Lock()
	p.pending[cmd.ID] = pc
	if pos := cmd.Payload.PositionID; pos != "" {
		p.byPosition[pos] = cmd.ID
	}
	p.mu.Unlock()

	go p.runCommand(ctx, pc, frame)
	return handle, nil
}

// runCommand drives one command through transmit/await/retry until the
// handle settles. Exactly one settle happens on every path.
func (p *Protocol) runCommand(ctx context.Context, pc *pendingCommand, frame []byte) {
	cmd := pc.cmd
	settled := false
	var settledErr error
	first := true

	policy := retry.Policy{MaxAttempts: cmd.MaxRetries + 1, Backoff: p.cfg.RetryBackoff}
	err := policy.Do(ctx, func(ctx context.Context) error {
		if !first {
			p.mu.Lock()
			cmd.RetryCount++
			p.mu.Unlock()
			metrics.CommandRetries.Inc()
			p.log.Debug("retransmitting command",
				zap.String("command", cmd.ID),
				zap.Int("retry", cmd.RetryCount))
		}
		first = false

		sess, ok := p.registry.SessionFor(pc.connID)
		if !ok {
			settled = true
			settledErr = domain.CommandFailed("disconnected", domain.ErrNotConnected)
			return nil
		}
		cmd.Status = domain.CommandSent
		pc.sentAt = time.Now().UTC()
		sess.Enqueue(frame)

		timer := time.NewTimer(p.cfg.CommandTimeout)
		defer timer.Stop()
		select {
		case res := <-pc.acked:
			settled = true
			settledErr = res
			return nil
		case <-timer.C:
			return domain.ErrCommandTimeout
		case <-ctx.Done():
			settled = true
			settledErr = domain.CommandFailed("cancelled", ctx.Err())
			return nil
		}
	})

	p.forget(cmd)

	switch {
	case settled:
		if settledErr != nil {
			metrics.CommandFailures.WithLabelValues("terminal").Inc()
		}
		pc.handle.Settle(settledErr)
	case err != nil:
		metrics.CommandFailures.WithLabelValues("timeout").Inc()
		pc.handle.Settle(domain.CommandFailed("timeout", domain.ErrCommandTimeout))
	default:
		pc.handle.Settle(nil)
	}
}

func (p *Protocol) forget(cmd *domain.Command) {
	p.mu.Lock()
	delete(p.pending, cmd.ID)
	if pos := cmd.Payload.PositionID; pos != "" && p.byPosition[pos] == cmd.ID {
		delete(p.byPosition, pos)
	}
	p.mu.Unlock()
}

// HandleEvent routes one decoded inbound event: correlated events resolve
// their pending command, position events additionally fan out to
// subscribers so state consumers never miss a lifecycle change.
func (p *Protocol) HandleEvent(connID string, ev *domain.Event) {
	switch ev.Type {
	case domain.EventPong:
		p.handlePong(connID, ev)
		return
	case domain.EventUnknown:
		p.log.Warn("unknown event type", zap.String("connection", connID), zap.String("type", ev.RawType))
		p.registry.RecordError(connID)
		return
	}

	if pc := p.correlate(ev); pc != nil {
		var res error
		if ev.Type == domain.EventError {
			reason := ev.Error.ErrorCode
			if reason == "" {
				reason = "terminal error"
			}
			res = domain.CommandFailed(reason, fmt.Errorf("%s", ev.Error.Message))
		}
		p.deliverAck(pc, res)
		if ev.Type == domain.EventError {
			// The error was consumed by its command; nothing else to route.
			return
		}
	}

	p.publish(connID, ev)
}

// correlate matches an event to a pending command by action id first, then
// by position for lifecycle events.
func (p *Protocol) correlate(ev *domain.Event) *pendingCommand {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ev.ActionID != "" {
		if pc, ok := p.pending[ev.ActionID]; ok {
			return pc
		}
	}
	if ev.PositionID == "" {
		return nil
	}
	switch ev.Type {
	case domain.EventOpened, domain.EventClosed, domain.EventStopped, domain.EventError:
		if id, ok := p.byPosition[ev.PositionID]; ok {
			return p.pending[id]
		}
	}
	return nil
}

func (p *Protocol) deliverAck(pc *pendingCommand, res error) {
	select {
	case pc.acked <- res:
	default:
		// Already delivered; duplicate acknowledgment.
	}
}

func (p *Protocol) handlePong(connID string, ev *domain.Event) {
	p.registry.Heartbeat(connID)

	p.mu.Lock()
	var ping *pendingCommand
	for _, pc := range p.pending {
		if pc.connID == connID && pc.cmd.Type == domain.CommandPing {
			ping = pc
			break
		}
	}
	p.mu.Unlock()

	if ping != nil {
		if !ping.sentAt.IsZero() {
			p.registry.UpdateLatency(connID, time.Since(ping.sentAt))
		}
		p.deliverAck(ping, nil)
	}
}

func (p *Protocol) publish(connID string, ev *domain.Event) {
	p.mu.Lock()
	subs := make([]*subscriber, len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()

	ie := InboundEvent{ConnectionID: connID, Event: ev}
	for _, sub := range subs {
		if _, want := sub.types[ev.Type]; !want {
			continue
		}
		for {
			select {
			case sub.ch <- ie:
			default:
				// Evict the oldest queued event and try once more.
				select {
				case <-sub.ch:
					metrics.EventsDropped.WithLabelValues(sub.name).Inc()
					continue
				default:
				}
			}
			break
		}
	}
}

// PingAll sends one PING to every authenticated session. Pong replies
// update connection latency and quality; unanswered pings settle through
// the normal timeout path without consuming retry budget. Runs on a fixed
// interval from main.
func (p *Protocol) PingAll(ctx context.Context) {
	for _, conn := range p.registry.Connections() {
		if !conn.Authenticated {
			continue
		}
		if _, err := p.Send(ctx, conn.ID, &domain.Command{Type: domain.CommandPing}); err != nil {
			p.log.Debug("ping not sent", zap.String("connection", conn.ID), zap.Error(err))
		}
	}
}

// ConnectionForAccount exposes account routing to the trailing engine.
func (p *Protocol) ConnectionForAccount(accountID string) (string, bool) {
	return p.registry.ConnectionForAccount(accountID)
}

// failPendingForConnection settles every in-flight command for a closed
// connection as CommandFailed(disconnected), within the same teardown.
func (p *Protocol) failPendingForConnection(connID string) {
	p.mu.Lock()
	var doomed []*pendingCommand
	for _, pc := range p.pending {
		if pc.connID == connID {
			doomed = append(doomed, pc)
		}
	}
	p.mu.Unlock()

	for _, pc := range doomed {
		metrics.CommandFailures.WithLabelValues("disconnected").Inc()
		p.deliverAck(pc, domain.CommandFailed("disconnected", domain.ErrNotConnected))
	}
}

// PendingCount is used by tests and the ops status endpoint.
func (p *Protocol) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
