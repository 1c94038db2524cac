package gateway

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hedgesys/hedge-gateway/internal/domain"
	"github.com/hedgesys/hedge-gateway/internal/infrastructure/metrics"
)

// ReasonSuperseded marks a close caused by a newer authenticated connection
// taking over the account. OnClose observers treat it as routine churn, not
// a connection failure.
const ReasonSuperseded = "superseded"

type RegistryConfig struct {
	AuthToken      string
	MaxConnections int
	AuthGrace      time.Duration // unauthenticated sessions are force-closed after this
	ConnTimeout    time.Duration // heartbeat silence before the sweep removes a session
}

// Registry tracks one session per terminal. It owns authentication state,
// heartbeat timestamps and teardown; protocol and engine observe removals
// through OnClose.
type Registry struct {
	cfg RegistryConfig
	log *zap.Logger

	mu        sync.RWMutex
	conns     map[string]*registryEntry
	byAccount map[string]string // account -> connection id

	closeSubs []func(conn *domain.Connection, reason string)
	authSubs  []func(conn *domain.Connection)
}

type registryEntry struct {
	conn      *domain.Connection
	sess      *Session
	authTimer *time.Timer
}

func NewRegistry(cfg RegistryConfig, log *zap.Logger) *Registry {
	return &Registry{
		cfg:       cfg,
		log:       log,
		conns:     make(map[string]*registryEntry),
		byAccount: make(map[string]string),
	}
}

// OnClose registers a teardown observer. Must be called before Start; the
// callback runs outside registry locks.
func (r *Registry) OnClose(fn func(conn *domain.Connection, reason string)) {
	r.closeSubs = append(r.closeSubs, fn)
}

// OnAuthenticated registers an observer for sessions becoming usable.
func (r *Registry) OnAuthenticated(fn func(conn *domain.Connection)) {
	r.authSubs = append(r.authSubs, fn)
}

// Register admits a new session. Beyond capacity it fails with
// CapacityExceeded, or DuplicateConnection when the overflow looks like
// reconnect churn (an unauthenticated session already occupying a slot).
func (r *Registry) Register(sess *Session) (*domain.Connection, error) {
	r.mu.Lock()

	if len(r.conns) >= r.cfg.MaxConnections {
		unauthed := false
		for _, e := range r.conns {
			if !e.conn.Authenticated {
				unauthed = true
				break
			}
		}
		r.mu.Unlock()
		metrics.ConnectionsTotal.WithLabelValues("rejected").Inc()
		if unauthed {
			return nil, domain.ErrDuplicateConnection
		}
		return nil, domain.ErrCapacityExceeded
	}

	now := time.Now().UTC()
	conn := &domain.Connection{
		ID:            sess.ID,
		ConnectedAt:   now,
		LastHeartbeat: now,
		Alive:         true,
		Quality:       domain.QualityUnknown,
	}
	entry := &registryEntry{conn: conn, sess: sess}
	entry.authTimer = time.AfterFunc(r.cfg.AuthGrace, func() {
		r.closeIfUnauthenticated(sess.ID)
	})
	r.conns[sess.ID] = entry
	count := len(r.conns)
	r.mu.Unlock()

	metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()
	metrics.ActiveConnections.Set(float64(count))
	r.log.Info("terminal connected", zap.String("connection", sess.ID))
	return conn, nil
}

// Authenticate validates the shared token (exact match) and the terminal
// metadata, clears the registration timeout and marks the session usable.
// A later authenticated connection for the same account supersedes any
// earlier one.
func (r *Registry) Authenticate(connID, token string, ea domain.EAInfo) error {
	if token != r.cfg.AuthToken {
		r.RecordError(connID)
		return domain.ErrAuthenticationFailed
	}
	if ea.Account == "" {
		r.RecordError(connID)
		return domain.ErrAuthenticationFailed
	}

	r.mu.Lock()
	entry, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return domain.ErrNotConnected
	}
	entry.conn.Authenticated = true
	eaCopy := ea
	entry.conn.EA = &eaCopy
	if entry.authTimer != nil {
		entry.authTimer.Stop()
	}
	superseded := ""
	if prev, bound := r.byAccount[ea.Account]; bound && prev != connID {
		superseded = prev
	}
	r.byAccount[ea.Account] = connID
	conn := entry.conn
	r.mu.Unlock()

	if superseded != "" {
		r.log.Warn("superseding earlier connection for account",
			zap.String("account", ea.Account), zap.String("old", superseded), zap.String("new", connID))
		r.Close(superseded, ReasonSuperseded)
	}

	r.log.Info("terminal authenticated",
		zap.String("connection", connID),
		zap.String("account", ea.Account),
		zap.String("platform", ea.Platform),
		zap.String("version", ea.Version))

	for _, fn := range r.authSubs {
		fn(conn)
	}
	return nil
}

// Heartbeat refreshes liveness for a session.
func (r *Registry) Heartbeat(connID string) {
	r.mu.Lock()
	if e, ok := r.conns[connID]; ok {
		e.conn.LastHeartbeat = time.Now().UTC()
	}
	r.mu.Unlock()
}

// Touch records an inbound message. Any traffic counts as liveness.
func (r *Registry) Touch(connID string) {
	now := time.Now().UTC()
	r.mu.Lock()
	if e, ok := r.conns[connID]; ok {
		e.conn.MessageCount++
		e.conn.LastMessage = now
		e.conn.LastHeartbeat = now
	}
	r.mu.Unlock()
}

func (r *Registry) RecordError(connID string) {
	r.mu.Lock()
	if e, ok := r.conns[connID]; ok {
		e.conn.ErrorCount++
	}
	r.mu.Unlock()
}

// UpdateLatency stores a measured round-trip and reclassifies quality.
func (r *Registry) UpdateLatency(connID string, latency time.Duration) {
	r.mu.Lock()
	if e, ok := r.conns[connID]; ok {
		e.conn.Latency = latency
		e.conn.Quality = domain.QualityForLatency(latency)
	}
	r.mu.Unlock()
}

func (r *Registry) IsAuthenticated(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	return ok && e.conn.Authenticated
}

// Get returns a copy of the connection's state.
func (r *Registry) Get(connID string) (*domain.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	c := *e.conn
	return &c, true
}

func (r *Registry) SessionFor(connID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return nil, false
	}
	return e.sess, true
}

// ConnectionForAccount resolves the authenticated session currently bound
// to a brokerage account.
func (r *Registry) ConnectionForAccount(accountID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byAccount[accountID]
	return id, ok
}

// Connections returns copies of all registered connections.
func (r *Registry) Connections() []*domain.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Connection, 0, len(r.conns))
	for _, e := range r.conns {
		c := *e.conn
		out = append(out, &c)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Sweep closes every session whose last heartbeat is older than the
// configured timeout. Runs on a fixed interval from main.
func (r *Registry) Sweep() {
	cutoff := time.Now().UTC().Add(-r.cfg.ConnTimeout)

	r.mu.RLock()
	var expired []string
	for id, e := range r.conns {
		if e.conn.LastHeartbeat.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range expired {
		r.log.Warn("removing inactive terminal", zap.String("connection", id))
		r.Close(id, "heartbeat timeout")
	}
}

// Broadcast enqueues a frame on every authenticated session. Returns the
// number of sessions reached. Never blocks on a slow peer.
func (r *Registry) Broadcast(frame []byte) int {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.conns))
	for _, e := range r.conns {
		if e.conn.Authenticated {
			sessions = append(sessions, e.sess)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, s := range sessions {
		if s.Enqueue(frame) {
			sent++
		}
	}
	return sent
}

// Close removes a session and tears it down gracefully. Observers run after
// the registry state is updated, outside any lock.
func (r *Registry) Close(connID, reason string) {
	r.mu.Lock()
	entry, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	if acct := entry.conn.AccountID(); acct != "" && r.byAccount[acct] == connID {
		delete(r.byAccount, acct)
	}
	if entry.authTimer != nil {
		entry.authTimer.Stop()
	}
	entry.conn.Alive = false
	count := len(r.conns)
	conn := entry.conn
	sess := entry.sess
	r.mu.Unlock()

	metrics.ActiveConnections.Set(float64(count))
	sess.Close(reason)
	r.log.Info("terminal disconnected", zap.String("connection", connID), zap.String("reason", reason))

	for _, fn := range r.closeSubs {
		fn(conn, reason)
	}
}

// CloseAll tears down every session, used on shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Close(id, reason)
	}
}

func (r *Registry) closeIfUnauthenticated(connID string) {
	r.mu.RLock()
	e, ok := r.conns[connID]
	authed := ok && e.conn.Authenticated
	r.mu.RUnlock()

	if ok && !authed {
		r.log.Warn("closing unauthenticated terminal after grace period", zap.String("connection", connID))
		r.Close(connID, "authentication timeout")
	}
}
