package usecase

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

type EngineConfig struct {
	CheckInterval     time.Duration // minimum spacing between stop evaluations per position
	WatchdogTimeout   time.Duration // max time a monitor may sit in EXECUTING
	MaxSnapshots      int           // rollback history per position, oldest evicted
	MaxPositionErrors int           // consecutive failures before FAILED
}

// Failure is what the engine hands to the recovery subsystem.
type Failure struct {
	Err        error
	Class      domain.FailureClass
	Severity   domain.Severity
	PositionID string
	AccountID  string
	Context    string
}

// FailureSink receives failures for classification and recovery.
type FailureSink interface {
	ReportFailure(ctx context.Context, f Failure)
}

// TrailEngine runs one monitor per trailed position. Each monitor is a
// small state machine (INACTIVE/ACTIVE/EXECUTING/COMPLETED/FAILED) whose
// mutations are serialized by the monitor's own mutex; price updates for
// different positions proceed in parallel.
type TrailEngine struct {
	cfg       EngineConfig
	log       *zap.Logger
	conduit   domain.CommandConduit
	positions domain.PositionRepository
	archive   domain.TrailArchive
	calc      *TrailCalculator
	failures  FailureSink

	mu        sync.RWMutex
	monitors  map[string]*positionMonitor
	suspended map[string]bool // account id -> suspended pending reconnect
}

type positionMonitor struct {
	mu             sync.Mutex
	position       *domain.Position
	settings       *domain.TrailSettings
	status         *domain.TrailStatus
	snapshots      []*domain.StateSnapshot
	confirmedStop  float64
	pendingStop    float64
	executingSince time.Time
	execEpoch      uint64 // bumped per execution attempt; stale resolutions carry an old epoch
	errorCount     int
	suspended      bool
}

func NewTrailEngine(
	cfg EngineConfig,
	conduit domain.CommandConduit,
	positions domain.PositionRepository,
	archive domain.TrailArchive,
	calc *TrailCalculator,
	log *zap.Logger,
) *TrailEngine {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = time.Second
	}
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = 30 * time.Second
	}
	if cfg.MaxSnapshots <= 0 {
		cfg.MaxSnapshots = 10
	}
	if cfg.MaxPositionErrors <= 0 {
		cfg.MaxPositionErrors = 3
	}
	return &TrailEngine{
		cfg:       cfg,
		log:       log,
		conduit:   conduit,
		positions: positions,
		archive:   archive,
		calc:      calc,
		monitors:  make(map[string]*positionMonitor),
		suspended: make(map[string]bool),
	}
}

// SetFailureSink binds the recovery subsystem. Must be called before the
// engine starts receiving prices.
func (e *TrailEngine) SetFailureSink(sink FailureSink) {
	e.failures = sink
}

// StartTrailing places a position under trailing management. At most one
// non-terminal monitor may exist per position.
func (e *TrailEngine) StartTrailing(ctx context.Context, pos *domain.Position, settings *domain.TrailSettings) error {
	if pos == nil || pos.PositionID == "" {
		return fmt.Errorf("%w: missing position", domain.ErrInvalidTrailSettings)
	}
	settings.PositionID = pos.PositionID
	if err := settings.Validate(); err != nil {
		return err
	}
	if settings.ID == "" {
		settings.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	settings.CreatedAt = now
	settings.UpdatedAt = now

	e.mu.Lock()
	if existing, ok := e.monitors[pos.PositionID]; ok {
		existing.mu.Lock()
		terminal := existing.status.State.Terminal()
		existing.mu.Unlock()
		if !terminal {
			e.mu.Unlock()
			return fmt.Errorf("%w: position %s already trailed", domain.ErrInvalidTrailSettings, pos.PositionID)
		}
	}

	posCopy := *pos
	m := &positionMonitor{
		position: &posCopy,
		settings: settings,
		status: &domain.TrailStatus{
			PositionID:      pos.PositionID,
			SettingsID:      settings.ID,
			State:           domain.TrailInactive,
			CurrentPrice:    pos.CurrentPrice,
			CurrentStopLoss: pos.StopLoss,
			HighWatermark:   pos.CurrentPrice,
			LowWatermark:    pos.CurrentPrice,
			NextCheckAt:     now,
			UpdatedAt:       now,
		},
		confirmedStop: pos.StopLoss,
		suspended:     e.suspended[pos.AccountID],
	}
	e.monitors[pos.PositionID] = m
	e.mu.Unlock()

	m.mu.Lock()
	if e.startConditionMet(m) {
		m.status.State = domain.TrailActive
	}
	state := m.status.State
	m.mu.Unlock()

	e.log.Info("trailing started",
		zap.String("position", pos.PositionID),
		zap.String("strategy", string(settings.Strategy)),
		zap.Float64("amount", settings.TrailAmount),
		zap.String("state", string(state)))
	return nil
}

// UpdateSettings replaces a position's trail settings after re-validation.
func (e *TrailEngine) UpdateSettings(ctx context.Context, positionID string, settings *domain.TrailSettings) error {
	settings.PositionID = positionID
	if err := settings.Validate(); err != nil {
		return err
	}

	m, ok := e.monitor(positionID)
	if !ok {
		return fmt.Errorf("%w: position %s not trailed", domain.ErrInvalidTrailSettings, positionID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.State.Terminal() {
		return fmt.Errorf("%w: position %s is %s", domain.ErrInvalidTrailSettings, positionID, m.status.State)
	}
	settings.ID = m.settings.ID
	settings.CreatedAt = m.settings.CreatedAt
	settings.UpdatedAt = time.Now().UTC()
	m.settings = settings
	m.status.SettingsID = settings.ID
	if m.status.State == domain.TrailInactive && e.startConditionMet(m) {
		m.status.State = domain.TrailActive
	}
	return nil
}

// OnPrice drives every monitor for the symbol. Watermarks always move;
// stop evaluation is spaced by CheckInterval and skipped while the
// account's connection is down.
func (e *TrailEngine) OnPrice(ctx context.Context, symbol string, price float64, at time.Time) {
	e.calc.ObservePrice(symbol, price)

	e.mu.RLock()
	targets := make([]*positionMonitor, 0, 4)
	for _, m := range e.monitors {
		if m.position.Symbol == symbol {
			targets = append(targets, m)
		}
	}
	e.mu.RUnlock()

	for _, m := range targets {
		e.advance(ctx, m, price, at)
	}
}

// advance applies one price observation to one monitor.
func (e *TrailEngine) advance(ctx context.Context, m *positionMonitor, price float64, at time.Time) {
	m.mu.Lock()

	if m.suspended || m.status.State.Terminal() {
		m.mu.Unlock()
		return
	}

	m.position.CurrentPrice = price
	m.status.CurrentPrice = price
	m.status.UpdatedAt = at
	if price > m.status.HighWatermark || m.status.HighWatermark == 0 {
		m.status.HighWatermark = price
	}
	if price < m.status.LowWatermark || m.status.LowWatermark == 0 {
		m.status.LowWatermark = price
	}

	if m.status.State == domain.TrailInactive {
		if e.startConditionMet(m) {
			m.status.State = domain.TrailActive
			e.log.Info("trail activated", zap.String("position", m.position.PositionID))
		} else {
			m.mu.Unlock()
			return
		}
	}

	if m.status.State != domain.TrailActive || at.Before(m.status.NextCheckAt) {
		m.mu.Unlock()
		return
	}
	m.status.NextCheckAt = at.Add(e.cfg.CheckInterval)

	candidate, err := e.computeCandidate(m, price)
	if err != nil {
		m.status.LastError = err.Error()
		pos := *m.position
		m.mu.Unlock()
		e.report(ctx, Failure{
			Err:        err,
			Severity:   domain.SeverityMedium,
			PositionID: pos.PositionID,
			AccountID:  pos.AccountID,
			Context:    "stop calculation",
		})
		return
	}

	if !Tightens(m.position.Side, m.status.CurrentStopLoss, candidate) {
		// Candidate would loosen the stop; rejected, not applied.
		m.mu.Unlock()
		return
	}

	e.beginExecution(m, candidate, at)
	m.mu.Unlock()

	e.sendStopUpdate(ctx, m, candidate)
}

// computeCandidate retries the calculation once with a refreshed input
// before giving up; callers hold m.mu.
func (e *TrailEngine) computeCandidate(m *positionMonitor, price float64) (float64, error) {
	var candidate float64
	policy := retry.Policy{MaxAttempts: 2}
	err := policy.Do(context.Background(), func(context.Context) error {
		var cerr error
		candidate, cerr = e.calc.CandidateStop(m.settings, m.position.Side, m.position.Symbol, price)
		return cerr
	})
	return candidate, err
}

// beginExecution snapshots current state and moves to EXECUTING; callers
// hold m.mu.
func (e *TrailEngine) beginExecution(m *positionMonitor, candidate float64, at time.Time) {
	snap := &domain.StateSnapshot{
		ID:         uuid.NewString(),
		PositionID: m.position.PositionID,
		TakenAt:    at,
		Status:     *m.status.Clone(),
		Position:   *m.position,
	}
	m.snapshots = append(m.snapshots, snap)
	if len(m.snapshots) > e.cfg.MaxSnapshots {
		m.snapshots = m.snapshots[len(m.snapshots)-e.cfg.MaxSnapshots:]
	}

	m.status.State = domain.TrailExecuting
	m.pendingStop = candidate
	m.executingSince = at
	m.execEpoch++
}

// sendStopUpdate issues the MODIFY_STOP command and waits for its handle in
// a separate goroutine. No monitor lock is held across the send.
func (e *TrailEngine) sendStopUpdate(ctx context.Context, m *positionMonitor, candidate float64) {
	m.mu.Lock()
	pos := *m.position
	epoch := m.execEpoch
	m.mu.Unlock()

	connID, ok := e.conduit.ConnectionForAccount(pos.AccountID)
	if !ok {
		e.resolveExecution(ctx, m, epoch, 0, domain.CommandFailed("disconnected", domain.ErrNotConnected))
		return
	}

	cmd := &domain.Command{
		Type: domain.CommandModifyStop,
		Payload: domain.CommandPayload{
			PositionID:   pos.PositionID,
			NewStopPrice: candidate,
		},
	}
	handle, err := e.conduit.Send(ctx, connID, cmd)
	if err != nil {
		e.resolveExecution(ctx, m, epoch, 0, err)
		return
	}

	go func() {
		res := <-handle.Done()
		e.resolveExecution(context.Background(), m, epoch, candidate, res.Err)
	}()
}

// resolveExecution leaves EXECUTING exactly once per attempt: either the
// new stop is recorded, or state rolls back to the last confirmed value.
// A resolution carrying a stale epoch belongs to an attempt the watchdog or
// a stop-out already settled and is ignored.
func (e *TrailEngine) resolveExecution(ctx context.Context, m *positionMonitor, epoch uint64, candidate float64, cmdErr error) {
	m.mu.Lock()
	if m.status.State != domain.TrailExecuting || m.execEpoch != epoch {
		// Stop-out or watchdog got here first.
		m.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	pos := *m.position

	if cmdErr == nil {
		m.status.State = domain.TrailActive
		m.status.CurrentStopLoss = candidate
		m.status.AdjustmentCount++
		m.status.LastAdjustment = now
		m.status.UpdatedAt = now
		m.status.LastError = ""
		m.confirmedStop = candidate
		m.pendingStop = 0
		m.errorCount = 0
		m.mu.Unlock()

		metrics.TrailAdjustments.Inc()
		e.log.Info("stop adjusted",
			zap.String("position", pos.PositionID),
			zap.Float64("stop", candidate))
		if err := e.positions.UpdateStopLoss(ctx, pos.PositionID, candidate); err != nil {
			e.log.Warn("position repository stop update failed",
				zap.String("position", pos.PositionID), zap.Error(err))
		}
		return
	}

	// Roll back to the last confirmed stop.
	m.errorCount++
	m.status.CurrentStopLoss = m.confirmedStop
	m.status.LastError = cmdErr.Error()
	m.status.UpdatedAt = now
	m.pendingStop = 0
	severity := domain.SeverityMedium
	if m.errorCount >= e.cfg.MaxPositionErrors {
		m.status.State = domain.TrailFailed
		severity = domain.SeverityHigh
	} else {
		m.status.State = domain.TrailActive
	}
	state := m.status.State
	m.mu.Unlock()

	e.log.Warn("stop update failed",
		zap.String("position", pos.PositionID),
		zap.String("state", string(state)),
		zap.Error(cmdErr))
	e.report(ctx, Failure{
		Err:        cmdErr,
		Severity:   severity,
		PositionID: pos.PositionID,
		AccountID:  pos.AccountID,
		Context:    "modify-stop execution",
	})
}

// Watchdog forces a terminal outcome on any monitor stuck in EXECUTING
// longer than the configured timeout. Runs on a fixed interval from main.
func (e *TrailEngine) Watchdog(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-e.cfg.WatchdogTimeout)

	e.mu.RLock()
	stuck := make([]*positionMonitor, 0)
	for _, m := range e.monitors {
		m.mu.Lock()
		if m.status.State == domain.TrailExecuting && m.executingSince.Before(cutoff) {
			stuck = append(stuck, m)
		}
		m.mu.Unlock()
	}
	e.mu.RUnlock()

	for _, m := range stuck {
		m.mu.Lock()
		// Re-check both conditions: the stuck attempt may have resolved and
		// a fresh one begun since the scan.
		if m.status.State != domain.TrailExecuting || !m.executingSince.Before(cutoff) {
			m.mu.Unlock()
			continue
		}
		epoch := m.execEpoch
		pos := *m.position
		m.mu.Unlock()

		e.log.Warn("watchdog forcing unresolved execution", zap.String("position", pos.PositionID))
		e.resolveExecution(ctx, m, epoch, 0, domain.CommandFailed("watchdog", domain.ErrCommandTimeout))
	}
}

// OnStopped completes a monitor after a terminal-reported stop-out.
// Replays for an already completed position are no-ops.
func (e *TrailEngine) OnStopped(ctx context.Context, ev *domain.StoppedEvent) {
	e.complete(ctx, ev.PositionID, ev.Price, "stopped out: "+ev.Reason)
}

// OnClosed releases monitoring when a position closes normally.
func (e *TrailEngine) OnClosed(ctx context.Context, ev *domain.ClosedEvent) {
	e.complete(ctx, ev.PositionID, ev.Price, "closed")
}

func (e *TrailEngine) complete(ctx context.Context, positionID string, price float64, reason string) {
	m, ok := e.monitor(positionID)
	if !ok {
		return
	}

	m.mu.Lock()
	if m.status.State == domain.TrailCompleted {
		m.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	m.status.State = domain.TrailCompleted
	if price > 0 {
		m.status.CurrentPrice = price
	}
	m.status.UpdatedAt = now
	final := m.status.Clone()
	m.mu.Unlock()

	e.mu.Lock()
	delete(e.monitors, positionID)
	e.mu.Unlock()

	e.log.Info("trailing completed", zap.String("position", positionID), zap.String("reason", reason))
	if err := e.archive.ArchiveTrail(ctx, final); err != nil {
		e.log.Warn("trail archive failed", zap.String("position", positionID), zap.Error(err))
	}
}

// SuspendAccount pauses (not cancels) monitoring for every position on an
// account, pending reconnection. Teardown observers and recovery strategies
// run asynchronously, so a suspend can arrive after the account has already
// re-authenticated; a suspend against a live connection is stale and must
// not undo the resume.
func (e *TrailEngine) SuspendAccount(accountID string) {
	if accountID == "" {
		return
	}
	if _, ok := e.conduit.ConnectionForAccount(accountID); ok {
		e.log.Info("suspend skipped, account has a live connection",
			zap.String("account", accountID))
		return
	}
	e.mu.Lock()
	e.suspended[accountID] = true
	targets := e.monitorsForAccount(accountID)
	e.mu.Unlock()

	for _, m := range targets {
		m.mu.Lock()
		m.suspended = true
		m.mu.Unlock()
	}
	e.log.Warn("trailing suspended for account", zap.String("account", accountID))
}

// ResumeAccount reactivates monitoring after the account reconnects.
func (e *TrailEngine) ResumeAccount(accountID string) {
	if accountID == "" {
		return
	}
	e.mu.Lock()
	delete(e.suspended, accountID)
	targets := e.monitorsForAccount(accountID)
	e.mu.Unlock()

	for _, m := range targets {
		m.mu.Lock()
		m.suspended = false
		m.mu.Unlock()
	}
	if len(targets) > 0 {
		e.log.Info("trailing resumed for account", zap.String("account", accountID))
	}
}

// monitorsForAccount must be called with e.mu held.
func (e *TrailEngine) monitorsForAccount(accountID string) []*positionMonitor {
	out := make([]*positionMonitor, 0)
	for _, m := range e.monitors {
		if m.position.AccountID == accountID {
			out = append(out, m)
		}
	}
	return out
}

// RollbackToSnapshot restores the most recent snapshot for a position.
func (e *TrailEngine) RollbackToSnapshot(ctx context.Context, positionID string) error {
	m, ok := e.monitor(positionID)
	if !ok {
		return fmt.Errorf("%w: position %s not trailed", domain.ErrDataInconsistency, positionID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.snapshots) == 0 {
		return fmt.Errorf("%w: no snapshots for %s", domain.ErrDataInconsistency, positionID)
	}
	snap := m.snapshots[len(m.snapshots)-1]
	restored := snap.Status
	restored.State = domain.TrailActive
	restored.UpdatedAt = time.Now().UTC()
	m.status = &restored
	m.confirmedStop = restored.CurrentStopLoss
	m.pendingStop = 0
	e.log.Info("rolled back to snapshot",
		zap.String("position", positionID),
		zap.String("snapshot", snap.ID),
		zap.Time("taken", snap.TakenAt))
	return nil
}

// ForceRecalculate refreshes the position from the repository and runs one
// stop evaluation immediately, ignoring the check schedule.
func (e *TrailEngine) ForceRecalculate(ctx context.Context, positionID string) error {
	m, ok := e.monitor(positionID)
	if !ok {
		return fmt.Errorf("%w: position %s not trailed", domain.ErrDataInconsistency, positionID)
	}

	pos, err := e.positions.GetPosition(ctx, positionID)
	if err != nil {
		return fmt.Errorf("refresh position: %w", err)
	}

	m.mu.Lock()
	if m.status.State != domain.TrailActive {
		state := m.status.State
		m.mu.Unlock()
		return fmt.Errorf("%w: position %s is %s", domain.ErrDataInconsistency, positionID, state)
	}
	if pos.CurrentPrice > 0 {
		m.position.CurrentPrice = pos.CurrentPrice
		m.status.CurrentPrice = pos.CurrentPrice
	}
	price := m.status.CurrentPrice

	candidate, err := e.computeCandidate(m, price)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if !Tightens(m.position.Side, m.status.CurrentStopLoss, candidate) {
		m.mu.Unlock()
		return nil
	}
	e.beginExecution(m, candidate, time.Now().UTC())
	m.mu.Unlock()

	e.sendStopUpdate(ctx, m, candidate)
	return nil
}

// RestartTrail re-enters ACTIVE from FAILED after explicit recovery.
func (e *TrailEngine) RestartTrail(ctx context.Context, positionID string) error {
	m, ok := e.monitor(positionID)
	if !ok {
		return fmt.Errorf("%w: position %s not trailed", domain.ErrDataInconsistency, positionID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.State != domain.TrailFailed {
		return fmt.Errorf("%w: position %s is %s, not FAILED", domain.ErrDataInconsistency, positionID, m.status.State)
	}
	m.status.State = domain.TrailActive
	m.status.LastError = ""
	m.status.UpdatedAt = time.Now().UTC()
	m.errorCount = 0
	e.log.Info("trail restarted", zap.String("position", positionID))
	return nil
}

// ClearState archives and drops a monitor without completing the position.
func (e *TrailEngine) ClearState(ctx context.Context, positionID string) error {
	m, ok := e.monitor(positionID)
	if !ok {
		return nil
	}

	m.mu.Lock()
	m.status.State = domain.TrailCompleted
	m.status.UpdatedAt = time.Now().UTC()
	final := m.status.Clone()
	m.mu.Unlock()

	e.mu.Lock()
	delete(e.monitors, positionID)
	e.mu.Unlock()

	e.log.Info("trail state cleared", zap.String("position", positionID))
	return e.archive.ArchiveTrail(ctx, final)
}

// EmergencyStop closes the position outright through the terminal.
func (e *TrailEngine) EmergencyStop(ctx context.Context, positionID string) error {
	m, ok := e.monitor(positionID)
	if !ok {
		return fmt.Errorf("%w: position %s not trailed", domain.ErrDataInconsistency, positionID)
	}

	m.mu.Lock()
	pos := *m.position
	m.mu.Unlock()

	connID, ok := e.conduit.ConnectionForAccount(pos.AccountID)
	if !ok {
		return domain.ErrNotConnected
	}
	handle, err := e.conduit.Send(ctx, connID, &domain.Command{
		Type:    domain.CommandClose,
		Payload: domain.CommandPayload{PositionID: positionID},
	})
	if err != nil {
		return err
	}
	res := <-handle.Done()
	return res.Err
}

// Inspect returns copies of a monitor's state for the consistency checker.
func (e *TrailEngine) Inspect(positionID string) (*domain.TrailStatus, *domain.TrailSettings, *domain.Position, bool) {
	m, ok := e.monitor(positionID)
	if !ok {
		return nil, nil, nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	status := *m.status
	settings := *m.settings
	pos := *m.position
	return &status, &settings, &pos, true
}

// Status returns a copy of the live trail status for a position.
func (e *TrailEngine) Status(positionID string) (*domain.TrailStatus, bool) {
	m, ok := e.monitor(positionID)
	if !ok {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.Clone(), true
}

// MonitoredPositions lists positions currently under management.
func (e *TrailEngine) MonitoredPositions() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.monitors))
	for id := range e.monitors {
		out = append(out, id)
	}
	return out
}

// SnapshotCount reports the rollback history depth for a position.
func (e *TrailEngine) SnapshotCount(positionID string) int {
	m, ok := e.monitor(positionID)
	if !ok {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.snapshots)
}

func (e *TrailEngine) monitor(positionID string) (*positionMonitor, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, ok := e.monitors[positionID]
	return m, ok
}

// startConditionMet is called with m.mu held.
func (e *TrailEngine) startConditionMet(m *positionMonitor) bool {
	switch m.settings.StartCondition {
	case domain.StartImmediate:
		return true
	case domain.StartProfitThreshold:
		return m.position.RunningProfit() >= m.settings.ProfitThreshold
	case domain.StartPriceLevel:
		if m.position.CurrentPrice <= 0 {
			return false
		}
		if m.position.Side == domain.SideLong {
			return m.position.CurrentPrice >= m.settings.StartPrice
		}
		return m.position.CurrentPrice <= m.settings.StartPrice
	}
	return false
}

func (e *TrailEngine) report(ctx context.Context, f Failure) {
	if e.failures == nil {
		return
	}
	e.failures.ReportFailure(ctx, f)
}
