package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/hedgesys/hedge-gateway/internal/domain"
)

type mockSink struct {
	mu       sync.Mutex
	failures []Failure
}

func (m *mockSink) ReportFailure(ctx context.Context, f Failure) {
	m.mu.Lock()
	m.failures = append(m.failures, f)
	m.mu.Unlock()
}

func (m *mockSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.failures)
}

func testPosition() *domain.Position {
	return &domain.Position{
		PositionID:   "pos-1",
		AccountID:    "acct-1",
		Symbol:       "EURUSD",
		Side:         domain.SideLong,
		Volume:       1,
		EntryPrice:   150.00,
		CurrentPrice: 150.00,
		OpenedAt:     time.Now().UTC().Add(-time.Minute),
	}
}

func fixedSettings(amount float64) *domain.TrailSettings {
	return &domain.TrailSettings{
		Strategy:       domain.TrailFixed,
		TrailAmount:    amount,
		StartCondition: domain.StartImmediate,
	}
}

func newTestEngine(conduit *mockConduit, positions *mockPositions, archive *mockArchive) *TrailEngine {
	return NewTrailEngine(EngineConfig{
		CheckInterval:   time.Millisecond,
		WatchdogTimeout: 10 * time.Millisecond,
	}, conduit, positions, archive, NewTrailCalculator(), zap.NewNop())
}

func TestFixedTrailRatchetsUpOnly(t *testing.T) {
	ctx := context.Background()
	conduit := &mockConduit{}
	pos := testPosition()
	positions := newMockPositions(pos)
	engine := newTestEngine(conduit, positions, &mockArchive{})

	if err := engine.StartTrailing(ctx, pos, fixedSettings(0.20)); err != nil {
		t.Fatalf("StartTrailing: %v", err)
	}
	status, ok := engine.Status("pos-1")
	if !ok || status.State != domain.TrailActive {
		t.Fatalf("expected ACTIVE after immediate start, got %+v", status)
	}

	base := time.Now().UTC()

	// 1. Price rises: the stop follows at the fixed distance.
	engine.OnPrice(ctx, "EURUSD", 150.30, base.Add(10*time.Millisecond))
	waitFor(t, time.Second, func() bool {
		s, _ := engine.Status("pos-1")
		return s != nil && almostEqual(s.CurrentStopLoss, 150.10) && s.State == domain.TrailActive
	}, "stop should settle at 150.10")

	sent := conduit.sentCommands()
	if len(sent) != 1 {
		t.Fatalf("expected 1 command, got %d", len(sent))
	}
	if sent[0].Type != domain.CommandModifyStop || !almostEqual(sent[0].Payload.NewStopPrice, 150.10) {
		t.Errorf("unexpected command: %+v", sent[0])
	}

	// The confirmed stop propagates to the position store.
	waitFor(t, time.Second, func() bool {
		p, err := positions.GetPosition(ctx, "pos-1")
		return err == nil && almostEqual(p.StopLoss, 150.10)
	}, "position store stop should be 150.10")

	// 2. Price retraces: the candidate would loosen the stop, so nothing moves.
	engine.OnPrice(ctx, "EURUSD", 150.15, base.Add(30*time.Millisecond))
	time.Sleep(50 * time.Millisecond)
	if got := len(conduit.sentCommands()); got != 1 {
		t.Fatalf("retracement must not adjust the stop, got %d commands", got)
	}
	s, _ := engine.Status("pos-1")
	if !almostEqual(s.CurrentStopLoss, 150.10) {
		t.Errorf("stop moved on retracement: %f", s.CurrentStopLoss)
	}
	if !almostEqual(s.HighWatermark, 150.30) {
		t.Errorf("high watermark = %f, want 150.30", s.HighWatermark)
	}

	// 3. A new high tightens again.
	engine.OnPrice(ctx, "EURUSD", 150.45, base.Add(60*time.Millisecond))
	waitFor(t, time.Second, func() bool {
		s, _ := engine.Status("pos-1")
		return s != nil && almostEqual(s.CurrentStopLoss, 150.25)
	}, "stop should follow to 150.25")

	s, _ = engine.Status("pos-1")
	if s.AdjustmentCount != 2 {
		t.Errorf("adjustment count = %d, want 2", s.AdjustmentCount)
	}
}

func TestStartConditionProfitThreshold(t *testing.T) {
	ctx := context.Background()
	conduit := &mockConduit{}
	pos := testPosition()
	engine := newTestEngine(conduit, newMockPositions(pos), &mockArchive{})

	settings := fixedSettings(0.20)
	settings.StartCondition = domain.StartProfitThreshold
	settings.ProfitThreshold = 0.25

	if err := engine.StartTrailing(ctx, pos, settings); err != nil {
		t.Fatalf("StartTrailing: %v", err)
	}
	s, _ := engine.Status("pos-1")
	if s.State != domain.TrailInactive {
		t.Fatalf("expected INACTIVE below threshold, got %s", s.State)
	}

	base := time.Now().UTC()

	// Profit 0.10: still below the threshold, no activation.
	engine.OnPrice(ctx, "EURUSD", 150.10, base.Add(10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)
	s, _ = engine.Status("pos-1")
	if s.State != domain.TrailInactive {
		t.Fatalf("activated too early at profit 0.10: %s", s.State)
	}

	// Profit 0.30 crosses the threshold.
	engine.OnPrice(ctx, "EURUSD", 150.30, base.Add(30*time.Millisecond))
	waitFor(t, time.Second, func() bool {
		s, _ := engine.Status("pos-1")
		return s != nil && s.State == domain.TrailActive
	}, "trail should activate past the profit threshold")
}

func TestDuplicateTrailRejected(t *testing.T) {
	ctx := context.Background()
	pos := testPosition()
	engine := newTestEngine(&mockConduit{}, newMockPositions(pos), &mockArchive{})

	if err := engine.StartTrailing(ctx, pos, fixedSettings(0.20)); err != nil {
		t.Fatalf("StartTrailing: %v", err)
	}
	err := engine.StartTrailing(ctx, pos, fixedSettings(0.30))
	if !errors.Is(err, domain.ErrInvalidTrailSettings) {
		t.Fatalf("expected ErrInvalidTrailSettings for a duplicate trail, got %v", err)
	}
}

func TestExecutionFailureRollsBackThenFails(t *testing.T) {
	ctx := context.Background()
	conduit := &mockConduit{
		settle: func(cmd *domain.Command, h *domain.CommandHandle) {
			h.Settle(domain.CommandFailed("rejected", errors.New("broker refused")))
		},
	}
	pos := testPosition()
	sink := &mockSink{}
	engine := newTestEngine(conduit, newMockPositions(pos), &mockArchive{})
	engine.SetFailureSink(sink)

	if err := engine.StartTrailing(ctx, pos, fixedSettings(0.20)); err != nil {
		t.Fatalf("StartTrailing: %v", err)
	}

	base := time.Now().UTC()
	prices := []float64{150.30, 150.40, 150.50}
	for i, price := range prices {
		engine.OnPrice(ctx, "EURUSD", price, base.Add(time.Duration(i+1)*20*time.Millisecond))
		want := i + 1
		waitFor(t, time.Second, func() bool { return sink.count() >= want }, "failure should be reported")
	}

	waitFor(t, time.Second, func() bool {
		s, _ := engine.Status("pos-1")
		return s != nil && s.State == domain.TrailFailed
	}, "trail should fail after repeated rejections")

	// The stop never advanced past its last confirmed value.
	s, _ := engine.Status("pos-1")
	if s.CurrentStopLoss != 0 {
		t.Errorf("stop advanced despite failures: %f", s.CurrentStopLoss)
	}

	// Explicit recovery re-arms the trail.
	if err := engine.RestartTrail(ctx, "pos-1"); err != nil {
		t.Fatalf("RestartTrail: %v", err)
	}
	s, _ = engine.Status("pos-1")
	if s.State != domain.TrailActive {
		t.Errorf("expected ACTIVE after restart, got %s", s.State)
	}
}

func TestWatchdogResolvesStuckExecution(t *testing.T) {
	ctx := context.Background()
	conduit := &mockConduit{
		settle: func(cmd *domain.Command, h *domain.CommandHandle) {
			// Never settles: the terminal went silent mid-command.
		},
	}
	pos := testPosition()
	engine := newTestEngine(conduit, newMockPositions(pos), &mockArchive{})

	if err := engine.StartTrailing(ctx, pos, fixedSettings(0.20)); err != nil {
		t.Fatalf("StartTrailing: %v", err)
	}
	engine.OnPrice(ctx, "EURUSD", 150.30, time.Now().UTC().Add(10*time.Millisecond))

	waitFor(t, time.Second, func() bool {
		s, _ := engine.Status("pos-1")
		return s != nil && s.State == domain.TrailExecuting
	}, "trail should be EXECUTING while the command hangs")

	time.Sleep(30 * time.Millisecond) // exceed the watchdog timeout
	engine.Watchdog(ctx)

	s, _ := engine.Status("pos-1")
	if s.State != domain.TrailActive {
		t.Fatalf("watchdog should roll back to ACTIVE, got %s", s.State)
	}
	if s.CurrentStopLoss != 0 {
		t.Errorf("watchdog rollback should restore the confirmed stop, got %f", s.CurrentStopLoss)
	}
	if s.LastError == "" {
		t.Error("expected the watchdog outcome in LastError")
	}
}

func TestWatchdogSparesFreshExecution(t *testing.T) {
	ctx := context.Background()
	conduit := &mockConduit{
		settle: func(cmd *domain.Command, h *domain.CommandHandle) {},
	}
	pos := testPosition()
	engine := newTestEngine(conduit, newMockPositions(pos), &mockArchive{})

	if err := engine.StartTrailing(ctx, pos, fixedSettings(0.20)); err != nil {
		t.Fatalf("StartTrailing: %v", err)
	}
	engine.OnPrice(ctx, "EURUSD", 150.30, time.Now().UTC())
	waitFor(t, time.Second, func() bool {
		s, _ := engine.Status("pos-1")
		return s != nil && s.State == domain.TrailExecuting
	}, "first adjustment should be in flight")

	time.Sleep(30 * time.Millisecond) // exceed the watchdog timeout
	engine.Watchdog(ctx)
	s, _ := engine.Status("pos-1")
	if s.State != domain.TrailActive {
		t.Fatalf("stuck execution should roll back to ACTIVE, got %s", s.State)
	}

	// A second adjustment begins right away; the next watchdog pass must
	// leave it alone because it is not yet overdue.
	engine.OnPrice(ctx, "EURUSD", 150.45, time.Now().UTC())
	waitFor(t, time.Second, func() bool {
		s, _ := engine.Status("pos-1")
		return s != nil && s.State == domain.TrailExecuting
	}, "second adjustment should be in flight")

	engine.Watchdog(ctx)
	s, _ = engine.Status("pos-1")
	if s.State != domain.TrailExecuting {
		t.Fatalf("watchdog failed a fresh execution, state = %s", s.State)
	}
}

func TestStaleReplyCannotSettleNewerExecution(t *testing.T) {
	ctx := context.Background()
	var hm sync.Mutex
	var handles []*domain.CommandHandle
	conduit := &mockConduit{
		settle: func(cmd *domain.Command, h *domain.CommandHandle) {
			hm.Lock()
			handles = append(handles, h)
			hm.Unlock()
		},
	}
	pos := testPosition()
	engine := newTestEngine(conduit, newMockPositions(pos), &mockArchive{})

	if err := engine.StartTrailing(ctx, pos, fixedSettings(0.20)); err != nil {
		t.Fatalf("StartTrailing: %v", err)
	}

	engine.OnPrice(ctx, "EURUSD", 150.30, time.Now().UTC())
	waitFor(t, time.Second, func() bool {
		hm.Lock()
		defer hm.Unlock()
		return len(handles) == 1
	}, "first command should be sent")

	time.Sleep(30 * time.Millisecond)
	engine.Watchdog(ctx) // settles the hung attempt, rolls back to ACTIVE

	engine.OnPrice(ctx, "EURUSD", 150.45, time.Now().UTC())
	waitFor(t, time.Second, func() bool {
		hm.Lock()
		defer hm.Unlock()
		return len(handles) == 2
	}, "second command should be sent")
	hm.Lock()
	first, second := handles[0], handles[1]
	hm.Unlock()

	// The first terminal reply arrives late: it belongs to the attempt the
	// watchdog already settled and must not touch the one in flight.
	first.Settle(nil)
	time.Sleep(30 * time.Millisecond)
	s, _ := engine.Status("pos-1")
	if s.State != domain.TrailExecuting || s.CurrentStopLoss != 0 {
		t.Fatalf("late reply settled the wrong attempt: state=%s stop=%f", s.State, s.CurrentStopLoss)
	}

	second.Settle(nil)
	waitFor(t, time.Second, func() bool {
		s, _ := engine.Status("pos-1")
		return s != nil && s.State == domain.TrailActive && almostEqual(s.CurrentStopLoss, 150.25)
	}, "the in-flight attempt should record its own stop")
}

func TestStopOutCompletesIdempotently(t *testing.T) {
	ctx := context.Background()
	archive := &mockArchive{}
	pos := testPosition()
	engine := newTestEngine(&mockConduit{}, newMockPositions(pos), archive)

	if err := engine.StartTrailing(ctx, pos, fixedSettings(0.20)); err != nil {
		t.Fatalf("StartTrailing: %v", err)
	}

	ev := &domain.StoppedEvent{PositionID: "pos-1", Price: 149.80, Reason: "stop loss hit"}
	engine.OnStopped(ctx, ev)
	engine.OnStopped(ctx, ev) // replayed event is a no-op

	if archive.count() != 1 {
		t.Fatalf("expected exactly one archive entry, got %d", archive.count())
	}
	if _, ok := engine.Status("pos-1"); ok {
		t.Error("completed monitor should be removed")
	}
	if got := len(engine.MonitoredPositions()); got != 0 {
		t.Errorf("expected no monitored positions, got %d", got)
	}
}

func TestSuspendAndResumeAccount(t *testing.T) {
	ctx := context.Background()
	conduit := &mockConduit{}
	pos := testPosition()
	engine := newTestEngine(conduit, newMockPositions(pos), &mockArchive{})

	if err := engine.StartTrailing(ctx, pos, fixedSettings(0.20)); err != nil {
		t.Fatalf("StartTrailing: %v", err)
	}

	conduit.setDisconnected(true)
	engine.SuspendAccount("acct-1")
	engine.OnPrice(ctx, "EURUSD", 150.30, time.Now().UTC().Add(10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	if got := len(conduit.sentCommands()); got != 0 {
		t.Fatalf("suspended trail must not adjust, got %d commands", got)
	}

	conduit.setDisconnected(false)
	engine.ResumeAccount("acct-1")
	engine.OnPrice(ctx, "EURUSD", 150.40, time.Now().UTC().Add(40*time.Millisecond))
	waitFor(t, time.Second, func() bool {
		return len(conduit.sentCommands()) == 1
	}, "resumed trail should adjust again")
}

func TestLateSuspendAfterReconnectIsIgnored(t *testing.T) {
	ctx := context.Background()
	conduit := &mockConduit{}
	pos := testPosition()
	engine := newTestEngine(conduit, newMockPositions(pos), &mockArchive{})

	if err := engine.StartTrailing(ctx, pos, fixedSettings(0.20)); err != nil {
		t.Fatalf("StartTrailing: %v", err)
	}

	// A teardown observer for a superseded connection can fire after the
	// account already routes to its replacement. The stale suspend must not
	// stick, or trailing would stay frozen behind a live terminal.
	engine.SuspendAccount("acct-1")

	engine.OnPrice(ctx, "EURUSD", 150.30, time.Now().UTC().Add(10*time.Millisecond))
	waitFor(t, time.Second, func() bool {
		s, _ := engine.Status("pos-1")
		return s != nil && almostEqual(s.CurrentStopLoss, 150.10) && s.State == domain.TrailActive
	}, "trailing must continue while the account has a live connection")
}

func TestSuspendedAccountCoversNewTrails(t *testing.T) {
	ctx := context.Background()
	conduit := &mockConduit{disconnected: true}
	engine := newTestEngine(conduit, newMockPositions(), &mockArchive{})

	// Suspension recorded before the trail starts still applies to it.
	engine.SuspendAccount("acct-1")
	pos := testPosition()
	if err := engine.StartTrailing(ctx, pos, fixedSettings(0.20)); err != nil {
		t.Fatalf("StartTrailing: %v", err)
	}
	engine.OnPrice(ctx, "EURUSD", 150.30, time.Now().UTC().Add(10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	if got := len(conduit.sentCommands()); got != 0 {
		t.Fatalf("expected no commands while suspended, got %d", got)
	}
}

func TestRollbackToSnapshot(t *testing.T) {
	ctx := context.Background()
	conduit := &mockConduit{}
	pos := testPosition()
	engine := newTestEngine(conduit, newMockPositions(pos), &mockArchive{})

	if err := engine.StartTrailing(ctx, pos, fixedSettings(0.20)); err != nil {
		t.Fatalf("StartTrailing: %v", err)
	}
	if err := engine.RollbackToSnapshot(ctx, "pos-1"); err == nil {
		t.Fatal("expected an error with no snapshots")
	}

	engine.OnPrice(ctx, "EURUSD", 150.30, time.Now().UTC().Add(10*time.Millisecond))
	waitFor(t, time.Second, func() bool {
		s, _ := engine.Status("pos-1")
		return s != nil && almostEqual(s.CurrentStopLoss, 150.10)
	}, "first adjustment")

	if engine.SnapshotCount("pos-1") != 1 {
		t.Fatalf("expected 1 snapshot, got %d", engine.SnapshotCount("pos-1"))
	}

	if err := engine.RollbackToSnapshot(ctx, "pos-1"); err != nil {
		t.Fatalf("RollbackToSnapshot: %v", err)
	}
	s, _ := engine.Status("pos-1")
	if s.State != domain.TrailActive {
		t.Errorf("expected ACTIVE after rollback, got %s", s.State)
	}
	if s.CurrentStopLoss != 0 {
		t.Errorf("rollback should restore the pre-adjustment stop, got %f", s.CurrentStopLoss)
	}
}

func TestUpdateSettingsRevalidatesAndApplies(t *testing.T) {
	ctx := context.Background()
	conduit := &mockConduit{}
	pos := testPosition()
	engine := newTestEngine(conduit, newMockPositions(pos), &mockArchive{})

	if err := engine.StartTrailing(ctx, pos, fixedSettings(0.20)); err != nil {
		t.Fatalf("StartTrailing: %v", err)
	}

	bad := fixedSettings(-1)
	if err := engine.UpdateSettings(ctx, "pos-1", bad); !errors.Is(err, domain.ErrInvalidTrailSettings) {
		t.Fatalf("expected ErrInvalidTrailSettings, got %v", err)
	}
	if err := engine.UpdateSettings(ctx, "missing", fixedSettings(0.20)); err == nil {
		t.Fatal("expected an error for an unmonitored position")
	}

	// Widen the trail and verify the next adjustment uses the new distance.
	if err := engine.UpdateSettings(ctx, "pos-1", fixedSettings(0.50)); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	engine.OnPrice(ctx, "EURUSD", 151.00, time.Now().UTC().Add(10*time.Millisecond))
	waitFor(t, time.Second, func() bool {
		s, _ := engine.Status("pos-1")
		return s != nil && almostEqual(s.CurrentStopLoss, 150.50)
	}, "stop should use the widened distance")
}

func TestClearStateArchivesAndReleases(t *testing.T) {
	ctx := context.Background()
	archive := &mockArchive{}
	pos := testPosition()
	engine := newTestEngine(&mockConduit{}, newMockPositions(pos), archive)

	if err := engine.StartTrailing(ctx, pos, fixedSettings(0.20)); err != nil {
		t.Fatalf("StartTrailing: %v", err)
	}
	if err := engine.ClearState(ctx, "pos-1"); err != nil {
		t.Fatalf("ClearState: %v", err)
	}
	if archive.count() != 1 {
		t.Errorf("expected 1 archive entry, got %d", archive.count())
	}
	if _, ok := engine.Status("pos-1"); ok {
		t.Error("cleared monitor should be gone")
	}

	// The position can be trailed again afterwards.
	if err := engine.StartTrailing(ctx, pos, fixedSettings(0.20)); err != nil {
		t.Fatalf("restart after clear: %v", err)
	}
}

func TestDisconnectedAccountFailsAdjustment(t *testing.T) {
	ctx := context.Background()
	conduit := &mockConduit{disconnected: true}
	pos := testPosition()
	sink := &mockSink{}
	engine := newTestEngine(conduit, newMockPositions(pos), &mockArchive{})
	engine.SetFailureSink(sink)

	if err := engine.StartTrailing(ctx, pos, fixedSettings(0.20)); err != nil {
		t.Fatalf("StartTrailing: %v", err)
	}
	engine.OnPrice(ctx, "EURUSD", 150.30, time.Now().UTC().Add(10*time.Millisecond))

	waitFor(t, time.Second, func() bool { return sink.count() == 1 }, "disconnect should be reported")
	sink.mu.Lock()
	f := sink.failures[0]
	sink.mu.Unlock()
	if !errors.Is(f.Err, domain.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", f.Err)
	}
}
