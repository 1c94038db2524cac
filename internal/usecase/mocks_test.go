package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hedgesys/hedge-gateway/internal/domain"
)

// mockConduit stands in for the protocol layer. By default every command
// is acknowledged immediately; tests override settle to shape outcomes.
type mockConduit struct {
	mu           sync.Mutex
	sent         []*domain.Command
	settle       func(cmd *domain.Command, h *domain.CommandHandle)
	disconnected bool
}

func (m *mockConduit) Send(ctx context.Context, connID string, cmd *domain.Command) (*domain.CommandHandle, error) {
	m.mu.Lock()
	m.sent = append(m.sent, cmd)
	settle := m.settle
	m.mu.Unlock()

	h := domain.NewCommandHandle(cmd)
	if settle != nil {
		settle(cmd, h)
	} else {
		h.Settle(nil)
	}
	return h, nil
}

func (m *mockConduit) ConnectionForAccount(accountID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disconnected {
		return "", false
	}
	return "conn-1", true
}

func (m *mockConduit) setDisconnected(v bool) {
	m.mu.Lock()
	m.disconnected = v
	m.mu.Unlock()
}

func (m *mockConduit) sentCommands() []*domain.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.Command, len(m.sent))
	copy(out, m.sent)
	return out
}

// mockPositions is a map-backed position repository.
type mockPositions struct {
	mu        sync.Mutex
	positions map[string]*domain.Position
}

func newMockPositions(positions ...*domain.Position) *mockPositions {
	m := &mockPositions{positions: make(map[string]*domain.Position)}
	for _, p := range positions {
		c := *p
		m.positions[p.PositionID] = &c
	}
	return m
}

func (m *mockPositions) GetPosition(ctx context.Context, positionID string) (*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[positionID]
	if !ok {
		return nil, fmt.Errorf("position %s not found", positionID)
	}
	c := *p
	return &c, nil
}

func (m *mockPositions) ListOpenPositions(ctx context.Context, accountID string) ([]*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Position
	for _, p := range m.positions {
		if !p.Closed {
			c := *p
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *mockPositions) RecordOpened(ctx context.Context, pos *domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *pos
	m.positions[pos.PositionID] = &c
	return nil
}

func (m *mockPositions) RecordClosed(ctx context.Context, positionID string, price, profit float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.positions[positionID]; ok {
		p.Closed = true
		p.ClosedAt = time.Now().UTC()
	}
	return nil
}

func (m *mockPositions) UpdateStopLoss(ctx context.Context, positionID string, stopLoss float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.positions[positionID]; ok {
		p.StopLoss = stopLoss
	}
	return nil
}

func (m *mockPositions) UpdatePrice(ctx context.Context, symbol string, price float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.positions {
		if p.Symbol == symbol {
			p.CurrentPrice = price
		}
	}
	return nil
}

// mockArchive records archived trail statuses.
type mockArchive struct {
	mu       sync.Mutex
	archived []*domain.TrailStatus
}

func (m *mockArchive) ArchiveTrail(ctx context.Context, status *domain.TrailStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archived = append(m.archived, status)
	return nil
}

func (m *mockArchive) ListArchivedTrails(ctx context.Context, positionID string, limit int) ([]*domain.TrailStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.TrailStatus
	for _, s := range m.archived {
		if s.PositionID == positionID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *mockArchive) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.archived)
}

// mockIncidents is a map-backed incident repository.
type mockIncidents struct {
	mu        sync.Mutex
	incidents map[string]*domain.Incident
	actions   []*domain.RecoveryAction
	requests  map[string]*domain.ManualRecoveryRequest
}

func newMockIncidents() *mockIncidents {
	return &mockIncidents{
		incidents: make(map[string]*domain.Incident),
		requests:  make(map[string]*domain.ManualRecoveryRequest),
	}
}

func (m *mockIncidents) SaveIncident(ctx context.Context, inc *domain.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *inc
	m.incidents[inc.ID] = &c
	return nil
}

func (m *mockIncidents) GetIncident(ctx context.Context, id string) (*domain.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok {
		return nil, fmt.Errorf("incident %s not found", id)
	}
	c := *inc
	return &c, nil
}

func (m *mockIncidents) ListIncidents(ctx context.Context, status domain.IncidentStatus, limit int) ([]*domain.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Incident
	for _, inc := range m.incidents {
		if inc.Status == status {
			c := *inc
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *mockIncidents) UpdateIncidentStatus(ctx context.Context, id string, status domain.IncidentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok {
		return fmt.Errorf("incident %s not found", id)
	}
	inc.Status = status
	return nil
}

func (m *mockIncidents) SaveRecoveryAction(ctx context.Context, action *domain.RecoveryAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *action
	m.actions = append(m.actions, &c)
	return nil
}

func (m *mockIncidents) ListRecoveryActions(ctx context.Context, incidentID string) ([]*domain.RecoveryAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.RecoveryAction
	for _, a := range m.actions {
		if a.IncidentID == incidentID {
			c := *a
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *mockIncidents) SaveManualRequest(ctx context.Context, req *domain.ManualRecoveryRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *req
	m.requests[req.ID] = &c
	return nil
}

func (m *mockIncidents) GetManualRequest(ctx context.Context, id string) (*domain.ManualRecoveryRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s not found", id)
	}
	c := *req
	return &c, nil
}

func (m *mockIncidents) UpdateManualRequest(ctx context.Context, req *domain.ManualRecoveryRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *req
	m.requests[req.ID] = &c
	return nil
}

func (m *mockIncidents) incidentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.incidents)
}

func (m *mockIncidents) firstIncident() *domain.Incident {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inc := range m.incidents {
		c := *inc
		return &c
	}
	return nil
}

// mockController records which remediation the recovery service drives.
type mockController struct {
	mu        sync.Mutex
	calls     []string
	failCalls map[string]error
	suspended []string
}

func newMockController() *mockController {
	return &mockController{failCalls: make(map[string]error)}
}

func (m *mockController) record(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
	return m.failCalls[name]
}

func (m *mockController) SuspendAccount(accountID string) {
	m.mu.Lock()
	m.suspended = append(m.suspended, accountID)
	m.mu.Unlock()
	_ = m.record("suspend")
}

func (m *mockController) RollbackToSnapshot(ctx context.Context, positionID string) error {
	return m.record("rollback")
}

func (m *mockController) ForceRecalculate(ctx context.Context, positionID string) error {
	return m.record("force")
}

func (m *mockController) RestartTrail(ctx context.Context, positionID string) error {
	return m.record("restart")
}

func (m *mockController) ClearState(ctx context.Context, positionID string) error {
	return m.record("clear")
}

func (m *mockController) EmergencyStop(ctx context.Context, positionID string) error {
	return m.record("stop")
}

func (m *mockController) callNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", timeout, msg)
}
