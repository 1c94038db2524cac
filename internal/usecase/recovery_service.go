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
)

type RecoveryConfig struct {
	MaxAttempts            int           // automatic attempts per class and position
	Cooldown               time.Duration // spacing between automatic attempts
	MaxConcurrent          int           // parallel recovery executions
	EscalateAt             domain.Severity
	RequireApproval        bool            // manual actions need an explicit approval
	AutoApproveBelow       domain.Severity // severities strictly below skip approval
	EnableConsistencyFixes bool
}

// trailController is the slice of the engine the recovery service drives.
type trailController interface {
	SuspendAccount(accountID string)
	RollbackToSnapshot(ctx context.Context, positionID string) error
	ForceRecalculate(ctx context.Context, positionID string) error
	RestartTrail(ctx context.Context, positionID string) error
	ClearState(ctx context.Context, positionID string) error
	EmergencyStop(ctx context.Context, positionID string) error
}

type recoveryStrategy struct {
	name   string
	action domain.RecoveryActionType
	run    func(ctx context.Context, f Failure) error
}

// RecoveryService turns reported failures into ordered remediation
// attempts, with durable incidents when a failure is severe or cannot be
// remediated automatically.
type RecoveryService struct {
	cfg       RecoveryConfig
	log       *zap.Logger
	incidents domain.IncidentRepository
	engine    trailController

	sem chan struct{}

	mu       sync.Mutex
	attempts map[string]*attemptRecord // class:position -> history
}

type attemptRecord struct {
	count int
	last  time.Time
}

func NewRecoveryService(cfg RecoveryConfig, incidents domain.IncidentRepository, log *zap.Logger) *RecoveryService {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.EscalateAt == "" {
		cfg.EscalateAt = domain.SeverityHigh
	}
	return &RecoveryService{
		cfg:       cfg,
		log:       log,
		incidents: incidents,
		sem:       make(chan struct{}, cfg.MaxConcurrent),
		attempts:  make(map[string]*attemptRecord),
	}
}

// BindEngine wires the trailing engine after both services are constructed.
func (s *RecoveryService) BindEngine(engine trailController) {
	s.engine = engine
}

// ReportFailure classifies a failure, runs its remediation strategies in
// order until one succeeds, and escalates to an incident when warranted.
// Blocks while a concurrency slot is unavailable.
func (s *RecoveryService) ReportFailure(ctx context.Context, f Failure) {
	if f.Class == "" {
		f.Class = domain.ClassifyError(f.Err)
	}
	if f.Severity == "" {
		f.Severity = domain.SeverityMedium
	}

	if !s.allowAttempt(f) {
		s.log.Debug("recovery suppressed",
			zap.String("class", string(f.Class)),
			zap.String("position", f.PositionID))
		return
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-s.sem }()

	s.log.Warn("recovering from failure",
		zap.String("class", string(f.Class)),
		zap.String("severity", string(f.Severity)),
		zap.String("position", f.PositionID),
		zap.String("context", f.Context),
		zap.Error(f.Err))

	var executed []*domain.RecoveryAction
	recovered := false
	for _, strat := range s.strategiesFor(f.Class) {
		err := strat.run(ctx, f)
		action := &domain.RecoveryAction{
			ID:         uuid.NewString(),
			Type:       strat.action,
			Strategy:   strat.name,
			PositionID: f.PositionID,
			Success:    err == nil,
			ExecutedAt: time.Now().UTC(),
		}
		if err != nil {
			action.Detail = err.Error()
			s.log.Warn("recovery strategy failed",
				zap.String("strategy", strat.name), zap.Error(err))
		} else {
			s.log.Info("recovery strategy succeeded", zap.String("strategy", strat.name))
		}
		executed = append(executed, action)
		if err == nil {
			recovered = true
			break
		}
	}

	if recovered {
		s.clearAttempts(f)
	}

	if f.Severity.Rank() >= s.cfg.EscalateAt.Rank() || !recovered {
		s.escalate(ctx, f, executed, recovered)
		return
	}
	// Low-severity recovered failures still leave an audit trail.
	for _, a := range executed {
		if err := s.incidents.SaveRecoveryAction(ctx, a); err != nil {
			s.log.Warn("recovery action not persisted", zap.Error(err))
		}
	}
}

// allowAttempt enforces the per-class-per-position attempt cap and cooldown.
func (s *RecoveryService) allowAttempt(f Failure) bool {
	key := string(f.Class) + ":" + f.PositionID
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.attempts[key]
	if !ok {
		s.attempts[key] = &attemptRecord{count: 1, last: now}
		return true
	}
	if now.Sub(rec.last) < s.cfg.Cooldown {
		return false
	}
	if rec.count >= s.cfg.MaxAttempts {
		return false
	}
	rec.count++
	rec.last = now
	return true
}

func (s *RecoveryService) clearAttempts(f Failure) {
	s.mu.Lock()
	delete(s.attempts, string(f.Class)+":"+f.PositionID)
	s.mu.Unlock()
}

// strategiesFor returns the ordered remediation list for a failure class.
func (s *RecoveryService) strategiesFor(class domain.FailureClass) []recoveryStrategy {
	switch class {
	case domain.FailureConnection:
		return []recoveryStrategy{{
			name:   "suspend-until-reconnect",
			action: domain.ActionRestartTrail,
			run: func(ctx context.Context, f Failure) error {
				if f.AccountID == "" {
					return fmt.Errorf("no account for connection failure")
				}
				// Monitors pause here; registry re-auth resumes them.
				s.engine.SuspendAccount(f.AccountID)
				return nil
			},
		}}
	case domain.FailureValidation:
		return []recoveryStrategy{{
			name:   "restore-snapshot",
			action: domain.ActionRestartTrail,
			run: func(ctx context.Context, f Failure) error {
				return s.engine.RollbackToSnapshot(ctx, f.PositionID)
			},
		}}
	case domain.FailureCalculation:
		return []recoveryStrategy{{
			name:   "refresh-and-recompute",
			action: domain.ActionForceUpdate,
			run: func(ctx context.Context, f Failure) error {
				return s.engine.ForceRecalculate(ctx, f.PositionID)
			},
		}}
	case domain.FailureExecution:
		return []recoveryStrategy{
			{
				name:   "force-stop-update",
				action: domain.ActionForceUpdate,
				run: func(ctx context.Context, f Failure) error {
					return s.engine.ForceRecalculate(ctx, f.PositionID)
				},
			},
			{
				name:   "restore-snapshot",
				action: domain.ActionRestartTrail,
				run: func(ctx context.Context, f Failure) error {
					return s.engine.RollbackToSnapshot(ctx, f.PositionID)
				},
			},
		}
	case domain.FailureConsistency:
		if !s.cfg.EnableConsistencyFixes {
			return nil
		}
		return []recoveryStrategy{
			{
				name:   "force-stop-update",
				action: domain.ActionForceUpdate,
				run: func(ctx context.Context, f Failure) error {
					return s.engine.ForceRecalculate(ctx, f.PositionID)
				},
			},
			{
				name:   "clear-state",
				action: domain.ActionClearState,
				run: func(ctx context.Context, f Failure) error {
					return s.engine.ClearState(ctx, f.PositionID)
				},
			},
		}
	}
	return nil
}

// escalate records a durable incident plus every action taken against it.
func (s *RecoveryService) escalate(ctx context.Context, f Failure, actions []*domain.RecoveryAction, recovered bool) {
	scope := domain.ScopePosition
	if f.PositionID == "" {
		scope = domain.ScopeAccount
		if f.AccountID == "" {
			scope = domain.ScopeSystem
		}
	}
	status := domain.IncidentOpen
	remediation := "automatic recovery exhausted; manual intervention required"
	if recovered {
		status = domain.IncidentResolved
		remediation = "recovered automatically"
	}

	now := time.Now().UTC()
	inc := &domain.Incident{
		ID:          uuid.NewString(),
		Severity:    f.Severity,
		Scope:       scope,
		Status:      status,
		PositionID:  f.PositionID,
		AccountID:   f.AccountID,
		Class:       f.Class,
		Description: f.Context,
		Errors:      []string{f.Err.Error()},
		Remediation: remediation,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if recovered {
		inc.ResolvedAt = now
	}

	if err := s.incidents.SaveIncident(ctx, inc); err != nil {
		s.log.Error("incident not persisted", zap.String("incident", inc.ID), zap.Error(err))
	} else {
		metrics.IncidentsTotal.WithLabelValues(string(f.Severity)).Inc()
		s.log.Warn("incident recorded",
			zap.String("incident", inc.ID),
			zap.String("severity", string(f.Severity)),
			zap.String("status", string(status)))
	}

	for _, a := range actions {
		a.IncidentID = inc.ID
		if err := s.incidents.SaveRecoveryAction(ctx, a); err != nil {
			s.log.Warn("recovery action not persisted", zap.Error(err))
		}
	}
}

// RequestManualRecovery files a human-initiated remediation. Requests below
// the auto-approval threshold execute immediately; the rest wait for
// Decide.
func (s *RecoveryService) RequestManualRecovery(ctx context.Context, incidentID string, action domain.RecoveryActionType, positionID, requestedBy string) (*domain.ManualRecoveryRequest, error) {
	req := &domain.ManualRecoveryRequest{
		ID:          uuid.NewString(),
		IncidentID:  incidentID,
		Action:      action,
		PositionID:  positionID,
		RequestedBy: requestedBy,
		Approval:    domain.ApprovalPending,
		CreatedAt:   time.Now().UTC(),
	}

	severity := domain.SeverityMedium
	if incidentID != "" {
		inc, err := s.incidents.GetIncident(ctx, incidentID)
		if err != nil {
			return nil, fmt.Errorf("incident lookup: %w", err)
		}
		severity = inc.Severity
	}

	autoApprove := !s.cfg.RequireApproval ||
		(s.cfg.AutoApproveBelow != "" && severity.Rank() < s.cfg.AutoApproveBelow.Rank())
	if autoApprove {
		req.Approval = domain.ApprovalApproved
		req.DecidedBy = "auto"
		req.DecidedAt = time.Now().UTC()
	}

	if err := s.incidents.SaveManualRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("save request: %w", err)
	}
	s.log.Info("manual recovery requested",
		zap.String("request", req.ID),
		zap.String("action", string(action)),
		zap.String("approval", string(req.Approval)))

	if req.Approval == domain.ApprovalApproved {
		if err := s.ExecuteManual(ctx, req.ID); err != nil {
			return req, err
		}
	}
	return req, nil
}

// Decide approves or rejects a pending manual request. Approval triggers
// execution.
func (s *RecoveryService) Decide(ctx context.Context, requestID, decidedBy string, approve bool) error {
	req, err := s.incidents.GetManualRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Approval != domain.ApprovalPending {
		return fmt.Errorf("request %s already decided: %s", requestID, req.Approval)
	}

	req.DecidedBy = decidedBy
	req.DecidedAt = time.Now().UTC()
	if approve {
		req.Approval = domain.ApprovalApproved
	} else {
		req.Approval = domain.ApprovalRejected
	}
	if err := s.incidents.UpdateManualRequest(ctx, req); err != nil {
		return err
	}
	s.log.Info("manual recovery decided",
		zap.String("request", requestID),
		zap.String("approval", string(req.Approval)),
		zap.String("by", decidedBy))

	if !approve {
		return nil
	}
	return s.ExecuteManual(ctx, requestID)
}

// ExecuteManual runs an approved manual request against the engine exactly
// once and records the outcome.
func (s *RecoveryService) ExecuteManual(ctx context.Context, requestID string) error {
	req, err := s.incidents.GetManualRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Approval != domain.ApprovalApproved {
		return fmt.Errorf("request %s is not approved", requestID)
	}
	if req.Executed {
		return fmt.Errorf("request %s already executed", requestID)
	}

	var runErr error
	switch req.Action {
	case domain.ActionRestartTrail:
		runErr = s.engine.RestartTrail(ctx, req.PositionID)
	case domain.ActionForceUpdate:
		runErr = s.engine.ForceRecalculate(ctx, req.PositionID)
	case domain.ActionClearState:
		runErr = s.engine.ClearState(ctx, req.PositionID)
	case domain.ActionEmergencyStop:
		runErr = s.engine.EmergencyStop(ctx, req.PositionID)
	case domain.ActionAdjustSettings:
		runErr = fmt.Errorf("adjust-settings requires new settings through the engine API")
	default:
		runErr = fmt.Errorf("unknown recovery action %s", req.Action)
	}

	req.Executed = true
	if runErr != nil {
		req.Result = runErr.Error()
	} else {
		req.Result = "ok"
	}
	if err := s.incidents.UpdateManualRequest(ctx, req); err != nil {
		s.log.Warn("manual request result not persisted", zap.Error(err))
	}

	if req.IncidentID != "" && runErr == nil {
		if err := s.incidents.UpdateIncidentStatus(ctx, req.IncidentID, domain.IncidentResolved); err != nil {
			s.log.Warn("incident status not updated", zap.Error(err))
		}
	}
	return runErr
}

// OpenIncidents lists unresolved incidents for the ops surface.
func (s *RecoveryService) OpenIncidents(ctx context.Context, limit int) ([]*domain.Incident, error) {
	return s.incidents.ListIncidents(ctx, domain.IncidentOpen, limit)
}
