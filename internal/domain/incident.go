package domain

import "time"

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities for threshold comparisons.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// FailureClass buckets every failure the recovery subsystem sees.
type FailureClass string

const (
	FailureConnection  FailureClass = "CONNECTION"
	FailureValidation  FailureClass = "VALIDATION"
	FailureCalculation FailureClass = "CALCULATION"
	FailureExecution   FailureClass = "EXECUTION"
	FailureConsistency FailureClass = "CONSISTENCY"
)

type IncidentStatus string

const (
	IncidentOpen          IncidentStatus = "OPEN"
	IncidentInvestigating IncidentStatus = "INVESTIGATING"
	IncidentMitigating    IncidentStatus = "MITIGATING"
	IncidentResolved      IncidentStatus = "RESOLVED"
	IncidentClosed        IncidentStatus = "CLOSED"
)

type IncidentScope string

const (
	ScopePosition      IncidentScope = "POSITION"
	ScopeMultiPosition IncidentScope = "MULTI_POSITION"
	ScopeAccount       IncidentScope = "ACCOUNT"
	ScopeSystem        IncidentScope = "SYSTEM"
)

// Incident is a tracked, escalated failure. It always references at least
// one originating error.
type Incident struct {
	ID          string
	Severity    Severity
	Scope       IncidentScope
	Status      IncidentStatus
	PositionID  string
	AccountID   string
	Class       FailureClass
	Description string
	Errors      []string
	Remediation string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ResolvedAt  time.Time
}

type RecoveryActionType string

const (
	ActionRestartTrail   RecoveryActionType = "RESTART_TRAIL"
	ActionAdjustSettings RecoveryActionType = "ADJUST_SETTINGS"
	ActionForceUpdate    RecoveryActionType = "FORCE_UPDATE"
	ActionClearState     RecoveryActionType = "CLEAR_STATE"
	ActionEmergencyStop  RecoveryActionType = "EMERGENCY_STOP"
)

// RecoveryAction records one remediation attempt, successful or not.
type RecoveryAction struct {
	ID         string
	IncidentID string
	Type       RecoveryActionType
	Strategy   string
	PositionID string
	Success    bool
	Detail     string
	ExecutedAt time.Time
}

type ApprovalState string

const (
	ApprovalPending  ApprovalState = "PENDING"
	ApprovalApproved ApprovalState = "APPROVED"
	ApprovalRejected ApprovalState = "REJECTED"
)

// ManualRecoveryRequest is a human-initiated remediation that may require
// approval before execution.
type ManualRecoveryRequest struct {
	ID          string
	IncidentID  string
	Action      RecoveryActionType
	PositionID  string
	RequestedBy string
	Approval    ApprovalState
	DecidedBy   string
	Executed    bool
	Result      string
	CreatedAt   time.Time
	DecidedAt   time.Time
}
