package domain

import "context"

// CommandConduit sends commands to a terminal and returns a handle that
// settles once with the result. Implemented by the protocol layer.
type CommandConduit interface {
	Send(ctx context.Context, connectionID string, cmd *Command) (*CommandHandle, error)
	ConnectionForAccount(accountID string) (string, bool)
}

// PositionRepository is the external position/account store. The gateway
// consumes it as a data source and sink; persistence lives elsewhere.
type PositionRepository interface {
	GetPosition(ctx context.Context, positionID string) (*Position, error)
	ListOpenPositions(ctx context.Context, accountID string) ([]*Position, error)
	RecordOpened(ctx context.Context, pos *Position) error
	RecordClosed(ctx context.Context, positionID string, price, profit float64) error
	UpdateStopLoss(ctx context.Context, positionID string, stopLoss float64) error
	UpdatePrice(ctx context.Context, symbol string, price float64) error
}

// IncidentRepository stores incidents and their audit trail durably.
type IncidentRepository interface {
	SaveIncident(ctx context.Context, inc *Incident) error
	GetIncident(ctx context.Context, id string) (*Incident, error)
	ListIncidents(ctx context.Context, status IncidentStatus, limit int) ([]*Incident, error)
	UpdateIncidentStatus(ctx context.Context, id string, status IncidentStatus) error

	SaveRecoveryAction(ctx context.Context, action *RecoveryAction) error
	ListRecoveryActions(ctx context.Context, incidentID string) ([]*RecoveryAction, error)

	SaveManualRequest(ctx context.Context, req *ManualRecoveryRequest) error
	GetManualRequest(ctx context.Context, id string) (*ManualRecoveryRequest, error)
	UpdateManualRequest(ctx context.Context, req *ManualRecoveryRequest) error
}

// TrailArchive keeps completed trail statuses for audit and recovery.
type TrailArchive interface {
	ArchiveTrail(ctx context.Context, status *TrailStatus) error
	ListArchivedTrails(ctx context.Context, positionID string, limit int) ([]*TrailStatus, error)
}
