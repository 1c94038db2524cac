package domain

import "time"

type TrailStrategy string

const (
	TrailFixed      TrailStrategy = "FIXED"      // price ∓ amount
	TrailPercentage TrailStrategy = "PERCENTAGE" // price ∓ price*amount/100
	TrailATR        TrailStrategy = "ATR"        // price ∓ volatility*amount
)

type StartCondition string

const (
	StartImmediate       StartCondition = "IMMEDIATE"
	StartProfitThreshold StartCondition = "PROFIT_THRESHOLD"
	StartPriceLevel      StartCondition = "PRICE_LEVEL"
)

// TrailSettings configures trailing for one position. Immutable except via
// an explicit settings update, which re-validates.
type TrailSettings struct {
	ID              string
	PositionID      string
	Strategy        TrailStrategy
	TrailAmount     float64
	StartCondition  StartCondition
	ProfitThreshold float64 // StartProfitThreshold only
	StartPrice      float64 // StartPriceLevel only
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Validate checks the settings against the strategy and start condition.
func (s *TrailSettings) Validate() error {
	if s.PositionID == "" {
		return ErrInvalidTrailSettings
	}
	switch s.Strategy {
	case TrailFixed, TrailPercentage, TrailATR:
	default:
		return ErrInvalidTrailSettings
	}
	if s.TrailAmount <= 0 {
		return ErrInvalidTrailSettings
	}
	if s.Strategy == TrailPercentage && s.TrailAmount >= 100 {
		return ErrInvalidTrailSettings
	}
	switch s.StartCondition {
	case StartImmediate:
	case StartProfitThreshold:
		if s.ProfitThreshold <= 0 {
			return ErrInvalidTrailSettings
		}
	case StartPriceLevel:
		if s.StartPrice <= 0 {
			return ErrInvalidTrailSettings
		}
	default:
		return ErrInvalidTrailSettings
	}
	return nil
}

type TrailState string

const (
	TrailInactive  TrailState = "INACTIVE"
	TrailActive    TrailState = "ACTIVE"
	TrailExecuting TrailState = "EXECUTING"
	TrailCompleted TrailState = "COMPLETED"
	TrailFailed    TrailState = "FAILED"
)

// Terminal reports whether the state admits no further transitions without
// explicit recovery.
func (s TrailState) Terminal() bool {
	return s == TrailCompleted || s == TrailFailed
}

// TrailStatus is the live trailing state of one position. At most one
// non-terminal TrailStatus exists per position; completed statuses are
// archived, not deleted.
type TrailStatus struct {
	PositionID      string
	SettingsID      string
	State           TrailState
	CurrentPrice    float64
	CurrentStopLoss float64
	HighWatermark   float64
	LowWatermark    float64
	AdjustmentCount int
	LastAdjustment  time.Time
	NextCheckAt     time.Time
	LastError       string
	UpdatedAt       time.Time
}

// Clone returns a shallow copy; TrailStatus holds no reference fields.
func (t *TrailStatus) Clone() *TrailStatus {
	c := *t
	return &c
}

// StateSnapshot is an immutable point-in-time copy of trailing state plus
// the originating position, used only for rollback.
type StateSnapshot struct {
	ID         string
	PositionID string
	TakenAt    time.Time
	Status     TrailStatus
	Position   Position
}
