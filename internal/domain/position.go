package domain

import "time"

type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Position represents an open position held by a terminal.
type Position struct {
	PositionID   string
	AccountID    string
	Symbol       string
	Side         Side
	Volume       float64
	EntryPrice   float64
	CurrentPrice float64
	StopLoss     float64
	TakeProfit   float64
	OrderID      string
	OpenedAt     time.Time
	Closed       bool
	ClosedAt     time.Time
}

// RunningProfit is the unrealized profit in price units per unit of volume.
func (p *Position) RunningProfit() float64 {
	if p.Side == SideLong {
		return (p.CurrentPrice - p.EntryPrice) * p.Volume
	}
	return (p.EntryPrice - p.CurrentPrice) * p.Volume
}
