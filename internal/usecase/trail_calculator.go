package usecase

import (
	"fmt"
	"math"
	"sync"

	"github.com/hedgesys/hedge-gateway/internal/domain"
)

// Wilder smoothing period for the tick volatility estimate.
const atrPeriod = 14

// stopEpsilon separates a genuine stop move from float noise.
const stopEpsilon = 1e-9

// TrailCalculator computes candidate stop-loss levels from live prices.
// It keeps a per-symbol volatility estimate (Wilder-smoothed absolute
// tick-to-tick move) as the ATR input, since the gateway sees ticks rather
// than candles.
type TrailCalculator struct {
	mu         sync.RWMutex
	lastPrice  map[string]float64
	volatility map[string]float64
}

func NewTrailCalculator() *TrailCalculator {
	return &TrailCalculator{
		lastPrice:  make(map[string]float64),
		volatility: make(map[string]float64),
	}
}

// ObservePrice feeds one tick into the volatility estimate.
func (c *TrailCalculator) ObservePrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.lastPrice[symbol]
	c.lastPrice[symbol] = price
	if !ok {
		return
	}
	move := math.Abs(price - prev)
	if vol, seeded := c.volatility[symbol]; seeded {
		c.volatility[symbol] = (vol*(atrPeriod-1) + move) / atrPeriod
	} else if move > 0 {
		c.volatility[symbol] = move
	}
}

// Volatility returns the current estimate for a symbol, if seeded.
func (c *TrailCalculator) Volatility(symbol string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.volatility[symbol]
	return v, ok && v > 0
}

// CandidateStop computes the target stop-loss for the configured strategy.
// The result still has to pass the monotonic-tightening guard before it may
// be applied.
func (c *TrailCalculator) CandidateStop(settings *domain.TrailSettings, side domain.Side, symbol string, price float64) (float64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("%w: no price for %s", domain.ErrCalculation, symbol)
	}

	var dist float64
	switch settings.Strategy {
	case domain.TrailFixed:
		dist = settings.TrailAmount
	case domain.TrailPercentage:
		dist = price * settings.TrailAmount / 100
	case domain.TrailATR:
		vol, ok := c.Volatility(symbol)
		if !ok {
			return 0, fmt.Errorf("%w: volatility not seeded for %s", domain.ErrCalculation, symbol)
		}
		dist = vol * settings.TrailAmount
	default:
		return 0, fmt.Errorf("%w: unknown strategy %s", domain.ErrCalculation, settings.Strategy)
	}
	if dist <= 0 || dist >= price {
		return 0, fmt.Errorf("%w: trail distance %.8f out of range at price %.8f", domain.ErrCalculation, dist, price)
	}

	if side == domain.SideLong {
		return price - dist, nil
	}
	return price + dist, nil
}

// Tightens reports whether candidate improves on the current stop for the
// side: long stops may only rise, short stops may only fall. A zero current
// stop means none is set yet, so any candidate qualifies.
func Tightens(side domain.Side, current, candidate float64) bool {
	if candidate <= 0 {
		return false
	}
	if current == 0 {
		return true
	}
	if side == domain.SideLong {
		return candidate > current+stopEpsilon
	}
	return candidate < current-stopEpsilon
}
