package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hedgesys/hedge-gateway/internal/domain"
)

// PositionStore is the in-process mirror of the terminals' positions, fed
// by lifecycle and price events. The authoritative store lives with the
// decision host; the gateway only needs a current view. Implements
// domain.PositionRepository.
type PositionStore struct {
	mu        sync.RWMutex
	positions map[string]*domain.Position
	bySymbol  map[string]map[string]struct{}
}

func NewPositionStore() *PositionStore {
	return &PositionStore{
		positions: make(map[string]*domain.Position),
		bySymbol:  make(map[string]map[string]struct{}),
	}
}

func (s *PositionStore) GetPosition(ctx context.Context, positionID string) (*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[positionID]
	if !ok {
		return nil, fmt.Errorf("position %s not found", positionID)
	}
	c := *p
	return &c, nil
}

func (s *PositionStore) ListOpenPositions(ctx context.Context, accountID string) ([]*domain.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Position
	for _, p := range s.positions {
		if p.Closed {
			continue
		}
		if accountID != "" && p.AccountID != accountID {
			continue
		}
		c := *p
		out = append(out, &c)
	}
	return out, nil
}

func (s *PositionStore) RecordOpened(ctx context.Context, pos *domain.Position) error {
	if pos.PositionID == "" {
		return fmt.Errorf("position id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *pos
	if c.OpenedAt.IsZero() {
		c.OpenedAt = time.Now().UTC()
	}
	s.positions[c.PositionID] = &c
	if s.bySymbol[c.Symbol] == nil {
		s.bySymbol[c.Symbol] = make(map[string]struct{})
	}
	s.bySymbol[c.Symbol][c.PositionID] = struct{}{}
	return nil
}

func (s *PositionStore) RecordClosed(ctx context.Context, positionID string, price, profit float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[positionID]
	if !ok {
		return fmt.Errorf("position %s not found", positionID)
	}
	p.Closed = true
	p.ClosedAt = time.Now().UTC()
	if price > 0 {
		p.CurrentPrice = price
	}
	return nil
}

func (s *PositionStore) UpdateStopLoss(ctx context.Context, positionID string, stopLoss float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[positionID]
	if !ok {
		return fmt.Errorf("position %s not found", positionID)
	}
	p.StopLoss = stopLoss
	return nil
}

func (s *PositionStore) UpdatePrice(ctx context.Context, symbol string, price float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.bySymbol[symbol] {
		if p, ok := s.positions[id]; ok && !p.Closed {
			p.CurrentPrice = price
		}
	}
	return nil
}
