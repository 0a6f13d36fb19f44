package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/deckbot/internal/history"
	"github.com/stellarlinkco/deckbot/pkg/logger"
)

const (
	PruneJobName = "history-prune"
	EvictJobName = "session-evict"
)

// Pruner deletes chat turns older than a cutoff.
type Pruner interface {
	PruneChatTurns(ctx context.Context, before time.Time) (int64, error)
}

// Evicter drops sessions idle for longer than ttl.
type Evicter interface {
	EvictIdle(ttl time.Duration) int
}

// PruneJob removes chat turns older than retention. Backends that expire
// turns on their own report history.ErrNotSupported, which is not a failure.
func PruneJob(p Pruner, retention time.Duration, now func() time.Time, log *logger.Logger) JobFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		if retention <= 0 {
			return nil
		}
		n, err := p.PruneChatTurns(ctx, now().Add(-retention))
		if errors.Is(err, history.ErrNotSupported) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("prune chat turns: %w", err)
		}
		if n > 0 && log != nil {
			log.Info("pruned chat turns", zap.Int64("deleted", n))
		}
		return nil
	}
}

// EvictJob sweeps idle sessions out of the router's table.
func EvictJob(e Evicter, ttl time.Duration, log *logger.Logger) JobFunc {
	return func(context.Context) error {
		if ttl <= 0 {
			return nil
		}
		if n := e.EvictIdle(ttl); n > 0 && log != nil {
			log.Info("evicted idle sessions", zap.Int("evicted", n))
		}
		return nil
	}
}

// AddMaintenance schedules both maintenance jobs on spec.
func (s *Service) AddMaintenance(spec string, p Pruner, retention time.Duration, e Evicter, idleTTL time.Duration) error {
	if err := s.AddJob(PruneJobName, spec, PruneJob(p, retention, nil, s.log)); err != nil {
		return err
	}
	return s.AddJob(EvictJobName, spec, EvictJob(e, idleTTL, s.log))
}
