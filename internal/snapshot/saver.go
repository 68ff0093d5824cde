package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hackgods/clinic-scheduling/internal/logger"
	"github.com/hackgods/clinic-scheduling/internal/observability/metrics"
)

type Exporter interface {
	ExportState() ([]byte, error)
}

type Importer interface {
	ImportState(data []byte) error
}

// Saver writes the core's state to a Store on a fixed interval.
type Saver struct {
	core     Exporter
	store    Store
	interval time.Duration
	timeout  time.Duration
	log      *logger.Logger
	metrics  *metrics.CoreMetrics
}

func NewSaver(core Exporter, store Store, interval time.Duration, log *logger.Logger, m *metrics.CoreMetrics) *Saver {
	if log == nil {
		log = logger.Discard()
	}
	return &Saver{
		core:     core,
		store:    store,
		interval: interval,
		timeout:  20 * time.Second,
		log:      log,
		metrics:  m,
	}
}

// Run saves every interval until ctx is done. A non-positive interval disables the loop.
func (s *Saver) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.WithComponent("snapshot").Info("snapshot saver stopping")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Saver) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.SaveNow(runCtx); err != nil {
		s.log.WithComponent("snapshot").WithError(err).Error("snapshot save failed")
	}
}

// SaveNow exports and stores one snapshot.
func (s *Saver) SaveNow(ctx context.Context) error {
	start := time.Now()
	data, err := s.core.ExportState()
	if err == nil {
		err = s.store.Save(ctx, data)
	}
	s.metrics.ObserveSnapshot(err == nil)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	s.log.WithComponent("snapshot").
		WithField("bytes", len(data)).
		WithField("duration_ms", time.Since(start).Milliseconds()).
		Debug("snapshot saved")
	return nil
}

// Restore imports the newest stored snapshot. It reports false when the store is empty.
func Restore(ctx context.Context, core Importer, store Store) (bool, error) {
	data, err := store.Latest(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := core.ImportState(data); err != nil {
		return false, fmt.Errorf("import snapshot: %w", err)
	}
	return true, nil
}
