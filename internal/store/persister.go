package store

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/possync/internal/metrics"
)

// Persister runs saves off the merge path. Requests arriving while a save is in
// flight coalesce into one follow-up save.
type Persister struct {
	store    *Store
	requests chan struct{}
	saved    chan error
	logger   *zap.Logger
}

// NewPersister constructs a Persister for store.
func NewPersister(store *Store, logger *zap.Logger) *Persister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{
		store:    store,
		requests: make(chan struct{}, 1),
		saved:    make(chan error, 1),
		logger:   logger,
	}
}

// Request schedules a save without blocking.
func (p *Persister) Request() {
	select {
	case p.requests <- struct{}{}:
	default:
	}
}

// Saved delivers the result of the most recent save when nobody has read the
// previous one. Intended for tests and operational checks.
func (p *Persister) Saved() <-chan error {
	return p.saved
}

// Serve implements suture.Service. A pending request is flushed before returning.
func (p *Persister) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			select {
			case <-p.requests:
				p.flush()
			default:
			}
			return ctx.Err()
		case <-p.requests:
			p.flush()
		}
	}
}

func (p *Persister) String() string {
	return "persister"
}

func (p *Persister) flush() {
	err := p.store.Save()
	switch {
	case err == nil:
	case errors.Is(err, ErrLocked):
		err = nil
	default:
		metrics.SaveFailures.Inc()
		p.logger.Error("failed to save document", zap.String("path", p.store.Path()), zap.Error(err))
	}
	select {
	case p.saved <- err:
	default:
	}
}
