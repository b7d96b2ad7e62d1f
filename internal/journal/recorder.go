package journal

import (
	"context"

	"go.uber.org/zap"
)

const recorderQueueSize = 256

// Recorder writes records off the merge path. When the queue is full new
// records are dropped and logged.
type Recorder struct {
	service *Service
	queue   chan Record
	logger  *zap.Logger
}

// NewRecorder constructs a Recorder backed by service.
func NewRecorder(service *Service, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = noOpLogger
	}
	return &Recorder{
		service: service,
		queue:   make(chan Record, recorderQueueSize),
		logger:  logger,
	}
}

// Enqueue schedules record without blocking.
func (r *Recorder) Enqueue(record Record) {
	if r == nil {
		return
	}
	select {
	case r.queue <- record:
	default:
		r.logger.Warn("journal queue full, dropping record", zap.String("event", record.Event))
	}
}

// Serve implements suture.Service. Queued records are drained before returning.
func (r *Recorder) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.drain()
			return ctx.Err()
		case record := <-r.queue:
			r.write(context.WithoutCancel(ctx), record)
		}
	}
}

func (r *Recorder) String() string {
	return "journal"
}

func (r *Recorder) drain() {
	for {
		select {
		case record := <-r.queue:
			r.write(context.Background(), record)
		default:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, record Record) {
	if _, err := r.service.Append(ctx, record); err != nil {
		r.logger.Warn("failed to journal mutation", zap.String("event", record.Event), zap.Error(err))
	}
}
