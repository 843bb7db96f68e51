package ingest

import (
	"context"
	"hash/fnv"

	"github.com/rs/zerolog/log"

	"availability-backend/config"
	"availability-backend/internal/model"
)

// Workers runs a Handler on a fixed set of goroutines. Events of the same
// device always land on the same worker so they are handled in arrival order.
type Workers struct {
	handler Handler
	queues  []chan model.StatusEvent
}

func NewWorkers(h Handler, cfg config.WorkerPoolConfig) *Workers {
	queues := make([]chan model.StatusEvent, cfg.Size)
	for i := range queues {
		queues[i] = make(chan model.StatusEvent, cfg.QueueSize)
	}
	return &Workers{handler: h, queues: queues}
}

// Start launches the worker goroutines.
func (w *Workers) Start(ctx context.Context) {
	for i, q := range w.queues {
		go w.worker(ctx, i, q)
	}
}

func (w *Workers) worker(ctx context.Context, id int, q chan model.StatusEvent) {
	log.Debug().Int("worker", id).Msg("ingest worker started")
	for {
		select {
		case ev := <-q:
			if _, err := w.handler.Handle(ctx, ev); err != nil {
				log.Error().Err(err).Str("device_id", ev.DeviceID).Msg("failed to handle status event")
			}
		case <-ctx.Done():
			log.Debug().Int("worker", id).Msg("ingest worker shutting down")
			return
		}
	}
}

// Enqueue blocks until the device's worker accepts ev or ctx ends.
func (w *Workers) Enqueue(ctx context.Context, ev model.StatusEvent) error {
	h := fnv.New32a()
	h.Write([]byte(ev.DeviceID))
	q := w.queues[int(h.Sum32()%uint32(len(w.queues)))]
	select {
	case q <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
