// Package recovery implements Scheduler, which replays rows of a
// pending.Queue against the database until they succeed.
//
// A Scheduler first waits out a startup grace period, allowing the database
// connection to be established, and removes a snapshot left behind with
// nothing pending. It then polls the Queue each idle interval. Once rows are
// pending it runs a recovery pass: every queued row is drained and attempted
// in order, rows which fail are re-queued at the back of the Queue, and the
// Queue is persisted. Passes are separated by a backoff interval.
//
// Delivery is at-least-once: a process which exits after a row is inserted
// but before the Queue is next persisted will replay that row on restart.
package recovery

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/wmib/rowshim/metrics"
	"github.com/wmib/rowshim/pending"
	"github.com/wmib/rowshim/row"
)

// Config configures a Scheduler.
type Config struct {
	Grace   time.Duration `long:"grace" env:"GRACE" default:"8s" description:"Delay after startup before the first recovery pass"`
	Idle    time.Duration `long:"idle" env:"IDLE" default:"200ms" description:"Interval at which an empty pending queue is polled"`
	Backoff time.Duration `long:"backoff" env:"BACKOFF" default:"200s" description:"Delay after a recovery pass before the next"`
}

// DefaultConfig is the Config used absent flags.
var DefaultConfig = Config{
	Grace:   8 * time.Second,
	Idle:    200 * time.Millisecond,
	Backoff: 200 * time.Second,
}

// Gateway is the capability of a gateway.Gateway required by the Scheduler.
type Gateway interface {
	// TryInsert the Row without queuing it on failure.
	TryInsert(ctx context.Context, table string, r row.Row) error
	// SetRecovering marks whether a recovery pass is underway, during which
	// the Gateway must not persist the Queue. Once SetRecovering(true)
	// returns, no Flush of the Gateway is in progress.
	SetRecovering(bool)
	// Flush persists the Queue.
	Flush()
}

// Store is the capability of a snapshot.Store required by the Scheduler.
type Store interface {
	DeleteIfEmpty(queued func() int) bool
}

// Clock provides the Scheduler's timers.
type Clock interface {
	After(time.Duration) <-chan time.Time
}

type wallClock struct{}

func (wallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Scheduler replays a pending.Queue through a Gateway.
type Scheduler struct {
	cfg     Config
	queue   *pending.Queue
	gateway Gateway
	store   Store
	clock   Clock
}

// NewScheduler returns a Scheduler which replays |queue| through |gateway|,
// flushing |gateway| after each pass and removing the snapshot of |store|
// once |queue| is empty.
func NewScheduler(cfg Config, queue *pending.Queue, gateway Gateway, store Store) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		queue:   queue,
		gateway: gateway,
		store:   store,
		clock:   wallClock{},
	}
}

// Serve runs the Scheduler until |ctx| is cancelled, in which case nil is
// returned. A recovery pass which panics is logged, its drained rows are
// returned to the Queue, and Serve returns an error: recovery is then
// stopped until Serve is called again.
func (s *Scheduler) Serve(ctx context.Context) error {
	if !s.sleep(ctx, s.cfg.Grace) {
		return nil
	}
	if s.store.DeleteIfEmpty(s.queue.Len) {
		log.Info("removed snapshot of empty pending queue")
	}

	for {
		if s.queue.Len() == 0 {
			if !s.sleep(ctx, s.cfg.Idle) {
				return nil
			}
			continue
		}

		if _, _, err := s.RunPass(ctx); err != nil {
			log.WithField("err", err).Error("recovery loop failed")
			return err
		}

		if !s.sleep(ctx, s.cfg.Backoff) {
			return nil
		}
		if s.store.DeleteIfEmpty(s.queue.Len) {
			log.Info("all pending rows were recovered; removed snapshot")
		}
	}
}

// RunPass drains the Queue and attempts each drained row in order, returning
// the number of rows which succeeded and the number attempted. Failed rows
// are re-queued behind rows which were queued during the pass. Once the pass
// completes the Gateway is flushed. If |ctx| is cancelled, remaining rows
// are re-queued without being attempted.
//
// An error is returned only if the pass panicked. The panic is recovered,
// and rows which had not yet been attempted are re-queued.
func (s *Scheduler) RunPass(ctx context.Context) (recovered, total int, err error) {
	// Drained rows must not be absent from a persisted snapshot, so Gateway
	// flushes are stopped before draining.
	s.gateway.SetRecovering(true)

	var set = s.queue.DrainAll()
	if len(set) == 0 {
		s.gateway.SetRecovering(false)
		return 0, 0, nil
	}
	total = len(set)
	metrics.RecoveryPassesTotal.Inc()

	var next int
	defer func() {
		if r := recover(); r != nil {
			metrics.RecoveryPanicsTotal.Inc()
			err = errors.Errorf("recovery pass panicked: %v", r)

			// Restore the row which panicked and everything after it.
			s.queue.EnqueueSet(set[next:])
		}
		s.gateway.SetRecovering(false)
		s.gateway.Flush()
		metrics.RecoveredRowsTotal.Add(float64(recovered))
	}()

	for ; next != len(set); next++ {
		var entry = set[next]

		if ctx.Err() != nil {
			s.queue.EnqueueSet(set[next:])
			next = len(set)
			break
		}
		if tryErr := s.gateway.TryInsert(ctx, entry.Table, entry.Row); tryErr != nil {
			log.WithFields(log.Fields{
				"err":   tryErr,
				"table": entry.Table,
			}).Debug("failed to replay row; re-queuing it")

			s.queue.Enqueue(entry.Table, entry.Row)
			metrics.RowsQueuedTotal.WithLabelValues(metrics.ReasonReplayFailed).Inc()
		} else {
			recovered++
		}
	}

	log.WithFields(log.Fields{
		"recovered": recovered,
		"total":     total,
		"pending":   s.queue.Len(),
	}).Warn("finished recovery pass")

	return recovered, total, nil
}

// sleep for |d|, returning false if |ctx| was cancelled first.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-s.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
