package analytics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"realtime-service/internal/client"
	"realtime-service/internal/util"
)

const (
	flushInterval = 10 * time.Second
	maxBatchSize  = 500
	queueSize     = 4096

	insertQuery = `INSERT INTO user_activity_events (user_id, action, ip, device_info, occurred_at)`
)

// ActivityEvent is one row bound for the user_activity_events table.
type ActivityEvent struct {
	UserID     string
	Action     string
	IP         string
	DeviceInfo string
	OccurredAt time.Time
}

// ActivitySink batches activity events into ClickHouse. Recording never
// blocks the caller: when the queue is full the event is dropped and
// counted, analytics being strictly best-effort.
type ActivitySink struct {
	ch      *client.ClickHouseClient
	queue   chan ActivityEvent
	done    chan struct{}
	wg      sync.WaitGroup
	dropped int64
	mu      sync.Mutex
}

// NewActivitySink accepts a nil ClickHouse client; Record becomes a no-op.
func NewActivitySink(ch *client.ClickHouseClient) *ActivitySink {
	return &ActivitySink{
		ch:    ch,
		queue: make(chan ActivityEvent, queueSize),
		done:  make(chan struct{}),
	}
}

func (s *ActivitySink) Start() {
	if s.ch == nil {
		util.Info("Activity analytics disabled, no ClickHouse configured")
		return
	}
	s.wg.Add(1)
	go s.run()
	util.Info("Activity sink started",
		zap.Duration("flush_interval", flushInterval),
		zap.Int("max_batch", maxBatchSize))
}

// Stop flushes whatever is queued and shuts the worker down.
func (s *ActivitySink) Stop() {
	if s.ch == nil {
		return
	}
	close(s.done)
	s.wg.Wait()
}

// Record queues an event without blocking.
func (s *ActivitySink) Record(ev ActivityEvent) {
	if s.ch == nil {
		return
	}
	select {
	case s.queue <- ev:
	default:
		s.mu.Lock()
		s.dropped++
		dropped := s.dropped
		s.mu.Unlock()
		if dropped%1000 == 1 {
			util.Warn("Activity sink queue full, dropping events",
				zap.Int64("dropped_total", dropped))
		}
	}
}

func (s *ActivitySink) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]ActivityEvent, 0, maxBatchSize)
	for {
		select {
		case ev := <-s.queue:
			batch = append(batch, ev)
			if len(batch) >= maxBatchSize {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-s.done:
			// Drain what is already queued, then a final flush.
			for {
				select {
				case ev := <-s.queue:
					batch = append(batch, ev)
				default:
					if len(batch) > 0 {
						s.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (s *ActivitySink) flush(batch []ActivityEvent) {
	rows := make([][]interface{}, 0, len(batch))
	for _, ev := range batch {
		rows = append(rows, []interface{}{
			ev.UserID, ev.Action, ev.IP, ev.DeviceInfo, ev.OccurredAt,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.ch.BatchInsert(ctx, insertQuery, rows); err != nil {
		util.Error("Failed to flush activity batch",
			zap.Int("rows", len(rows)),
			zap.Error(err))
		return
	}
	util.Debug("Activity batch flushed", zap.Int("rows", len(rows)))
}
