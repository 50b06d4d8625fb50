package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-go/voicegw/pkg/gateway/metrics"
)

type RecorderConfig struct {
	QueueSize    int
	WriteTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

type RecorderStats struct {
	Written int64
	Failed  int64
	Dropped int64
}

// Recorder decouples sessions from the sink: Record never blocks, and a full
// queue drops the record.
type Recorder struct {
	sink    Sink
	cfg     RecorderConfig
	queue   chan Record
	done    chan struct{}
	mu      sync.RWMutex
	closed  bool
	once    sync.Once
	sinkErr error
	written atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

func NewRecorder(sink Sink, cfg RecorderConfig) *Recorder {
	if sink == nil {
		sink = NopSink{}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	r := &Recorder{
		sink:  sink,
		cfg:   cfg,
		queue: make(chan Record, cfg.QueueSize),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues rec and reports whether it was accepted. A zero Time is
// stamped with the recorder clock.
func (r *Recorder) Record(rec Record) bool {
	if r == nil {
		return false
	}
	if rec.Time.IsZero() {
		rec.Time = r.cfg.Now()
	}
	rec.Content = Excerpt(rec.Content)

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(rec, "closed")
		return false
	}
	select {
	case r.queue <- rec:
		return true
	default:
		r.drop(rec, "queue full")
		return false
	}
}

func (r *Recorder) drop(rec Record, reason string) {
	r.dropped.Add(1)
	r.cfg.Metrics.RecordAudit("dropped")
	r.cfg.Logger.Warn("audit record dropped", "reason", reason, "session_id", rec.SessionID, "action", string(rec.Action))
}

func (r *Recorder) run() {
	defer close(r.done)
	for rec := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.WriteTimeout)
		err := r.sink.Append(ctx, rec)
		cancel()
		if err != nil {
			r.failed.Add(1)
			r.cfg.Metrics.RecordAudit("failed")
			r.cfg.Logger.Warn("audit write failed", "err", err, "session_id", rec.SessionID, "action", string(rec.Action))
			continue
		}
		r.written.Add(1)
		r.cfg.Metrics.RecordAudit("written")
	}
	r.sinkErr = r.sink.Close()
}

// Close stops accepting records, drains the queue and closes the sink. If ctx
// ends first the remaining records are abandoned and ctx.Err is returned.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
	})

	select {
	case <-r.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.sinkErr
}

func (r *Recorder) Stats() RecorderStats {
	if r == nil {
		return RecorderStats{}
	}
	return RecorderStats{
		Written: r.written.Load(),
		Failed:  r.failed.Load(),
		Dropped: r.dropped.Load(),
	}
}
