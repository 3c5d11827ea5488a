package audit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultFlushInterval = 30 * time.Second
	defaultBatchSize     = 100
	queueCapacity        = 4096
)

// Log is an append-only, batched JSON-lines audit log. Events are
// enqueued by any number of goroutines (a lock-free MPSC channel feeds
// a single flusher goroutine) and flushed to disk every flushInterval,
// whenever the queue reaches batchSize, or on Close.
type Log struct {
	sink   *fileSink
	logger *logrus.Entry

	flushInterval time.Duration
	batchSize     int

	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Log.
type Option func(*Log)

func WithFlushInterval(d time.Duration) Option { return func(l *Log) { l.flushInterval = d } }
func WithBatchSize(n int) Option               { return func(l *Log) { l.batchSize = n } }

// New opens the audit log file at path and starts its background
// flusher goroutine.
func New(path string, logger *logrus.Entry, opts ...Option) *Log {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	l := &Log{
		sink:          newFileSink(path),
		logger:        logger.WithField("component", "audit"),
		flushInterval: defaultFlushInterval,
		batchSize:     defaultBatchSize,
		events:        make(chan Event, queueCapacity),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// LogEvent enqueues an event for asynchronous, ordered persistence.
// Events across goroutines are persisted in enqueue order.
func (l *Log) LogEvent(e Event) {
	if e.ID == "" {
		e.ID = newEventID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case l.events <- e:
	default:
		// Queue saturated: block until the flusher drains. Writing the
		// event out of band here would break the enqueue-order guarantee
		// for events still sitting in the channel.
		l.logger.Warn("audit queue saturated, enqueue blocking")
		l.events <- e
	}
}

func (l *Log) run() {
	defer l.wg.Done()
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, l.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.sink.writeBatch(batch); err != nil {
			l.logger.WithError(err).Error("audit flush failed")
		}
		batch = batch[:0]
	}

	for {
		select {
		case e := <-l.events:
			batch = append(batch, e)
			if len(batch) >= l.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-l.done:
			// Drain whatever is queued before the final flush.
			for {
				select {
				case e := <-l.events:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Close flushes any queued events and stops the background goroutine.
func (l *Log) Close(ctx context.Context) error {
	close(l.done)
	waitCh := make(chan struct{})
	go func() { l.wg.Wait(); close(waitCh) }()
	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Between returns events in [start, end], optionally filtered by
// clientID, sorted ascending by timestamp.
func (l *Log) Between(start, end time.Time, clientID string) ([]Event, error) {
	lines, err := l.sink.readLines()
	if err != nil {
		return nil, err
	}
	return between(lines, start, end, clientID), nil
}

// PurgeOlderThan removes events older than the given number of days,
// preserving any line that failed to parse.
func (l *Log) PurgeOlderThan(days int) error {
	return l.sink.purgeOlderThan(days)
}

func newEventID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
