package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iago/recording-reconciler/internal/domain"
)

var (
	ErrQueueBackpressure = errors.New("queue backpressure: too many wake-up signals waiting")
	ErrBatchingClosed    = errors.New("batching producer is closed")
)

type BatchingConfig struct {
	// MaxBatchSize is the number of distinct jobs written per backend call.
	MaxBatchSize  int
	FlushInterval time.Duration
	FlushTimeout  time.Duration
	// QueueCapacity bounds the signals waiting to be merged.
	QueueCapacity int
}

type batchWriter interface {
	EnqueueBatch(ctx context.Context, messages []domain.QueueMessage) error
}

type submission struct {
	message domain.QueueMessage
	result  chan error
}

// mergedSignal is the single wake-up sent for every signal about one job.
type mergedSignal struct {
	message domain.QueueMessage
	waiters []chan error
}

// BatchingProducer collects wake-up signals for a short interval and writes
// them to the backend in one call. Signals for the same job are merged: one
// drain runs the job whatever the number of wake-ups, so only the highest
// priority and the earliest request time are kept.
type BatchingProducer struct {
	base   Producer
	writer batchWriter
	config BatchingConfig

	in         chan submission
	stop       chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	parentDone <-chan struct{}

	coalesced atomic.Int64
}

func NewBatchingProducer(parent context.Context, base Producer, cfg BatchingConfig) *BatchingProducer {
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 32
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 25 * time.Millisecond
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 3 * time.Second
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 2048
	}

	b := &BatchingProducer{
		base:       base,
		config:     cfg,
		in:         make(chan submission, cfg.QueueCapacity),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		parentDone: parent.Done(),
	}
	if writer, ok := base.(batchWriter); ok {
		b.writer = writer
	}

	go b.run()
	return b
}

// Enqueue waits until the signal, or the signal it was merged into, has been
// written to the backend.
func (b *BatchingProducer) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		return ErrBatchingClosed
	default:
	}

	sub := submission{message: message, result: make(chan error, 1)}
	select {
	case b.in <- sub:
	default:
		return ErrQueueBackpressure
	}

	select {
	case err := <-sub.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-b.done:
		select {
		case err := <-sub.result:
			return err
		default:
			return ErrBatchingClosed
		}
	}
}

// Coalesced reports how many signals were merged into another one.
func (b *BatchingProducer) Coalesced() int64 {
	return b.coalesced.Load()
}

func (b *BatchingProducer) Close() {
	b.closeOnce.Do(func() {
		close(b.stop)
		<-b.done
	})
}

func (b *BatchingProducer) run() {
	defer close(b.done)

	pending := make(map[string]*mergedSignal)
	timer := time.NewTimer(b.config.FlushInterval)
	stopTimer(timer)
	var timerCh <-chan time.Time

	for {
		select {
		case <-b.parentDone:
			b.shutdown(pending, timer)
			return
		case <-b.stop:
			b.shutdown(pending, timer)
			return
		case <-timerCh:
			timerCh = nil
			b.flush(pending)
		case sub := <-b.in:
			b.merge(pending, sub)
			if timerCh == nil {
				stopTimer(timer)
				timer.Reset(b.config.FlushInterval)
				timerCh = timer.C
			}
			if len(pending) >= b.config.MaxBatchSize {
				stopTimer(timer)
				timerCh = nil
				b.flush(pending)
			}
		}
	}
}

func (b *BatchingProducer) shutdown(pending map[string]*mergedSignal, timer *time.Timer) {
	stopTimer(timer)
	for {
		select {
		case sub := <-b.in:
			b.merge(pending, sub)
		default:
			b.flush(pending)
			return
		}
	}
}

// signalKey is the job a wake-up is for, falling back to the call.
func signalKey(message domain.QueueMessage) string {
	if message.JobID != "" {
		return "job:" + message.JobID
	}
	return "call:" + message.CallID
}

func (b *BatchingProducer) merge(pending map[string]*mergedSignal, sub submission) {
	key := signalKey(sub.message)
	existing, ok := pending[key]
	if !ok {
		pending[key] = &mergedSignal{message: sub.message, waiters: []chan error{sub.result}}
		return
	}

	b.coalesced.Add(1)
	existing.waiters = append(existing.waiters, sub.result)
	if sub.message.Priority > existing.message.Priority {
		existing.message.Priority = sub.message.Priority
	}
	requested := sub.message.RequestedAt
	if !requested.IsZero() && (existing.message.RequestedAt.IsZero() || requested.Before(existing.message.RequestedAt)) {
		existing.message.RequestedAt = requested
	}
}

// flush writes every pending signal, highest priority first, in chunks of
// MaxBatchSize and empties pending.
func (b *BatchingProducer) flush(pending map[string]*mergedSignal) {
	if len(pending) == 0 {
		return
	}
	signals := make([]*mergedSignal, 0, len(pending))
	for key, signal := range pending {
		signals = append(signals, signal)
		delete(pending, key)
	}
	sort.Slice(signals, func(i, j int) bool {
		left, right := signals[i].message, signals[j].message
		if left.Priority != right.Priority {
			return left.Priority > right.Priority
		}
		if !left.RequestedAt.Equal(right.RequestedAt) {
			return left.RequestedAt.Before(right.RequestedAt)
		}
		return left.JobID < right.JobID
	})

	for start := 0; start < len(signals); start += b.config.MaxBatchSize {
		end := min(start+b.config.MaxBatchSize, len(signals))
		chunk := signals[start:end]
		err := b.write(chunk)
		for _, signal := range chunk {
			for _, waiter := range signal.waiters {
				waiter <- err
			}
		}
	}
}

func (b *BatchingProducer) write(signals []*mergedSignal) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.config.FlushTimeout)
	defer cancel()

	messages := make([]domain.QueueMessage, 0, len(signals))
	for _, signal := range signals {
		messages = append(messages, signal.message)
	}
	if b.writer != nil {
		return b.writer.EnqueueBatch(ctx, messages)
	}
	for _, message := range messages {
		if err := b.base.Enqueue(ctx, message); err != nil {
			return err
		}
	}
	return nil
}

func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
