package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/iago/recording-reconciler/internal/domain"
)

type recordingBatchProducer struct {
	mu      sync.Mutex
	batches [][]domain.QueueMessage
}

func (p *recordingBatchProducer) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	return p.EnqueueBatch(ctx, []domain.QueueMessage{message})
}

func (p *recordingBatchProducer) EnqueueBatch(_ context.Context, messages []domain.QueueMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.batches = append(p.batches, append([]domain.QueueMessage(nil), messages...))
	return nil
}

func (p *recordingBatchProducer) batchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

func (p *recordingBatchProducer) totalMessages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, batch := range p.batches {
		total += len(batch)
	}
	return total
}

type blockingBatchProducer struct {
	block chan struct{}
}

func (p *blockingBatchProducer) Enqueue(ctx context.Context, message domain.QueueMessage) error {
	return p.EnqueueBatch(ctx, []domain.QueueMessage{message})
}

func (p *blockingBatchProducer) EnqueueBatch(ctx context.Context, _ []domain.QueueMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.block:
		return nil
	}
}

func TestBatchingProducerBatchesRequests(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &recordingBatchProducer{}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:  8,
		FlushInterval: 20 * time.Millisecond,
		FlushTimeout:  1 * time.Second,
		QueueCapacity: 64,
	})
	defer batcher.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			err := batcher.Enqueue(context.Background(), domain.QueueMessage{
				JobID:       fmt.Sprintf("job-%d", index),
				CallID:      fmt.Sprintf("call-%d", index),
				Priority:    index % 3,
				RequestedAt: time.Now().UTC().Add(time.Duration(index) * time.Millisecond),
			})
			if err != nil {
				t.Errorf("enqueue failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if base.totalMessages() != 10 {
		t.Fatalf("expected 10 enqueued messages, got %d", base.totalMessages())
	}
	if base.batchCount() >= 10 {
		t.Fatalf("expected batching to reduce write count, got %d batches", base.batchCount())
	}
}

func TestBatchingProducerBackpressure(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &blockingBatchProducer{block: make(chan struct{})}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:  1,
		FlushInterval: 200 * time.Millisecond,
		FlushTimeout:  2 * time.Second,
		QueueCapacity: 1,
	})
	defer batcher.Close()

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- batcher.Enqueue(context.Background(), domain.QueueMessage{
			JobID:       "job-first",
			CallID:      "call-first",
			RequestedAt: time.Now().UTC(),
		})
	}()

	time.Sleep(30 * time.Millisecond)

	secondDone := make(chan error, 1)
	go func() {
		secondDone <- batcher.Enqueue(context.Background(), domain.QueueMessage{
			JobID:       "job-second",
			CallID:      "call-second",
			RequestedAt: time.Now().UTC(),
		})
	}()

	time.Sleep(10 * time.Millisecond)

	thirdErr := batcher.Enqueue(context.Background(), domain.QueueMessage{
		JobID:       "job-third",
		CallID:      "call-third",
		RequestedAt: time.Now().UTC(),
	})
	if thirdErr != ErrQueueBackpressure {
		t.Fatalf("expected backpressure error, got %v", thirdErr)
	}

	close(base.block)
	if err := <-firstDone; err != nil {
		t.Fatalf("first enqueue failed unexpectedly: %v", err)
	}
	if err := <-secondDone; err != nil {
		t.Fatalf("second enqueue failed unexpectedly: %v", err)
	}
}

func TestBatchingProducerOrdersBatchByPriority(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &recordingBatchProducer{}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:  3,
		FlushInterval: time.Second,
		QueueCapacity: 8,
	})
	defer batcher.Close()

	start := time.Now().UTC()
	priorities := []int{0, 20, 10}
	var wg sync.WaitGroup
	for i, priority := range priorities {
		wg.Add(1)
		go func(index, priority int) {
			defer wg.Done()
			err := batcher.Enqueue(context.Background(), domain.QueueMessage{
				JobID:       fmt.Sprintf("job-%d", index),
				Priority:    priority,
				RequestedAt: start.Add(time.Duration(index) * time.Millisecond),
			})
			if err != nil {
				t.Errorf("enqueue failed: %v", err)
			}
		}(i, priority)
	}
	wg.Wait()

	base.mu.Lock()
	defer base.mu.Unlock()
	if len(base.batches) != 1 || len(base.batches[0]) != 3 {
		t.Fatalf("expected a single batch of 3, got %v", base.batches)
	}
	batch := base.batches[0]
	if batch[0].Priority != 20 || batch[1].Priority != 10 || batch[2].Priority != 0 {
		t.Fatalf("expected batch ordered by priority, got %d %d %d", batch[0].Priority, batch[1].Priority, batch[2].Priority)
	}
}

func TestBatchingProducerMergesSignalsForSameJob(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	base := &recordingBatchProducer{}
	batcher := NewBatchingProducer(parent, base, BatchingConfig{
		MaxBatchSize:  8,
		FlushInterval: 200 * time.Millisecond,
		QueueCapacity: 16,
	})
	defer batcher.Close()

	start := time.Now().UTC()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			err := batcher.Enqueue(context.Background(), domain.QueueMessage{
				JobID:       "job-1",
				CallID:      "call-1",
				Priority:    index * 5,
				RequestedAt: start.Add(time.Duration(index) * time.Second),
			})
			if err != nil {
				t.Errorf("enqueue failed: %v", err)
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := batcher.Enqueue(context.Background(), domain.QueueMessage{JobID: "job-2", CallID: "call-2"}); err != nil {
			t.Errorf("enqueue failed: %v", err)
		}
	}()
	wg.Wait()

	base.mu.Lock()
	defer base.mu.Unlock()
	if len(base.batches) != 1 || len(base.batches[0]) != 2 {
		t.Fatalf("expected one batch with one message per job, got %v", base.batches)
	}
	merged := base.batches[0][0]
	if merged.JobID != "job-1" || merged.Priority != 20 || !merged.RequestedAt.Equal(start) {
		t.Fatalf("expected highest priority and earliest request kept, got %+v", merged)
	}
	if batcher.Coalesced() != 4 {
		t.Fatalf("expected 4 merged signals, got %d", batcher.Coalesced())
	}
}

func TestBatchingProducerFlushesOnClose(t *testing.T) {
	base := &recordingBatchProducer{}
	batcher := NewBatchingProducer(context.Background(), base, BatchingConfig{
		MaxBatchSize:  2,
		FlushInterval: time.Hour,
		QueueCapacity: 8,
	})

	done := make(chan error, 1)
	go func() {
		done <- batcher.Enqueue(context.Background(), domain.QueueMessage{JobID: "job-1"})
	}()
	time.Sleep(20 * time.Millisecond)
	batcher.Close()

	if err := <-done; err != nil {
		t.Fatalf("expected pending signal to be written on close, got %v", err)
	}
	if base.totalMessages() != 1 {
		t.Fatalf("expected 1 message, got %d", base.totalMessages())
	}
	if err := batcher.Enqueue(context.Background(), domain.QueueMessage{JobID: "job-2"}); err != ErrBatchingClosed {
		t.Fatalf("expected ErrBatchingClosed, got %v", err)
	}
}
