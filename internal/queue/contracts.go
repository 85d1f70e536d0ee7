package queue

import (
	"context"

	"github.com/iago/recording-reconciler/internal/domain"
)

// Producer publishes transcription wake-up signals to a queue backend.
type Producer interface {
	Enqueue(ctx context.Context, message domain.QueueMessage) error
}

// Consumer receives wake-up signals and runs handler for each.
type Consumer interface {
	Consume(ctx context.Context, handler func(context.Context, domain.QueueMessage) error) error
}
