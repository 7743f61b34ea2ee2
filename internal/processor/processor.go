// Package processor is the OperationProcessor: it dispatches queued
// operations to typed handlers, retries transient failures with
// exponential backoff, and coordinates ID-completion ordering with
// IdMappingRegistry.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/clock"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/model"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/queue"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Handler executes one queued operation against the cloud API. A
// transient error (network, 5xx, 429) should be returned wrapped so
// errors.Is(err, ErrTransient) is true; anything else is treated as
// permanent.
type Handler func(ctx context.Context, op model.NoteOperation) error

// ErrTransient marks a handler failure as retryable.
var ErrTransient = errors.New("processor: transient failure")

// IDResolver is the narrow view of IdMappingRegistry the processor
// needs: resolve a possibly-temporary noteId to its server id.
type IDResolver interface {
	ResolveID(ctx context.Context, id string) (string, error)
}

// Processor is the OperationProcessor.
type Processor struct {
	queue    *queue.Queue
	ids      IDResolver
	handlers map[model.OperationType]Handler

	baseDelay  time.Duration
	maxDelay   time.Duration
	maxRetries int

	mu       sync.Mutex // isolation boundary: serializes queue draining
	draining bool
}

// New constructs a Processor. Register handlers with RegisterHandler
// before calling ProcessQueue.
func New(q *queue.Queue, ids IDResolver, baseDelay, maxDelay time.Duration, maxRetries int) *Processor {
	return &Processor{
		queue:      q,
		ids:        ids,
		handlers:   make(map[model.OperationType]Handler),
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		maxRetries: maxRetries,
	}
}

// RegisterHandler installs the handler for a given operation type.
func (p *Processor) RegisterHandler(t model.OperationType, h Handler) {
	p.handlers[t] = h
}

// ProcessQueue is the single entry point: it drains every pending
// operation in priority/FIFO order, re-enqueueing itself after each
// success until the queue is empty.
func (p *Processor) ProcessQueue(ctx context.Context) error {
	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil
	}
	p.draining = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.draining = false
		p.mu.Unlock()
	}()

	for {
		ops, err := p.queue.GetPendingOperations(ctx)
		if err != nil {
			return fmt.Errorf("processor: list pending: %w", err)
		}

		progressed := false
		for _, op := range ops {
			advanced, err := p.processOne(ctx, op)
			if err != nil {
				log.Error().Err(err).Str("opId", op.ID).Msg("processor: op failed")
			}
			if advanced {
				progressed = true
				break // re-derive scheduling order after any state change
			}
		}
		if !progressed {
			return nil
		}
	}
}

// ProcessImmediately attempts op now without waiting for the next drain
// tick; ordering of other pending ops is unaffected.
func (p *Processor) ProcessImmediately(ctx context.Context, op model.NoteOperation) error {
	_, err := p.processOne(ctx, op)
	return err
}

// processOne dispatches a single op and reports whether it advanced
// (i.e. was actually attempted rather than deferred on an unresolved
// temporary ID).
func (p *Processor) processOne(ctx context.Context, op model.NoteOperation) (bool, error) {
	resolvedID, err := p.ids.ResolveID(ctx, op.NoteID)
	if err != nil {
		return false, fmt.Errorf("processor: resolve id %s: %w", op.NoteID, err)
	}

	if clock.IsTemporaryID(resolvedID) && op.Type != model.OpNoteCreate {
		// No mapping yet and this isn't the op that creates one: defer,
		// enforcing the happens-before between noteCreate and everything
		// else referencing the same note.
		return false, nil
	}
	op.NoteID = resolvedID

	handler, ok := p.handlers[op.Type]
	if !ok {
		return false, fmt.Errorf("processor: no handler registered for %s", op.Type)
	}

	if err := p.queue.UpdateStatus(ctx, op.ID, model.StatusRunning, ""); err != nil {
		return false, fmt.Errorf("processor: mark running: %w", err)
	}

	handlerErr := handler(ctx, op)
	if handlerErr == nil {
		if err := p.queue.Complete(ctx, op.ID); err != nil {
			return true, fmt.Errorf("processor: complete %s: %w", op.ID, err)
		}
		return true, nil
	}

	if errors.Is(handlerErr, ErrTransient) && op.RetryCount < p.maxRetries {
		if err := p.queue.MarkRetrying(ctx, op.ID, handlerErr.Error()); err != nil {
			return true, err
		}
		delay := p.backoffDelay(op.RetryCount + 1)
		log.Warn().Str("opId", op.ID).Dur("delay", delay).Err(handlerErr).Msg("processor: transient failure, will retry")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
		return true, handlerErr
	}

	if err := p.queue.UpdateStatus(ctx, op.ID, model.StatusFailed, handlerErr.Error()); err != nil {
		return true, err
	}
	return true, handlerErr
}

// backoffDelay computes baseDelay * 2^(retryCount-1) capped at maxDelay,
// using cenkalti/backoff/v4's exponential generator to produce the
// sequence deterministically (randomization disabled).
func (p *Processor) backoffDelay(retryCount int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.baseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.maxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.InitialInterval
	for i := 0; i < retryCount; i++ {
		delay = b.NextBackOff()
	}
	if delay > p.maxDelay {
		delay = p.maxDelay
	}
	return delay
}
