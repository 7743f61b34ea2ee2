// Package startup is the StartupSequencer: three ordered phases, each
// tolerant of the prior phase's failure, that bring a freshly launched
// client back to a usable state.
package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/clock"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/eventbus"
	"github.com/rs/zerolog/log"
)

// PhaseName identifies one of the three startup phases.
type PhaseName string

const (
	PhaseLoadLocal  PhaseName = "loadLocal"
	PhaseDrainQueue PhaseName = "drainQueue"
	PhaseSync       PhaseName = "sync"
)

// PhaseResult records one phase's outcome.
type PhaseResult struct {
	Phase    PhaseName
	Err      error
	Duration time.Duration
}

// CompletedEvent is returned by Run once all three phases have run,
// regardless of whether any individual phase failed. It is not published
// on the event bus; Run publishes only an ErrorEvent, and only when a
// phase failed.
type CompletedEvent struct {
	Success   bool
	Errors    []error
	DurationMs int64
}

// NoteCaches is the narrow view of NoteStore StartupSequencer needs.
type NoteCaches interface {
	LoadCaches(ctx context.Context) error
}

// QueueDrainer is the narrow view of OperationProcessor needed to drain
// pending work.
type QueueDrainer interface {
	ProcessQueue(ctx context.Context) error
}

// SyncRunner is the narrow view of SyncEngine needed for the startup
// sync phase.
type SyncRunner interface {
	SmartSync(ctx context.Context) error
}

// OnlineChecker reports current connectivity.
type OnlineChecker func() bool

// AuthChecker reports whether valid credentials are currently cached.
type AuthChecker func() bool

// Sequencer is the StartupSequencer.
type Sequencer struct {
	store    NoteCaches
	drainer  QueueDrainer
	sync     SyncRunner
	bus      *eventbus.EventBus
	clk      clock.Clock
	isOnline OnlineChecker
	isAuthed AuthChecker

	hasPending func(ctx context.Context) (bool, error)
}

// New constructs a Sequencer. hasPending reports whether the queue has
// any pending operation, used to skip the drain phase cheaply.
func New(store NoteCaches, drainer QueueDrainer, sync SyncRunner, bus *eventbus.EventBus, clk clock.Clock, isOnline OnlineChecker, isAuthed AuthChecker, hasPending func(ctx context.Context) (bool, error)) *Sequencer {
	return &Sequencer{
		store:      store,
		drainer:    drainer,
		sync:       sync,
		bus:        bus,
		clk:        clk,
		isOnline:   isOnline,
		isAuthed:   isAuthed,
		hasPending: hasPending,
	}
}

// Run executes all three phases in order. Each phase's failure is
// recorded but does not prevent the next phase from running: the
// phases are independently failure tolerant.
func (s *Sequencer) Run(ctx context.Context) CompletedEvent {
	start := s.clk.Now()
	var results []PhaseResult

	results = append(results, s.runPhase(ctx, PhaseLoadLocal, s.store.LoadCaches))

	results = append(results, s.runPhase(ctx, PhaseDrainQueue, func(ctx context.Context) error {
		if s.isOnline != nil && !s.isOnline() {
			log.Debug().Msg("startup: offline, skipping queue drain")
			return nil
		}
		if s.hasPending != nil {
			pending, err := s.hasPending(ctx)
			if err != nil {
				return fmt.Errorf("startup: check pending operations: %w", err)
			}
			if !pending {
				return nil
			}
		}
		return s.drainer.ProcessQueue(ctx)
	}))

	results = append(results, s.runPhase(ctx, PhaseSync, func(ctx context.Context) error {
		if s.isAuthed != nil && !s.isAuthed() {
			log.Debug().Msg("startup: not authenticated, skipping sync")
			return nil
		}
		if s.isOnline != nil && !s.isOnline() {
			log.Debug().Msg("startup: offline, skipping sync")
			return nil
		}
		return s.sync.SmartSync(ctx)
	}))

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Phase, r.Err))
		}
	}

	ev := CompletedEvent{
		Success:    len(errs) == 0,
		Errors:     errs,
		DurationMs: s.clk.Now().Sub(start).Milliseconds(),
	}
	if s.bus != nil && !ev.Success {
		s.bus.Errors.Publish(eventbus.ErrorEvent{
			Kind: eventbus.ErrorStorageFailed,
			Err:  fmt.Errorf("startup: %d phase(s) failed: %w", len(errs), errs[0]),
		})
	}
	log.Info().Bool("success", ev.Success).Int64("durationMs", ev.DurationMs).Int("errorCount", len(errs)).Msg("startup: sequence completed")
	return ev
}

func (s *Sequencer) runPhase(ctx context.Context, name PhaseName, fn func(context.Context) error) PhaseResult {
	start := s.clk.Now()
	err := fn(ctx)
	dur := s.clk.Now().Sub(start)
	if err != nil {
		log.Error().Err(err).Str("phase", string(name)).Dur("duration", dur).Msg("startup: phase failed")
	} else {
		log.Debug().Str("phase", string(name)).Dur("duration", dur).Msg("startup: phase completed")
	}
	return PhaseResult{Phase: name, Err: err, Duration: dur}
}
