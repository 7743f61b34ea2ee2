// Package idmapping is the IdMappingRegistry: it holds the
// temporary-to-server ID mapping table plus an in-memory cache, and
// performs the "cutover" that rewrites every row referencing a
// temporary ID once the server ID is known.
//
// Uses a double-checked-lock caching shape (a short-held mutex guarding
// a small map, synchronous reads, a slow path that hits durable
// storage): a lock-protected shared object rather than an actor, to
// avoid a suspension fan-out deadlock.
package idmapping

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/clock"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/eventbus"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/model"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/queue"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/storage"
	"github.com/rs/zerolog/log"
)

// Registry is the IdMappingRegistry.
type Registry struct {
	db    *storage.Database
	queue *queue.Queue
	bus   *eventbus.EventBus
	clk   clock.Clock

	mu    sync.Mutex
	cache map[string]string // localId -> serverId, completed mappings only
}

// New constructs a Registry over an open database and event bus.
func New(db *storage.Database, q *queue.Queue, bus *eventbus.EventBus, clk clock.Clock) *Registry {
	return &Registry{
		db:    db,
		queue: q,
		bus:   bus,
		clk:   clk,
		cache: make(map[string]string),
	}
}

// ResolveID returns the server ID for id if a completed mapping exists;
// otherwise it returns id unchanged. Non-temporary IDs are returned
// immediately without touching the cache or database.
func (r *Registry) ResolveID(ctx context.Context, id string) (string, error) {
	if !clock.IsTemporaryID(id) {
		return id, nil
	}

	r.mu.Lock()
	if serverID, ok := r.cache[id]; ok {
		r.mu.Unlock()
		return serverID, nil
	}
	r.mu.Unlock()

	mapping, found, err := r.db.GetIdMapping(ctx, id)
	if err != nil {
		return "", fmt.Errorf("idmapping: resolve %s: %w", id, err)
	}
	if !found || !mapping.Completed {
		return id, nil
	}

	r.mu.Lock()
	r.cache[id] = mapping.ServerID
	r.mu.Unlock()

	return mapping.ServerID, nil
}

// RegisterMapping persists and caches a localId/serverId pair. It is
// idempotent for the same pair.
func (r *Registry) RegisterMapping(ctx context.Context, localID, serverID string, entityType model.EntityType) error {
	mapping := model.IdMapping{
		LocalID:    localID,
		ServerID:   serverID,
		EntityType: entityType,
		CreatedAt:  r.clk.Now(),
		Completed:  false,
	}
	if err := r.db.PutIdMapping(ctx, mapping); err != nil {
		return fmt.Errorf("idmapping: register %s: %w", localID, err)
	}
	return nil
}

// UpdateAllReferences is the cutover: it renames the note's primary
// key, rewrites every pending operation's noteId, and publishes
// IdMappingEvent.mappingCompleted. The rename and the rewrite are two
// separate write transactions, not one; a cutover interrupted between
// them is finished by RecoverIncompleteMappings, since the mapping is
// not marked completed until both have run. Only note and folder entities are
// cut over here; file entities use RemapFileReference instead since
// their "reference" is a content substring, not a row's primary key.
func (r *Registry) UpdateAllReferences(ctx context.Context, localID, serverID string, entityType model.EntityType) error {
	switch entityType {
	case model.EntityNote:
		if err := r.cutoverNote(ctx, localID, serverID); err != nil {
			return err
		}
	case model.EntityFolder:
		if err := r.cutoverFolder(ctx, localID, serverID); err != nil {
			return err
		}
	default:
		return fmt.Errorf("idmapping: updateAllReferences: unsupported entity type %q", entityType)
	}

	if err := r.queue.UpdateNoteIDInPendingOperations(ctx, localID, serverID); err != nil {
		return fmt.Errorf("idmapping: rewrite pending operations: %w", err)
	}

	r.bus.IdMappings.Publish(eventbus.IdMappingEvent{
		Kind:       eventbus.IdMappingCompleted,
		LocalID:    localID,
		ServerID:   serverID,
		EntityType: entityType,
	})

	return nil
}

func (r *Registry) cutoverNote(ctx context.Context, localID, serverID string) error {
	note, found, err := r.db.GetNote(ctx, localID)
	if err != nil {
		return fmt.Errorf("idmapping: load note %s: %w", localID, err)
	}
	if !found {
		return nil
	}
	note.ID = serverID
	if err := r.db.RenameNoteID(ctx, localID, note); err != nil {
		return fmt.Errorf("idmapping: rename note %s -> %s: %w", localID, serverID, err)
	}
	return nil
}

func (r *Registry) cutoverFolder(ctx context.Context, localID, serverID string) error {
	folder, found, err := r.db.GetFolder(ctx, localID)
	if err != nil {
		return fmt.Errorf("idmapping: load folder %s: %w", localID, err)
	}
	if !found {
		return nil
	}
	folder.ID = serverID
	if err := r.db.RenameFolderID(ctx, localID, folder); err != nil {
		return fmt.Errorf("idmapping: rename folder %s -> %s: %w", localID, serverID, err)
	}
	return nil
}

// MarkCompleted flips a mapping's completed flag, making it eligible for
// later cleanup.
func (r *Registry) MarkCompleted(ctx context.Context, localID string) error {
	if err := r.db.MarkMappingCompleted(ctx, localID); err != nil {
		return fmt.Errorf("idmapping: mark completed %s: %w", localID, err)
	}
	return nil
}

// RecoverIncompleteMappings re-runs updateAllReferences (idempotent) for
// every mapping not yet marked completed, then marks it completed. Call
// once at startup before draining the queue.
func (r *Registry) RecoverIncompleteMappings(ctx context.Context) error {
	mappings, err := r.db.ListIncompleteMappings(ctx)
	if err != nil {
		return fmt.Errorf("idmapping: list incomplete: %w", err)
	}
	for _, m := range mappings {
		if err := r.UpdateAllReferences(ctx, m.LocalID, m.ServerID, m.EntityType); err != nil {
			log.Error().Err(err).Str("localId", m.LocalID).Msg("idmapping: recover incomplete mapping failed")
			continue
		}
		if err := r.MarkCompleted(ctx, m.LocalID); err != nil {
			log.Error().Err(err).Str("localId", m.LocalID).Msg("idmapping: mark recovered mapping completed failed")
		}
	}
	return nil
}

// FileRemapPoller polls a note's content for a file-ID substitution
// that has not yet landed because the upload and the editor's save are
// racing each other. The reupload callback passed to
// RemapFileReference is invoked once the substitution succeeds,
// typically re-enqueueing a cloudUpload.
type FileRemapPoller struct {
	PollCount    int
	PollInterval time.Duration
}

// RemapFileReference rewrites occurrences of localId inside noteId's
// content with serverId. Because the editor may still be saving the old
// reference, it polls up to PollCount times at PollInterval until the
// substitution takes hold, then invokes reupload.
func (r *Registry) RemapFileReference(ctx context.Context, p FileRemapPoller, noteID, localID, serverID string, reupload func(ctx context.Context, noteID string) error) error {
	if err := r.RegisterMapping(ctx, localID, serverID, model.EntityFile); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < p.PollCount; attempt++ {
		changed, err := r.db.RewriteNoteContent(ctx, noteID, localID, serverID)
		if err != nil {
			lastErr = err
		} else if changed {
			if err := r.MarkCompleted(ctx, localID); err != nil {
				return err
			}
			if reupload != nil {
				return reupload(ctx, noteID)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.PollInterval):
		}
	}

	if lastErr != nil {
		return fmt.Errorf("idmapping: remap file reference %s in note %s: %w", localID, noteID, lastErr)
	}
	log.Warn().Str("noteId", noteID).Str("localId", localID).Msg("idmapping: file reference not found after polling")
	return nil
}
