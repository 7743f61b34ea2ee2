// Package queue is the OperationQueue: a persistent, thread-safe queue
// of pending operations keyed by note or folder ID.
//
// State lives in the database, and this package exposes
// intention-revealing methods over it — here the database is
// internal/storage rather than an in-memory cache, since the queue must
// survive process restarts.
package queue

import (
	"context"
	"fmt"

	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/clock"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/model"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/storage"
	"github.com/google/uuid"
)

// Queue is the OperationQueue. It holds no mutable state of its own;
// every operation is persisted through db, which already enforces
// single-writer discipline.
type Queue struct {
	db    *storage.Database
	clock clock.Clock
}

// New constructs a Queue over an open database.
func New(db *storage.Database, c clock.Clock) *Queue {
	return &Queue{db: db, clock: c}
}

// Enqueue persists a new operation row. If op.Type is cloudUpload and a
// pending upload already exists for op.NoteID, it replaces that row's
// payload and localSaveTimestamp instead of appending a duplicate, since
// only the latest content matters once it finally uploads.
func (q *Queue) Enqueue(ctx context.Context, op model.NoteOperation) (model.NoteOperation, error) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Status == "" {
		op.Status = model.StatusPending
	}
	if op.Priority == 0 {
		op.Priority = op.Type.Priority()
	}
	if op.LocalSaveTimestamp == 0 {
		op.LocalSaveTimestamp = q.clock.NowMillis()
	}

	if op.Type == model.OpCloudUpload {
		existing, found, err := q.db.FindPendingCloudUpload(ctx, op.NoteID)
		if err != nil {
			return model.NoteOperation{}, fmt.Errorf("queue: find pending upload: %w", err)
		}
		if found {
			if err := q.db.ReplaceOperationPayload(ctx, existing.ID, op.Data, op.LocalSaveTimestamp); err != nil {
				return model.NoteOperation{}, fmt.Errorf("queue: coalesce upload: %w", err)
			}
			existing.Data = op.Data
			existing.LocalSaveTimestamp = op.LocalSaveTimestamp
			return existing, nil
		}
	}

	if err := q.db.EnqueueOperation(ctx, op); err != nil {
		return model.NoteOperation{}, fmt.Errorf("queue: enqueue: %w", err)
	}
	return op, nil
}

// GetPendingOperations returns every pending operation ordered by
// priority descending, then insertion order ascending.
func (q *Queue) GetPendingOperations(ctx context.Context) ([]model.NoteOperation, error) {
	ops, err := q.db.ListPendingOperations(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue: list pending: %w", err)
	}
	return ops, nil
}

// HasPendingUpload reports whether a pending cloudUpload exists for
// noteId.
func (q *Queue) HasPendingUpload(ctx context.Context, noteID string) (bool, error) {
	return q.db.HasPendingOperation(ctx, noteID, model.OpCloudUpload)
}

// HasPendingNoteCreate reports whether a pending noteCreate exists for
// noteId.
func (q *Queue) HasPendingNoteCreate(ctx context.Context, noteID string) (bool, error) {
	return q.db.HasPendingOperation(ctx, noteID, model.OpNoteCreate)
}

// HasPendingFileUpload reports whether a pending imageUpload or
// audioUpload exists for noteId.
func (q *Queue) HasPendingFileUpload(ctx context.Context, noteID string) (bool, error) {
	return q.db.HasPendingOperation(ctx, noteID, model.OpImageUpload, model.OpAudioUpload)
}

// GetLocalSaveTimestamp returns the pending upload's localSaveTimestamp
// for noteId, or 0 if there is none.
func (q *Queue) GetLocalSaveTimestamp(ctx context.Context, noteID string) (int64, error) {
	return q.db.GetLocalSaveTimestamp(ctx, noteID)
}

// CancelOperations deletes all pending rows for noteId.
func (q *Queue) CancelOperations(ctx context.Context, noteID string) error {
	return q.db.CancelOperations(ctx, noteID)
}

// UpdateNoteIDInPendingOperations atomically rewrites every pending
// operation's noteId, used by ID remapping.
func (q *Queue) UpdateNoteIDInPendingOperations(ctx context.Context, oldID, newID string) error {
	return q.db.UpdateNoteIDInPendingOperations(ctx, oldID, newID)
}

// UpdateStatus transitions a queue row to the given status (running,
// completed or failed), with no retry-count change.
func (q *Queue) UpdateStatus(ctx context.Context, opID string, status model.OperationStatus, lastErr string) error {
	return q.db.UpdateOperationStatus(ctx, opID, status, lastErr, false)
}

// MarkRetrying transitions an op back to pending after a transient
// failure and increments its retry count.
func (q *Queue) MarkRetrying(ctx context.Context, opID string, lastErr string) error {
	return q.db.UpdateOperationStatus(ctx, opID, model.StatusPending, lastErr, true)
}

// Complete marks an operation completed and removes its row.
func (q *Queue) Complete(ctx context.Context, opID string) error {
	return q.db.DeleteOperation(ctx, opID)
}
