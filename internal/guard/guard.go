// Package guard is the SyncGuard component: a pure predicate deciding
// whether an incoming sync record should be skipped because local
// state is more authoritative right now.
package guard

import (
	"context"
	"fmt"

	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/clock"
)

// SkipReason names which ordered check caused a skip.
type SkipReason string

const (
	ReasonNone              SkipReason = ""
	ReasonTemporaryID       SkipReason = "TemporaryId"
	ReasonActivelyEditing   SkipReason = "ActivelyEditing"
	ReasonLocalNewer        SkipReason = "LocalNewer"
	ReasonPendingUpload     SkipReason = "PendingUpload"
	ReasonPendingCreate     SkipReason = "PendingCreate"
	ReasonPendingFileUpload SkipReason = "PendingFileUpload"
)

// Queries is the narrow view of OperationQueue and NoteStore state the
// guard needs. Kept as an interface so the predicate stays pure and
// testable without a real database.
type Queries interface {
	ActiveEditingNoteID() string
	HasPendingUpload(ctx context.Context, noteID string) (bool, error)
	GetLocalSaveTimestamp(ctx context.Context, noteID string) (int64, error)
	HasPendingNoteCreate(ctx context.Context, noteID string) (bool, error)
	HasPendingFileUpload(ctx context.Context, noteID string) (bool, error)
}

// Guard evaluates shouldSkipSync/getSkipReason.
type Guard struct {
	q Queries
}

// New constructs a Guard over the given query source.
func New(q Queries) *Guard {
	return &Guard{q: q}
}

// GetSkipReason runs the six ordered checks, first match wins.
func (g *Guard) GetSkipReason(ctx context.Context, noteID string, cloudTimestamp int64) (SkipReason, error) {
	if clock.IsTemporaryID(noteID) {
		return ReasonTemporaryID, nil
	}

	if g.q.ActiveEditingNoteID() == noteID {
		return ReasonActivelyEditing, nil
	}

	hasUpload, err := g.q.HasPendingUpload(ctx, noteID)
	if err != nil {
		return ReasonNone, fmt.Errorf("guard: has pending upload: %w", err)
	}
	if hasUpload {
		localTS, err := g.q.GetLocalSaveTimestamp(ctx, noteID)
		if err != nil {
			return ReasonNone, fmt.Errorf("guard: local save timestamp: %w", err)
		}
		if localTS >= cloudTimestamp {
			return ReasonLocalNewer, nil
		}
		return ReasonPendingUpload, nil
	}

	hasCreate, err := g.q.HasPendingNoteCreate(ctx, noteID)
	if err != nil {
		return ReasonNone, fmt.Errorf("guard: has pending create: %w", err)
	}
	if hasCreate {
		return ReasonPendingCreate, nil
	}

	hasFileUpload, err := g.q.HasPendingFileUpload(ctx, noteID)
	if err != nil {
		return ReasonNone, fmt.Errorf("guard: has pending file upload: %w", err)
	}
	if hasFileUpload {
		return ReasonPendingFileUpload, nil
	}

	return ReasonNone, nil
}

// ShouldSkipSync reports whether the incoming record should be skipped.
func (g *Guard) ShouldSkipSync(ctx context.Context, noteID string, cloudTimestamp int64) (bool, error) {
	reason, err := g.GetSkipReason(ctx, noteID, cloudTimestamp)
	if err != nil {
		return false, err
	}
	return reason != ReasonNone, nil
}
