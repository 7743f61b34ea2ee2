package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/model"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/storage"
)

type fakeClock struct{ ms int64 }

func (c *fakeClock) NowMillis() int64 { return c.ms }
func (c *fakeClock) Now() time.Time   { return time.UnixMilli(c.ms) }

func newTestQueue(t *testing.T) (*Queue, *fakeClock) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	clk := &fakeClock{ms: 1000}
	return New(db, clk), clk
}

func TestEnqueueAssignsDefaults(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	op, err := q.Enqueue(ctx, model.NoteOperation{Type: model.OpNoteCreate, NoteID: "local_1"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if op.ID == "" {
		t.Error("Enqueue() left ID empty")
	}
	if op.Status != model.StatusPending {
		t.Errorf("Enqueue() Status = %q, want %q", op.Status, model.StatusPending)
	}
	if op.Priority != model.OpNoteCreate.Priority() {
		t.Errorf("Enqueue() Priority = %d, want %d", op.Priority, model.OpNoteCreate.Priority())
	}
}

func TestEnqueueCoalescesCloudUploads(t *testing.T) {
	q, clk := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, model.NoteOperation{Type: model.OpCloudUpload, NoteID: "note1", Data: []byte("v1")})
	if err != nil {
		t.Fatalf("Enqueue() first error = %v", err)
	}

	clk.ms = 2000
	second, err := q.Enqueue(ctx, model.NoteOperation{Type: model.OpCloudUpload, NoteID: "note1", Data: []byte("v2")})
	if err != nil {
		t.Fatalf("Enqueue() second error = %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("coalesced upload got a new row id %q, want reuse of %q", second.ID, first.ID)
	}

	ops, err := q.GetPendingOperations(ctx)
	if err != nil {
		t.Fatalf("GetPendingOperations() error = %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("GetPendingOperations() = %d rows, want 1 (coalesced)", len(ops))
	}
	if string(ops[0].Data) != "v2" {
		t.Errorf("coalesced row Data = %q, want latest %q", ops[0].Data, "v2")
	}
	if ops[0].LocalSaveTimestamp != 2000 {
		t.Errorf("coalesced row LocalSaveTimestamp = %d, want 2000", ops[0].LocalSaveTimestamp)
	}
}

func TestGetPendingOperationsOrdering(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, model.NoteOperation{Type: model.OpCloudUpload, NoteID: "note1"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := q.Enqueue(ctx, model.NoteOperation{Type: model.OpCloudDelete, NoteID: "note2"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := q.Enqueue(ctx, model.NoteOperation{Type: model.OpFolderRename, NoteID: "f1"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	ops, err := q.GetPendingOperations(ctx)
	if err != nil {
		t.Fatalf("GetPendingOperations() error = %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("GetPendingOperations() = %d ops, want 3", len(ops))
	}
	if ops[0].Type != model.OpCloudDelete {
		t.Errorf("highest priority op first = %q, want %q", ops[0].Type, model.OpCloudDelete)
	}
	if ops[len(ops)-1].Type != model.OpFolderRename {
		t.Errorf("lowest priority op last = %q, want %q", ops[len(ops)-1].Type, model.OpFolderRename)
	}
}

func TestHasPendingPredicates(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, model.NoteOperation{Type: model.OpNoteCreate, NoteID: "note1"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := q.Enqueue(ctx, model.NoteOperation{Type: model.OpImageUpload, NoteID: "note2"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if has, _ := q.HasPendingNoteCreate(ctx, "note1"); !has {
		t.Error("HasPendingNoteCreate(note1) = false, want true")
	}
	if has, _ := q.HasPendingNoteCreate(ctx, "note2"); has {
		t.Error("HasPendingNoteCreate(note2) = true, want false")
	}
	if has, _ := q.HasPendingFileUpload(ctx, "note2"); !has {
		t.Error("HasPendingFileUpload(note2) = false, want true")
	}
	if has, _ := q.HasPendingUpload(ctx, "note1"); has {
		t.Error("HasPendingUpload(note1) = true, want false")
	}
}

func TestCompleteRemovesRow(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	op, err := q.Enqueue(ctx, model.NoteOperation{Type: model.OpNoteCreate, NoteID: "note1"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := q.Complete(ctx, op.ID); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	ops, err := q.GetPendingOperations(ctx)
	if err != nil {
		t.Fatalf("GetPendingOperations() error = %v", err)
	}
	if len(ops) != 0 {
		t.Errorf("GetPendingOperations() after Complete = %d rows, want 0", len(ops))
	}
}

func TestMarkRetryingIncrementsRetryCount(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	op, err := q.Enqueue(ctx, model.NoteOperation{Type: model.OpCloudUpload, NoteID: "note1"})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := q.MarkRetrying(ctx, op.ID, "transient failure"); err != nil {
		t.Fatalf("MarkRetrying() error = %v", err)
	}

	ops, err := q.GetPendingOperations(ctx)
	if err != nil {
		t.Fatalf("GetPendingOperations() error = %v", err)
	}
	if len(ops) != 1 {
		t.Fatalf("GetPendingOperations() = %d rows, want 1", len(ops))
	}
	if ops[0].RetryCount != 1 {
		t.Errorf("RetryCount after MarkRetrying = %d, want 1", ops[0].RetryCount)
	}
	if ops[0].LastError != "transient failure" {
		t.Errorf("LastError = %q, want %q", ops[0].LastError, "transient failure")
	}
}
