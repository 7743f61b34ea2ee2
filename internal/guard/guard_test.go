package guard

import (
	"context"
	"errors"
	"testing"
)

type fakeQueries struct {
	activeEditingID   string
	pendingUpload     bool
	pendingUploadErr  error
	localSaveTS       int64
	localSaveTSErr    error
	pendingCreate     bool
	pendingCreateErr  error
	pendingFileUpload bool
	pendingFileErr    error
}

func (f *fakeQueries) ActiveEditingNoteID() string { return f.activeEditingID }
func (f *fakeQueries) HasPendingUpload(ctx context.Context, noteID string) (bool, error) {
	return f.pendingUpload, f.pendingUploadErr
}
func (f *fakeQueries) GetLocalSaveTimestamp(ctx context.Context, noteID string) (int64, error) {
	return f.localSaveTS, f.localSaveTSErr
}
func (f *fakeQueries) HasPendingNoteCreate(ctx context.Context, noteID string) (bool, error) {
	return f.pendingCreate, f.pendingCreateErr
}
func (f *fakeQueries) HasPendingFileUpload(ctx context.Context, noteID string) (bool, error) {
	return f.pendingFileUpload, f.pendingFileErr
}

func TestGetSkipReasonOrderedChecks(t *testing.T) {
	tests := []struct {
		name           string
		noteID         string
		cloudTimestamp int64
		q              *fakeQueries
		want           SkipReason
	}{
		{
			name:   "temporary id short-circuits before anything else",
			noteID: "local_abc",
			q:      &fakeQueries{activeEditingID: "local_abc", pendingUpload: true},
			want:   ReasonTemporaryID,
		},
		{
			name:   "actively editing",
			noteID: "note1",
			q:      &fakeQueries{activeEditingID: "note1"},
			want:   ReasonActivelyEditing,
		},
		{
			name:           "pending upload with stale local save loses to cloud",
			noteID:         "note1",
			cloudTimestamp: 100,
			q:              &fakeQueries{pendingUpload: true, localSaveTS: 50},
			want:           ReasonPendingUpload,
		},
		{
			name:           "pending upload with local save newer than or equal to cloud",
			noteID:         "note1",
			cloudTimestamp: 100,
			q:              &fakeQueries{pendingUpload: true, localSaveTS: 100},
			want:           ReasonLocalNewer,
		},
		{
			name: "pending create",
			q:    &fakeQueries{pendingCreate: true},
			want: ReasonPendingCreate,
		},
		{
			name: "pending file upload",
			q:    &fakeQueries{pendingFileUpload: true},
			want: ReasonPendingFileUpload,
		},
		{
			name: "nothing pending",
			q:    &fakeQueries{},
			want: ReasonNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(tt.q)
			got, err := g.GetSkipReason(context.Background(), tt.noteID, tt.cloudTimestamp)
			if err != nil {
				t.Fatalf("GetSkipReason() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("GetSkipReason() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetSkipReasonPropagatesQueryErrors(t *testing.T) {
	wantErr := errors.New("boom")
	q := &fakeQueries{pendingUploadErr: wantErr}
	g := New(q)

	_, err := g.GetSkipReason(context.Background(), "note1", 0)
	if err == nil {
		t.Fatal("GetSkipReason() expected an error, got nil")
	}
}

func TestShouldSkipSync(t *testing.T) {
	g := New(&fakeQueries{pendingCreate: true})
	skip, err := g.ShouldSkipSync(context.Background(), "note1", 0)
	if err != nil {
		t.Fatalf("ShouldSkipSync() unexpected error: %v", err)
	}
	if !skip {
		t.Error("ShouldSkipSync() = false, want true when a pending create exists")
	}

	g = New(&fakeQueries{})
	skip, err = g.ShouldSkipSync(context.Background(), "note1", 0)
	if err != nil {
		t.Fatalf("ShouldSkipSync() unexpected error: %v", err)
	}
	if skip {
		t.Error("ShouldSkipSync() = true, want false when nothing is pending")
	}
}
