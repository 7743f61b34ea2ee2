// Package notestore is the NoteStore component: the sole database
// writer for notes and folders. It owns the in-memory caches, the
// active-editing pointer, and republishes result events after every
// mutation.
package notestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/clock"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/eventbus"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/model"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/queue"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/storage"
	"github.com/rs/zerolog/log"
)

// operationPayload is the JSON shape enqueued in a NoteOperation's Data
// column. It mirrors cloudsync's decodePayload exactly: that package has
// no database access of its own, so every field a write handler needs
// must travel here rather than being looked up at dispatch time.
type operationPayload struct {
	Title    string `json:"title,omitempty"`
	Content  string `json:"content,omitempty"`
	FolderID string `json:"folderId,omitempty"`
	Tag      string `json:"tag,omitempty"`
}

func encodePayload(p operationPayload) []byte {
	data, err := json.Marshal(p)
	if err != nil {
		// operationPayload is all strings; Marshal cannot fail.
		panic(fmt.Sprintf("notestore: marshal operation payload: %v", err))
	}
	return data
}

func tagOf(tag *string) string {
	if tag == nil {
		return ""
	}
	return *tag
}

// Store is the NoteStore.
type Store struct {
	db    *storage.Database
	bus   *eventbus.EventBus
	queue *queue.Queue
	clock clock.Clock

	// IsOnline and ProcessImmediately are injected rather than owned:
	// NoteStore must trigger an immediate upload attempt right after
	// enqueueing while online, but does not own the processor or
	// OnlineState.
	IsOnline          func() bool
	ProcessImmediately func(ctx context.Context, op model.NoteOperation)

	// RenameFolderAttachmentDir is an optional hook invoked in the same
	// critical section as a folder ID migration, so the on-disk
	// attachment directory rename and the row update are atomic from the
	// caller's point of view.
	RenameFolderAttachmentDir func(oldID, newID string) error

	mu      sync.Mutex // isolation boundary: serializes every mutation
	notes   map[string]model.Note
	folders map[string]model.Folder

	activeEditingNoteID atomic.Pointer[string]
}

// New constructs a Store over an open database, event bus, and queue.
func New(db *storage.Database, bus *eventbus.EventBus, q *queue.Queue, clk clock.Clock) *Store {
	return &Store{
		db:      db,
		bus:     bus,
		queue:   q,
		clock:   clk,
		notes:   make(map[string]model.Note),
		folders: make(map[string]model.Folder),
	}
}

// LoadCaches populates the in-memory caches from the database. Called
// once by StartupSequencer's LoadLocal phase.
func (s *Store) LoadCaches(ctx context.Context) error {
	notes, err := s.db.ListNotes(ctx)
	if err != nil {
		return fmt.Errorf("notestore: load notes: %w", err)
	}
	folders, err := s.db.ListFolders(ctx)
	if err != nil {
		return fmt.Errorf("notestore: load folders: %w", err)
	}

	s.mu.Lock()
	for _, n := range notes {
		s.notes[n.ID] = n
	}
	for _, f := range folders {
		s.folders[f.ID] = f
	}
	s.mu.Unlock()

	log.Info().Int("notes", len(notes)).Int("folders", len(folders)).Msg("notestore: caches loaded")
	return nil
}

// ActiveEditingNoteID satisfies guard.Queries.
func (s *Store) ActiveEditingNoteID() string {
	if p := s.activeEditingNoteID.Load(); p != nil {
		return *p
	}
	return ""
}

// SetActiveEditingNoteID records which note is open in the editor, or
// clears it when id is "".
func (s *Store) SetActiveEditingNoteID(id string) {
	s.activeEditingNoteID.Store(&id)
}

// HasPendingUpload, HasPendingNoteCreate, and HasPendingFileUpload
// satisfy guard.Queries by delegating to the queue.
func (s *Store) HasPendingUpload(ctx context.Context, noteID string) (bool, error) {
	return s.queue.HasPendingUpload(ctx, noteID)
}
func (s *Store) HasPendingNoteCreate(ctx context.Context, noteID string) (bool, error) {
	return s.queue.HasPendingNoteCreate(ctx, noteID)
}
func (s *Store) HasPendingFileUpload(ctx context.Context, noteID string) (bool, error) {
	return s.queue.HasPendingFileUpload(ctx, noteID)
}
func (s *Store) GetLocalSaveTimestamp(ctx context.Context, noteID string) (int64, error) {
	return s.queue.GetLocalSaveTimestamp(ctx, noteID)
}

// GetNote returns a cached note.
func (s *Store) GetNote(id string) (model.Note, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notes[id]
	return n, ok
}

// ListNotes returns a snapshot of every cached note.
func (s *Store) ListNotes() []model.Note {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Note, 0, len(s.notes))
	for _, n := range s.notes {
		out = append(out, n)
	}
	return out
}

// GetFolder returns a cached folder.
func (s *Store) GetFolder(id string) (model.Folder, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[id]
	return f, ok
}

// CreateNoteOffline creates a new note with a fresh temporary ID,
// persists it, enqueues noteCreate, and triggers an immediate upload
// attempt if online.
func (s *Store) CreateNoteOffline(ctx context.Context, title, content, folderID string) (model.Note, error) {
	now := s.clock.NowMillis()
	note := model.Note{
		ID:        clock.NewTempID(),
		Title:     title,
		Content:   content,
		FolderID:  folderID,
		Status:    "normal",
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.UpsertNote(ctx, note); err != nil {
		return model.Note{}, fmt.Errorf("notestore: create note: %w", err)
	}
	s.notes[note.ID] = note

	op, err := s.queue.Enqueue(ctx, model.NoteOperation{
		Type:   model.OpNoteCreate,
		NoteID: note.ID,
		Data: encodePayload(operationPayload{
			Title:    note.Title,
			Content:  note.Content,
			FolderID: note.FolderID,
		}),
	})
	if err != nil {
		return model.Note{}, fmt.Errorf("notestore: enqueue noteCreate: %w", err)
	}

	s.bus.Notes.Publish(eventbus.NoteEvent{Kind: eventbus.NoteCreated, Note: &note})
	s.triggerImmediate(ctx, op)

	return note, nil
}

// SaveEdit updates a note's content and enqueues a coalescing
// cloudUpload with the current timestamp.
func (s *Store) SaveEdit(ctx context.Context, noteID, content string) error {
	return s.mutateAndUpload(ctx, noteID, func(n *model.Note) {
		n.Content = content
	})
}

// UpdateMetadata applies mutate (folder move, star, color, status) and
// enqueues a cloudUpload, mirroring SaveEdit.
func (s *Store) UpdateMetadata(ctx context.Context, noteID string, mutate func(*model.Note)) error {
	return s.mutateAndUpload(ctx, noteID, mutate)
}

func (s *Store) mutateAndUpload(ctx context.Context, noteID string, mutate func(*model.Note)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	note, ok := s.notes[noteID]
	if !ok {
		var found bool
		var err error
		note, found, err = s.db.GetNote(ctx, noteID)
		if err != nil {
			return fmt.Errorf("notestore: load note %s: %w", noteID, err)
		}
		if !found {
			return fmt.Errorf("notestore: note %s not found", noteID)
		}
	}

	mutate(&note)
	note.UpdatedAt = s.clock.NowMillis()

	if err := s.db.UpsertNote(ctx, note); err != nil {
		return fmt.Errorf("notestore: save note %s: %w", noteID, err)
	}
	s.notes[noteID] = note

	op, err := s.queue.Enqueue(ctx, model.NoteOperation{
		Type:               model.OpCloudUpload,
		NoteID:              noteID,
		LocalSaveTimestamp: note.UpdatedAt,
		Data: encodePayload(operationPayload{
			Title:    note.Title,
			Content:  note.Content,
			FolderID: note.FolderID,
			Tag:      tagOf(note.ServerTag),
		}),
	})
	if err != nil {
		return fmt.Errorf("notestore: enqueue cloudUpload: %w", err)
	}

	s.bus.Notes.Publish(eventbus.NoteEvent{Kind: eventbus.NoteSaved, Note: &note})
	s.triggerImmediate(ctx, op)
	return nil
}

// DeleteNote removes the local row. If the id is non-temporary and a
// serverTag is known, it enqueues cloudDelete; if temporary, it cancels
// queued operations instead since the server never saw the note.
func (s *Store) DeleteNote(ctx context.Context, noteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	note, ok := s.notes[noteID]
	if !ok {
		var found bool
		var err error
		note, found, err = s.db.GetNote(ctx, noteID)
		if err != nil {
			return fmt.Errorf("notestore: load note %s: %w", noteID, err)
		}
		if !found {
			return nil
		}
	}

	if err := s.db.DeleteNote(ctx, noteID); err != nil {
		return fmt.Errorf("notestore: delete note %s: %w", noteID, err)
	}
	delete(s.notes, noteID)

	if clock.IsTemporaryID(noteID) {
		if err := s.queue.CancelOperations(ctx, noteID); err != nil {
			return fmt.Errorf("notestore: cancel operations for %s: %w", noteID, err)
		}
	} else if note.ServerTag != nil {
		op, err := s.queue.Enqueue(ctx, model.NoteOperation{
			Type:   model.OpCloudDelete,
			NoteID: noteID,
			Data:   encodePayload(operationPayload{Tag: tagOf(note.ServerTag)}),
		})
		if err != nil {
			return fmt.Errorf("notestore: enqueue cloudDelete: %w", err)
		}
		s.triggerImmediate(ctx, op)
	}

	s.bus.Notes.Publish(eventbus.NoteEvent{Kind: eventbus.NoteDeleted, NoteID: noteID})
	return nil
}

// CreateFolderOffline mirrors CreateNoteOffline for folders.
func (s *Store) CreateFolderOffline(ctx context.Context, name string) (model.Folder, error) {
	folder := model.Folder{
		ID:        clock.NewTempID(),
		Name:      name,
		CreatedAt: s.clock.NowMillis(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.UpsertFolder(ctx, folder); err != nil {
		return model.Folder{}, fmt.Errorf("notestore: create folder: %w", err)
	}
	s.folders[folder.ID] = folder

	op, err := s.queue.Enqueue(ctx, model.NoteOperation{
		Type:   model.OpFolderCreate,
		NoteID: folder.ID,
		Data:   encodePayload(operationPayload{Title: folder.Name}),
	})
	if err != nil {
		return model.Folder{}, fmt.Errorf("notestore: enqueue folderCreate: %w", err)
	}

	s.bus.Folders.Publish(eventbus.FolderEvent{Kind: eventbus.FolderCreated, Folder: &folder})
	s.triggerImmediate(ctx, op)
	return folder, nil
}

// RenameFolder requires the folder's serverTag for the rename op.
func (s *Store) RenameFolder(ctx context.Context, folderID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	folder, ok := s.folders[folderID]
	if !ok {
		return fmt.Errorf("notestore: folder %s not found", folderID)
	}
	folder.Name = name
	if err := s.db.UpsertFolder(ctx, folder); err != nil {
		return fmt.Errorf("notestore: rename folder %s: %w", folderID, err)
	}
	s.folders[folderID] = folder

	op, err := s.queue.Enqueue(ctx, model.NoteOperation{
		Type:   model.OpFolderRename,
		NoteID: folderID,
		Data:   encodePayload(operationPayload{Title: name, Tag: tagOf(folder.Tag)}),
	})
	if err != nil {
		return fmt.Errorf("notestore: enqueue folderRename: %w", err)
	}

	s.bus.Folders.Publish(eventbus.FolderEvent{Kind: eventbus.FolderRenamed, Folder: &folder})
	s.triggerImmediate(ctx, op)
	return nil
}

// DeleteFolder requires the folder's serverTag. System folders are
// refused.
func (s *Store) DeleteFolder(ctx context.Context, folderID string) error {
	if model.IsSystemFolder(folderID) {
		return fmt.Errorf("notestore: refusing to delete system folder %s", folderID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	folder, ok := s.folders[folderID]
	if !ok {
		return nil
	}
	if err := s.db.DeleteFolder(ctx, folderID); err != nil {
		return fmt.Errorf("notestore: delete folder %s: %w", folderID, err)
	}
	delete(s.folders, folderID)

	if clock.IsTemporaryID(folderID) {
		if err := s.queue.CancelOperations(ctx, folderID); err != nil {
			return err
		}
	} else {
		op, err := s.queue.Enqueue(ctx, model.NoteOperation{
			Type:   model.OpFolderDelete,
			NoteID: folderID,
			Data:   encodePayload(operationPayload{Tag: tagOf(folder.Tag)}),
		})
		if err != nil {
			return fmt.Errorf("notestore: enqueue folderDelete: %w", err)
		}
		s.triggerImmediate(ctx, op)
	}

	s.bus.Folders.Publish(eventbus.FolderEvent{Kind: eventbus.FolderDeleted, FolderID: folderID})
	return nil
}

// ApplyDownloadedNote applies a note pulled down by SyncEngine. Called
// in response to SyncEvent.noteDownloaded; SyncEngine itself never
// writes the database.
func (s *Store) ApplyDownloadedNote(ctx context.Context, note model.Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.UpsertNote(ctx, note); err != nil {
		return fmt.Errorf("notestore: apply downloaded note %s: %w", note.ID, err)
	}
	s.notes[note.ID] = note
	s.bus.Notes.Publish(eventbus.NoteEvent{Kind: eventbus.NoteSaved, Note: &note})
	return nil
}

// ApplyDownloadedFolder mirrors ApplyDownloadedNote for folders.
func (s *Store) ApplyDownloadedFolder(ctx context.Context, folder model.Folder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.UpsertFolder(ctx, folder); err != nil {
		return fmt.Errorf("notestore: apply downloaded folder %s: %w", folder.ID, err)
	}
	s.folders[folder.ID] = folder
	s.bus.Folders.Publish(eventbus.FolderEvent{Kind: eventbus.FolderSaved, Folder: &folder})
	return nil
}

// RemoveLocalOnly is called during local-only reconciliation when the
// cloud has forgotten a row the engine still has locally.
func (s *Store) RemoveLocalOnly(ctx context.Context, noteID string) error {
	return s.DeleteNote(ctx, noteID)
}

// HandleIDMapping reacts to IdMappingEvent.mappingCompleted: it rotates
// the active-editing pointer and rewrites the in-memory cache keys so
// callers never observe a stale temporary ID once the cutover lands.
func (s *Store) HandleIDMapping(ctx context.Context, ev eventbus.IdMappingEvent) {
	if ev.Kind != eventbus.IdMappingCompleted {
		return
	}

	s.mu.Lock()
	switch ev.EntityType {
	case model.EntityNote:
		if n, ok := s.notes[ev.LocalID]; ok {
			delete(s.notes, ev.LocalID)
			n.ID = ev.ServerID
			s.notes[ev.ServerID] = n
		}
		if s.ActiveEditingNoteID() == ev.LocalID {
			s.SetActiveEditingNoteID(ev.ServerID)
		}
	case model.EntityFolder:
		if f, ok := s.folders[ev.LocalID]; ok {
			delete(s.folders, ev.LocalID)
			f.ID = ev.ServerID
			s.folders[ev.ServerID] = f
		}
		for id, n := range s.notes {
			if n.FolderID == ev.LocalID {
				n.FolderID = ev.ServerID
				s.notes[id] = n
			}
		}
		if s.RenameFolderAttachmentDir != nil {
			if err := s.RenameFolderAttachmentDir(ev.LocalID, ev.ServerID); err != nil {
				log.Error().Err(err).Str("oldId", ev.LocalID).Str("newId", ev.ServerID).Msg("notestore: rename folder attachment dir failed")
			}
		}
	}
	s.mu.Unlock()

	switch ev.EntityType {
	case model.EntityNote:
		s.bus.Notes.Publish(eventbus.NoteEvent{Kind: eventbus.NoteIDMigrated, OldID: ev.LocalID, NewID: ev.ServerID})
	case model.EntityFolder:
		s.bus.Folders.Publish(eventbus.FolderEvent{Kind: eventbus.FolderIDMigrated, OldID: ev.LocalID, NewID: ev.ServerID})
	}
}

// Run subscribes to IdMappingEvent and applies HandleIDMapping to each
// one until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	sub := s.bus.IdMappings.Subscribe()
	defer sub.Close()
	for {
		ev, ok := sub.Next()
		if !ok {
			return
		}
		s.HandleIDMapping(ctx, ev)
		if ctx.Err() != nil {
			return
		}
	}
}

func (s *Store) triggerImmediate(ctx context.Context, op model.NoteOperation) {
	if s.IsOnline != nil && s.IsOnline() && s.ProcessImmediately != nil {
		s.ProcessImmediately(ctx, op)
	}
}
