package eventbus

import "github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/model"

// NoteEventKind enumerates the note lifecycle events NoteStore and
// SyncEngine publish.
type NoteEventKind string

const (
	NoteCreated          NoteEventKind = "created"
	NoteContentUpdated   NoteEventKind = "contentUpdated"
	NoteMetadataUpdated  NoteEventKind = "metadataUpdated"
	NoteDeleted          NoteEventKind = "deleted"
	NoteMoved            NoteEventKind = "moved"
	NoteStarred          NoteEventKind = "starred"
	NoteSaved            NoteEventKind = "saved"
	NoteListChanged      NoteEventKind = "listChanged"
	NoteIDMigrated       NoteEventKind = "idMigrated"
)

// NoteEvent is published both as an intent (UI/network → NoteStore) and
// as a result (NoteStore → everyone else).
type NoteEvent struct {
	Kind   NoteEventKind
	Note   *model.Note // present for created/contentUpdated/.../saved
	NoteID string      // present for deleted/idMigrated when Note is absent
	OldID  string      // idMigrated: the former temporary ID
	NewID  string      // idMigrated: the server-issued ID
}

// FolderEventKind enumerates folder lifecycle events.
type FolderEventKind string

const (
	FolderCreated        FolderEventKind = "created"
	FolderRenamed        FolderEventKind = "renamed"
	FolderDeleted        FolderEventKind = "deleted"
	FolderSaved          FolderEventKind = "folderSaved"
	FolderBatchSaved     FolderEventKind = "batchSaved"
	FolderIDMigrated     FolderEventKind = "folderIdMigrated"
	FolderSavedGeneric   FolderEventKind = "saved"
	FolderListChanged    FolderEventKind = "listChanged"
)

// FolderEvent mirrors NoteEvent for folders.
type FolderEvent struct {
	Kind     FolderEventKind
	Folder   *model.Folder
	Folders  []model.Folder // batchSaved
	FolderID string
	OldID    string
	NewID    string
}

// SyncEventKind enumerates engine lifecycle events.
type SyncEventKind string

const (
	SyncRequested       SyncEventKind = "requested"
	SyncStarted         SyncEventKind = "started"
	SyncProgress        SyncEventKind = "progress"
	SyncNoteDownloaded  SyncEventKind = "noteDownloaded"
	SyncTagUpdated      SyncEventKind = "tagUpdated"
	SyncCompleted       SyncEventKind = "completed"
	SyncFailed          SyncEventKind = "failed"
)

// SyncEvent is published by SyncEngine; it never writes the database
// itself.
type SyncEvent struct {
	Kind            SyncEventKind
	Note            *model.Note
	SyncTag         string
	DownloadedCount int
	Processed       int
	Total           int
	Err             error
}

// AuthEventKind enumerates credential-state transitions.
type AuthEventKind string

const (
	AuthCookieRefreshed   AuthEventKind = "cookieRefreshed"
	AuthCookieExpired     AuthEventKind = "cookieExpired"
	AuthTokenRefreshFailed AuthEventKind = "tokenRefreshFailed"
)

// AuthEvent reports TokenManager/SessionClient credential transitions.
type AuthEvent struct {
	Kind AuthEventKind
	Err  error
}

// OnlineEvent reports an edge-triggered OnlineState transition.
type OnlineEvent struct {
	IsOnline bool
}

// ErrorEventKind enumerates infrastructure failures surfaced to the UI.
type ErrorEventKind string

const (
	ErrorStorageFailed ErrorEventKind = "storageFailed"
)

// ErrorEvent carries an infrastructure failure.
type ErrorEvent struct {
	Kind ErrorEventKind
	Err  error
}

// IdMappingEventKind enumerates ID-mapping lifecycle events.
type IdMappingEventKind string

const (
	IdMappingCompleted IdMappingEventKind = "mappingCompleted"
)

// IdMappingEvent is published once updateAllReferences finishes its
// cutover.
type IdMappingEvent struct {
	Kind       IdMappingEventKind
	LocalID    string
	ServerID   string
	EntityType model.EntityType
}

// EventBus aggregates the per-kind typed buses used across the kernel. A
// single instance is constructed at startup and shared by every
// component.
type EventBus struct {
	Notes      *Bus[NoteEvent]
	Folders    *Bus[FolderEvent]
	Sync       *Bus[SyncEvent]
	Auth       *Bus[AuthEvent]
	Online     *Bus[OnlineEvent]
	Errors     *Bus[ErrorEvent]
	IdMappings *Bus[IdMappingEvent]
}

// NewEventBus constructs a ready-to-use aggregate bus.
func NewEventBus() *EventBus {
	return &EventBus{
		Notes:      New[NoteEvent](),
		Folders:    New[FolderEvent](),
		Sync:       New[SyncEvent](),
		Auth:       New[AuthEvent](),
		Online:     New[OnlineEvent](),
		Errors:     New[ErrorEvent](),
		IdMappings: New[IdMappingEvent](),
	}
}
