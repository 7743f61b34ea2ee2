// Package syncengine is the SyncEngine component: the three-tier pull
// strategy with per-item reconciliation against SyncGuard, attachment
// resolution, and the staged syncTag commit that protects against
// crash-between-upload-and-cursor-advance.
//
// A phased-executor shape: a single mutually-exclusive entry point, a
// per-item apply step consulting a guard, and a retry policy for
// attachment downloads.
package syncengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/attachment"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/clock"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/cloudapi"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/eventbus"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/guard"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/model"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/queue"
	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/storage"
	"github.com/rs/zerolog/log"
)

// Mode names a sync run's strategy.
type Mode int

const (
	ModeIncremental Mode = iota
	ModeFull
	ModeFullForceRedownload
)

// Tier identifies which of the three pull strategies produced a page.
type Tier int

const (
	TierLightweight Tier = iota
	TierWeb
	TierLegacy
)

// Puller fetches one page for a given tier. Returning an error causes
// the engine to fall through to the next tier.
type Puller interface {
	PullLightweight(ctx context.Context, syncTag string) (cloudapi.SyncPage, error)
	PullWeb(ctx context.Context, syncTag string) (cloudapi.SyncPage, error)
	PullLegacy(ctx context.Context) (cloudapi.SyncPage, error)
	PullFolder(ctx context.Context, folderID string) (cloudapi.SyncPage, error)
	FetchNoteDetail(ctx context.Context, id string) (cloudapi.NoteRecord, error)
	DownloadFile(ctx context.Context, fileType, fileID string) ([]byte, error)
}

// Engine is the SyncEngine.
type Engine struct {
	db    *storage.Database
	bus   *eventbus.EventBus
	queue *queue.Queue
	guard *guard.Guard
	pull  Puller
	store attachment.Store

	attachmentRetries int
	attachmentDelays  []time.Duration

	mu        sync.Mutex
	isSyncing bool
}

// New constructs an Engine.
func New(db *storage.Database, bus *eventbus.EventBus, q *queue.Queue, g *guard.Guard, pull Puller, store attachment.Store, attachmentRetries int, attachmentDelays []time.Duration) *Engine {
	return &Engine{
		db:                db,
		bus:               bus,
		queue:             q,
		guard:             g,
		pull:              pull,
		store:             store,
		attachmentRetries: attachmentRetries,
		attachmentDelays:  attachmentDelays,
	}
}

// SmartSync chooses incremental when a valid syncTag exists, else full.
func (e *Engine) SmartSync(ctx context.Context) error {
	status, err := e.db.GetSyncStatus(ctx)
	if err != nil {
		return fmt.Errorf("syncengine: load sync status: %w", err)
	}
	if status.SyncTag != "" {
		return e.PerformSync(ctx, ModeIncremental)
	}
	return e.PerformSync(ctx, ModeFull)
}

// PerformSync is the sole mutating entry point; a second concurrent
// call is refused rather than queued.
func (e *Engine) PerformSync(ctx context.Context, mode Mode) error {
	e.mu.Lock()
	if e.isSyncing {
		e.mu.Unlock()
		log.Warn().Msg("syncengine: already syncing, ignoring request")
		return cloudapi.ErrAlreadySyncing
	}
	e.isSyncing = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.isSyncing = false
		e.mu.Unlock()
	}()

	e.bus.Sync.Publish(eventbus.SyncEvent{Kind: eventbus.SyncStarted})

	var downloaded int
	var err error
	switch mode {
	case ModeIncremental:
		downloaded, err = e.performIncrementalSync(ctx)
	default:
		downloaded, err = e.performFullSync(ctx, mode == ModeFullForceRedownload)
	}

	if err != nil {
		e.bus.Sync.Publish(eventbus.SyncEvent{Kind: eventbus.SyncFailed, Err: err})
		return err
	}

	e.bus.Sync.Publish(eventbus.SyncEvent{Kind: eventbus.SyncCompleted, DownloadedCount: downloaded})
	return nil
}

// performIncrementalSync implements the three-tier fallback: each tier
// parses the same logical record set but from differently shaped
// responses.
func (e *Engine) performIncrementalSync(ctx context.Context) (int, error) {
	status, err := e.db.GetSyncStatus(ctx)
	if err != nil {
		return 0, fmt.Errorf("syncengine: load sync status: %w", err)
	}

	page, tier, err := e.pullWithFallback(ctx, status.SyncTag)
	if err != nil {
		return 0, fmt.Errorf("syncengine: all pull tiers failed: %w", err)
	}
	log.Info().Int("tier", int(tier)).Int("notes", len(page.Notes)).Int("folders", len(page.Folders)).Msg("syncengine: pulled page")

	downloaded, err := e.reconcilePage(ctx, page)
	if err != nil {
		return downloaded, err
	}

	if err := e.reconcileLocalOnly(ctx, page); err != nil {
		return downloaded, err
	}

	hasPendingUploads, err := e.anyPendingUploads(ctx)
	if err != nil {
		return downloaded, err
	}
	if err := e.stageSyncTag(ctx, page.SyncTag, hasPendingUploads); err != nil {
		return downloaded, err
	}

	return downloaded, nil
}

func (e *Engine) pullWithFallback(ctx context.Context, syncTag string) (cloudapi.SyncPage, Tier, error) {
	if page, err := e.pull.PullLightweight(ctx, syncTag); err == nil {
		return page, TierLightweight, nil
	} else {
		log.Warn().Err(err).Msg("syncengine: lightweight tier failed, falling back to web")
	}

	if page, err := e.pull.PullWeb(ctx, syncTag); err == nil {
		return page, TierWeb, nil
	} else {
		log.Warn().Err(err).Msg("syncengine: web tier failed, falling back to legacy")
	}

	page, err := e.pull.PullLegacy(ctx)
	return page, TierLegacy, err
}

// reconcilePage consults SyncGuard per note, downloads attachments for
// notes that are not skipped, and publishes intents; it never writes
// the database itself.
func (e *Engine) reconcilePage(ctx context.Context, page cloudapi.SyncPage) (int, error) {
	downloaded := 0
	for _, rec := range page.Notes {
		skip, err := e.guard.ShouldSkipSync(ctx, rec.ID, rec.UpdatedAt)
		if err != nil {
			return downloaded, fmt.Errorf("syncengine: guard check %s: %w", rec.ID, err)
		}
		if skip {
			continue
		}

		note := recordToNote(rec)
		if e.store != nil {
			if err := e.resolveAttachments(ctx, &note, rec); err != nil {
				log.Error().Err(err).Str("noteId", rec.ID).Msg("syncengine: attachment resolution failed")
			}
		}

		e.bus.Sync.Publish(eventbus.SyncEvent{Kind: eventbus.SyncNoteDownloaded, Note: &note})
		downloaded++
	}

	for _, rec := range page.Folders {
		folder := recordToFolder(rec)
		e.bus.Folders.Publish(eventbus.FolderEvent{Kind: eventbus.FolderSaved, Folder: &folder})
	}

	return downloaded, nil
}

// reconcileLocalOnly scans local notes not present in the cloud page:
// if a pending create exists, it is left for the processor to upload;
// otherwise the local row is published as deleted, since the cloud has
// already forgotten it. Local folders are not scanned.
func (e *Engine) reconcileLocalOnly(ctx context.Context, page cloudapi.SyncPage) error {
	present := make(map[string]bool, len(page.Notes))
	for _, rec := range page.Notes {
		present[rec.ID] = true
	}

	localNotes, err := e.db.ListNotes(ctx)
	if err != nil {
		return fmt.Errorf("syncengine: list local notes: %w", err)
	}

	for _, n := range localNotes {
		if present[n.ID] {
			continue
		}
		hasCreate, err := e.queue.HasPendingNoteCreate(ctx, n.ID)
		if err != nil {
			return err
		}
		if hasCreate {
			continue
		}
		e.bus.Notes.Publish(eventbus.NoteEvent{Kind: eventbus.NoteDeleted, NoteID: n.ID})
	}
	return nil
}

func (e *Engine) anyPendingUploads(ctx context.Context) (bool, error) {
	ops, err := e.queue.GetPendingOperations(ctx)
	if err != nil {
		return false, err
	}
	for _, op := range ops {
		if op.Type == model.OpCloudUpload {
			return true, nil
		}
	}
	return false, nil
}

// stageSyncTag commits the new cursor only when no pending uploads
// remain, preventing data loss on crash between upload and cursor
// advance.
func (e *Engine) stageSyncTag(ctx context.Context, tag string, hasPendingUploads bool) error {
	if tag == "" || hasPendingUploads {
		log.Debug().Bool("hasPendingUploads", hasPendingUploads).Msg("syncengine: syncTag commit deferred")
		return nil
	}
	status, err := e.db.GetSyncStatus(ctx)
	if err != nil {
		return err
	}
	status.SyncTag = tag
	status.LastSyncTime = time.Now().UnixMilli()
	if err := e.db.PutSyncStatus(ctx, status); err != nil {
		return fmt.Errorf("syncengine: commit syncTag: %w", err)
	}
	e.bus.Sync.Publish(eventbus.SyncEvent{Kind: eventbus.SyncTagUpdated, SyncTag: tag})
	return nil
}

// privateFolderID is the cloud-side folder housing the hidden/private
// notes (my safe), not returned by the normal paged listing.
const privateFolderID = "2"

// performFullSync clears local non-system folders and non-temporary
// notes, then pages through the entire list and the private folder.
func (e *Engine) performFullSync(ctx context.Context, forceRedownload bool) (int, error) {
	localNotes, err := e.db.ListNotes(ctx)
	if err != nil {
		return 0, err
	}
	for _, n := range localNotes {
		if !clock.IsTemporaryID(n.ID) {
			e.bus.Notes.Publish(eventbus.NoteEvent{Kind: eventbus.NoteDeleted, NoteID: n.ID})
		}
	}

	localFolders, err := e.db.ListFolders(ctx)
	if err != nil {
		return 0, err
	}
	for _, f := range localFolders {
		if !f.IsSystem {
			e.bus.Folders.Publish(eventbus.FolderEvent{Kind: eventbus.FolderDeleted, FolderID: f.ID})
		}
	}

	page, _, err := e.pullWithFallback(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("syncengine: full sync pull: %w", err)
	}
	downloaded, err := e.reconcilePage(ctx, page)
	if err != nil {
		return downloaded, err
	}

	privatePage, err := e.pull.PullFolder(ctx, privateFolderID)
	if err != nil {
		log.Warn().Err(err).Msg("syncengine: private folder pull failed")
	} else {
		d2, err := e.reconcilePage(ctx, privatePage)
		if err != nil {
			log.Warn().Err(err).Msg("syncengine: private folder reconcile failed")
		} else {
			downloaded += d2
		}
	}

	hasPendingUploads, err := e.anyPendingUploads(ctx)
	if err != nil {
		return downloaded, err
	}
	if err := e.stageSyncTag(ctx, page.SyncTag, hasPendingUploads); err != nil {
		return downloaded, err
	}
	return downloaded, nil
}

func recordToNote(rec cloudapi.NoteRecord) model.Note {
	tag := rec.Tag
	return model.Note{
		ID:        rec.ID,
		Title:     rec.Title,
		Content:   string(rec.Content),
		FolderID:  rec.FolderID,
		Status:    rec.Status,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		ServerTag: &tag,
	}
}

func recordToFolder(rec cloudapi.FolderRecord) model.Folder {
	tag := rec.Tag
	return model.Folder{
		ID:        rec.ID,
		Name:      rec.Name,
		Count:     rec.Count,
		CreatedAt: rec.CreatedAt,
		Tag:       &tag,
	}
}

// resolveAttachments downloads any file references the note's content
// carries that are not yet cached locally, retrying each up to
// e.attachmentRetries times at e.attachmentDelays intervals.
func (e *Engine) resolveAttachments(ctx context.Context, note *model.Note, rec cloudapi.NoteRecord) error {
	refs := attachment.ExtractReferences(note.Content, rec.Content)
	for _, ref := range refs {
		if e.store.Has(ctx, ref.FileID) {
			continue
		}
		if err := e.downloadWithRetry(ctx, ref); err != nil {
			log.Error().Err(err).Str("fileId", ref.FileID).Msg("syncengine: attachment download failed after retries")
		}
	}
	return nil
}

func (e *Engine) downloadWithRetry(ctx context.Context, ref attachment.Reference) error {
	fileType := "note_img"
	if ref.Kind == "audio" {
		fileType = "note_audio"
	}

	var lastErr error
	for attempt := 0; attempt <= e.attachmentRetries; attempt++ {
		data, err := e.pull.DownloadFile(ctx, fileType, ref.FileID)
		if err == nil {
			ext := attachment.SniffImageExt(data)
			if ref.Kind == "audio" {
				ext = attachment.SniffAudioExt(data)
			}
			_, err := e.store.Commit(ctx, ref.FileID, ext, data)
			return err
		}
		lastErr = err
		if attempt < len(e.attachmentDelays) {
			select {
			case <-time.After(e.attachmentDelays[attempt]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return lastErr
}
