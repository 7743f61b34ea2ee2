package storage

import (
	"context"

	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/model"
	"gorm.io/gorm"
)

// operationRowWithSeq is a projection of noteOperationRow plus the
// table's implicit SQLite rowid, used purely for FIFO tie-breaking.
type operationRowWithSeq struct {
	noteOperationRow
	RowSeq int64 `gorm:"column:rowid"`
}

func opToRow(op model.NoteOperation) noteOperationRow {
	return noteOperationRow{
		ID:                 op.ID,
		Type:               string(op.Type),
		NoteID:             op.NoteID,
		Data:               op.Data,
		Status:             string(op.Status),
		Priority:           op.Priority,
		RetryCount:         op.RetryCount,
		LastError:          op.LastError,
		LocalSaveTimestamp: op.LocalSaveTimestamp,
	}
}

func rowToOp(r operationRowWithSeq) model.NoteOperation {
	return model.NoteOperation{
		ID:                 r.ID,
		Type:               model.OperationType(r.Type),
		NoteID:             r.NoteID,
		Data:               r.Data,
		Status:             model.OperationStatus(r.Status),
		Priority:           r.Priority,
		RetryCount:         r.RetryCount,
		LastError:          r.LastError,
		LocalSaveTimestamp: r.LocalSaveTimestamp,
		InsertSeq:          r.RowSeq,
	}
}

// EnqueueOperation inserts a new queue row.
func (d *Database) EnqueueOperation(ctx context.Context, op model.NoteOperation) error {
	row := opToRow(op)
	return d.write(ctx, func(tx *gorm.DB) error {
		return tx.Create(&row).Error
	})
}

// FindPendingCloudUpload returns the most recent pending cloudUpload
// operation for a note, used by enqueue's coalescing rule: a second edit
// before the first upload fires replaces the payload rather than
// queuing a duplicate request.
func (d *Database) FindPendingCloudUpload(ctx context.Context, noteID string) (model.NoteOperation, bool, error) {
	var row operationRowWithSeq
	var found bool
	err := d.read(ctx, func(tx *gorm.DB) error {
		e := tx.Model(&noteOperationRow{}).
			Select("note_operations.*, rowid").
			Where("note_id = ? AND type = ? AND status = ?", noteID, string(model.OpCloudUpload), string(model.StatusPending)).
			Order("rowid desc").
			First(&row).Error
		if e == gorm.ErrRecordNotFound {
			return nil
		}
		found = e == nil
		return e
	})
	if err != nil {
		return model.NoteOperation{}, false, err
	}
	if !found {
		return model.NoteOperation{}, false, nil
	}
	return rowToOp(row), true, nil
}

// ReplaceOperationPayload rewrites an existing pending operation's data
// and localSaveTimestamp in place, used by cloudUpload coalescing.
func (d *Database) ReplaceOperationPayload(ctx context.Context, id string, data []byte, localSaveTimestamp int64) error {
	return d.write(ctx, func(tx *gorm.DB) error {
		return tx.Model(&noteOperationRow{}).Where("id = ?", id).
			Updates(map[string]any{"data": data, "local_save_timestamp": localSaveTimestamp}).Error
	})
}

// ListPendingOperations returns every pending operation ordered by
// priority descending, then insertion order ascending, matching the
// scheduling order OperationProcessor requires.
func (d *Database) ListPendingOperations(ctx context.Context) ([]model.NoteOperation, error) {
	var rows []operationRowWithSeq
	if err := d.read(ctx, func(tx *gorm.DB) error {
		return tx.Model(&noteOperationRow{}).
			Select("note_operations.*, rowid").
			Where("status = ?", string(model.StatusPending)).
			Order("priority desc, rowid asc").
			Find(&rows).Error
	}); err != nil {
		return nil, err
	}
	out := make([]model.NoteOperation, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToOp(r))
	}
	return out, nil
}

// HasPendingOperation reports whether a pending operation of the given
// type exists for a note, backing OperationQueue's
// hasPendingUpload/hasPendingNoteCreate/hasPendingFileUpload predicates.
func (d *Database) HasPendingOperation(ctx context.Context, noteID string, types ...model.OperationType) (bool, error) {
	strTypes := make([]string, 0, len(types))
	for _, t := range types {
		strTypes = append(strTypes, string(t))
	}
	var count int64
	err := d.read(ctx, func(tx *gorm.DB) error {
		return tx.Model(&noteOperationRow{}).
			Where("note_id = ? AND status = ? AND type IN ?", noteID, string(model.StatusPending), strTypes).
			Count(&count).Error
	})
	return count > 0, err
}

// GetLocalSaveTimestamp returns the most recent pending cloudUpload's
// localSaveTimestamp for a note, or 0 if there is none, backing
// SyncGuard's LocalNewer check.
func (d *Database) GetLocalSaveTimestamp(ctx context.Context, noteID string) (int64, error) {
	var row operationRowWithSeq
	var found bool
	err := d.read(ctx, func(tx *gorm.DB) error {
		e := tx.Model(&noteOperationRow{}).
			Select("note_operations.*, rowid").
			Where("note_id = ? AND type = ? AND status = ?", noteID, string(model.OpCloudUpload), string(model.StatusPending)).
			Order("rowid desc").
			First(&row).Error
		if e == gorm.ErrRecordNotFound {
			return nil
		}
		found = e == nil
		return e
	})
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	return row.LocalSaveTimestamp, nil
}

// CancelOperations deletes every pending operation row for a note,
// used when a note is deleted out from under queued work.
func (d *Database) CancelOperations(ctx context.Context, noteID string) error {
	return d.write(ctx, func(tx *gorm.DB) error {
		return tx.Where("note_id = ? AND status = ?", noteID, string(model.StatusPending)).
			Delete(&noteOperationRow{}).Error
	})
}

// UpdateNoteIDInPendingOperations rewrites every pending operation's
// noteId after an ID-mapping cutover, so queued work follows the note to
// its server-issued ID.
func (d *Database) UpdateNoteIDInPendingOperations(ctx context.Context, oldID, newID string) error {
	return d.write(ctx, func(tx *gorm.DB) error {
		return tx.Model(&noteOperationRow{}).
			Where("note_id = ? AND status = ?", oldID, string(model.StatusPending)).
			Update("note_id", newID).Error
	})
}

// DeleteOperation removes a queue row entirely, used once an operation
// completes successfully.
func (d *Database) DeleteOperation(ctx context.Context, id string) error {
	return d.write(ctx, func(tx *gorm.DB) error {
		return tx.Delete(&noteOperationRow{}, "id = ?", id).Error
	})
}

// UpdateOperationStatus transitions a queue row's status, optionally
// recording a failure and incrementing its retry count.
func (d *Database) UpdateOperationStatus(ctx context.Context, id string, status model.OperationStatus, lastErr string, bumpRetry bool) error {
	updates := map[string]any{"status": string(status), "last_error": lastErr}
	return d.write(ctx, func(tx *gorm.DB) error {
		if bumpRetry {
			if err := tx.Model(&noteOperationRow{}).Where("id = ?", id).
				Update("retry_count", gorm.Expr("retry_count + 1")).Error; err != nil {
				return err
			}
		}
		return tx.Model(&noteOperationRow{}).Where("id = ?", id).Updates(updates).Error
	})
}
