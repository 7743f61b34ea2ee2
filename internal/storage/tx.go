package storage

import (
	"context"
	"strings"

	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/model"
	"gorm.io/gorm"
)

// Tx exposes a narrow set of table operations bound to a single write
// transaction, for callers that need several of them to commit (or fail)
// together atomically, such as a note's ID rename, the rewrite of any
// queued operations referencing the old ID, and marking the mapping
// completed. IdMappingRegistry's cutover does not use it: it calls the
// Database methods of the same names, each in its own transaction.
type Tx struct {
	tx *gorm.DB
}

// WithWriteTx runs fn inside a single write transaction, under the same
// single-writer lock as every other mutating call.
func (d *Database) WithWriteTx(ctx context.Context, fn func(tx *Tx) error) error {
	return d.write(ctx, func(gtx *gorm.DB) error {
		return fn(&Tx{tx: gtx})
	})
}

// RenameNoteID performs the insert-new/delete-old cutover for a note ID.
func (t *Tx) RenameNoteID(oldID string, updated model.Note) error {
	row, err := noteToRow(updated)
	if err != nil {
		return err
	}
	if err := t.tx.Create(&row).Error; err != nil {
		return err
	}
	return t.tx.Delete(&noteRow{}, "id = ?", oldID).Error
}

// RenameFolderID performs the insert-new/delete-old cutover for a folder
// ID, and rewrites any notes or sort-info rows that referenced it.
func (t *Tx) RenameFolderID(oldID string, updated model.Folder) error {
	row := folderToRow(updated)
	if err := t.tx.Create(&row).Error; err != nil {
		return err
	}
	if err := t.tx.Delete(&folderRow{}, "id = ?", oldID).Error; err != nil {
		return err
	}
	if err := t.tx.Model(&noteRow{}).Where("folder_id = ?", oldID).Update("folder_id", updated.ID).Error; err != nil {
		return err
	}
	return t.tx.Model(&folderSortInfoRow{}).Where("folder_id = ?", oldID).Update("folder_id", updated.ID).Error
}

// UpdateNoteIDInPendingOperations rewrites queued operations' noteId.
func (t *Tx) UpdateNoteIDInPendingOperations(oldID, newID string) error {
	return t.tx.Model(&noteOperationRow{}).
		Where("note_id = ? AND status = ?", oldID, string(model.StatusPending)).
		Update("note_id", newID).Error
}

// MarkMappingCompleted flips a mapping's completed flag.
func (t *Tx) MarkMappingCompleted(localID string) error {
	return t.tx.Model(&idMappingRow{}).Where("local_id = ?", localID).Update("completed", true).Error
}

// RewriteNoteContent performs the file-ID substring substitution inside
// the cutover transaction. Returns whether the content actually
// contained the old reference.
func (t *Tx) RewriteNoteContent(noteID, oldSubstr, newSubstr string) (bool, error) {
	var row noteRow
	if err := t.tx.First(&row, "id = ?", noteID).Error; err != nil {
		return false, err
	}
	if !strings.Contains(row.Content, oldSubstr) {
		return false, nil
	}
	row.Content = strings.ReplaceAll(row.Content, oldSubstr, newSubstr)
	return true, t.tx.Save(&row).Error
}
