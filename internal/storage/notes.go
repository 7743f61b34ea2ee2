package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/model"
	"gorm.io/gorm"
)

func noteToRow(n model.Note) (noteRow, error) {
	tags, err := json.Marshal(n.Tags)
	if err != nil {
		return noteRow{}, fmt.Errorf("storage: marshal tags: %w", err)
	}
	return noteRow{
		ID:        n.ID,
		Title:     n.Title,
		Content:   n.Content,
		FolderID:  n.FolderID,
		IsStarred: n.IsStarred,
		ColorID:   n.ColorID,
		Status:    n.Status,
		Tags:      string(tags),
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
		ServerTag: n.ServerTag,
	}, nil
}

func rowToNote(r noteRow) model.Note {
	var tags []string
	_ = json.Unmarshal([]byte(r.Tags), &tags)
	return model.Note{
		ID:        r.ID,
		Title:     r.Title,
		Content:   r.Content,
		FolderID:  r.FolderID,
		IsStarred: r.IsStarred,
		ColorID:   r.ColorID,
		Status:    r.Status,
		Tags:      tags,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		ServerTag: r.ServerTag,
	}
}

// UpsertNote inserts or replaces a note row.
func (d *Database) UpsertNote(ctx context.Context, n model.Note) error {
	row, err := noteToRow(n)
	if err != nil {
		return err
	}
	return d.write(ctx, func(tx *gorm.DB) error {
		return tx.Save(&row).Error
	})
}

// GetNote fetches a single note by ID. Returns (Note{}, false, nil) if
// absent.
func (d *Database) GetNote(ctx context.Context, id string) (model.Note, bool, error) {
	var row noteRow
	var found bool
	err := d.read(ctx, func(tx *gorm.DB) error {
		e := tx.First(&row, "id = ?", id).Error
		if errors.Is(e, gorm.ErrRecordNotFound) {
			return nil
		}
		found = e == nil
		return e
	})
	if err != nil {
		return model.Note{}, false, err
	}
	if !found {
		return model.Note{}, false, nil
	}
	return rowToNote(row), true, nil
}

// ListNotes returns every note row, e.g. for NoteStore's startup cache
// load.
func (d *Database) ListNotes(ctx context.Context) ([]model.Note, error) {
	var rows []noteRow
	if err := d.read(ctx, func(tx *gorm.DB) error {
		return tx.Find(&rows).Error
	}); err != nil {
		return nil, err
	}
	out := make([]model.Note, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToNote(r))
	}
	return out, nil
}

// DeleteNote removes a note row.
func (d *Database) DeleteNote(ctx context.Context, id string) error {
	return d.write(ctx, func(tx *gorm.DB) error {
		return tx.Delete(&noteRow{}, "id = ?", id).Error
	})
}

// RenameNoteID performs the atomic "insert new row, delete old row"
// cutover required for ID changes: the note's identity is never
// mutated in place.
func (d *Database) RenameNoteID(ctx context.Context, oldID string, updated model.Note) error {
	row, err := noteToRow(updated)
	if err != nil {
		return err
	}
	return d.write(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Delete(&noteRow{}, "id = ?", oldID).Error
	})
}

// RewriteFolderIDForNotes mass-updates notes.folder_id, used when a
// folder's temporary ID is remapped.
func (d *Database) RewriteFolderIDForNotes(ctx context.Context, oldFolderID, newFolderID string) error {
	return d.write(ctx, func(tx *gorm.DB) error {
		return tx.Model(&noteRow{}).Where("folder_id = ?", oldFolderID).Update("folder_id", newFolderID).Error
	})
}

// RewriteNoteContent performs the substring replace of localId ->
// serverId used by file-ID remapping. Returns whether the content
// actually contained the old ID.
func (d *Database) RewriteNoteContent(ctx context.Context, noteID, oldSubstr, newSubstr string) (bool, error) {
	var row noteRow
	var contains bool
	err := d.write(ctx, func(tx *gorm.DB) error {
		if err := tx.First(&row, "id = ?", noteID).Error; err != nil {
			return err
		}
		if !strings.Contains(row.Content, oldSubstr) {
			return nil
		}
		contains = true
		row.Content = strings.ReplaceAll(row.Content, oldSubstr, newSubstr)
		return tx.Save(&row).Error
	})
	return contains, err
}
