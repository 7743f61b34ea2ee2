package storage

import (
	"context"
	"errors"

	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/model"
	"gorm.io/gorm"
)

func folderToRow(f model.Folder) folderRow {
	return folderRow{
		ID:        f.ID,
		Name:      f.Name,
		Count:     f.Count,
		IsSystem:  f.IsSystem,
		IsPinned:  f.IsPinned,
		CreatedAt: f.CreatedAt,
		Tag:       f.Tag,
	}
}

func rowToFolder(r folderRow) model.Folder {
	return model.Folder{
		ID:        r.ID,
		Name:      r.Name,
		Count:     r.Count,
		IsSystem:  r.IsSystem,
		IsPinned:  r.IsPinned,
		CreatedAt: r.CreatedAt,
		Tag:       r.Tag,
	}
}

// UpsertFolder inserts or replaces a folder row.
func (d *Database) UpsertFolder(ctx context.Context, f model.Folder) error {
	row := folderToRow(f)
	return d.write(ctx, func(tx *gorm.DB) error {
		return tx.Save(&row).Error
	})
}

// GetFolder fetches a single folder by ID.
func (d *Database) GetFolder(ctx context.Context, id string) (model.Folder, bool, error) {
	var row folderRow
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
		return model.Folder{}, false, err
	}
	if !found {
		return model.Folder{}, false, nil
	}
	return rowToFolder(row), true, nil
}

// ListFolders returns every folder row.
func (d *Database) ListFolders(ctx context.Context) ([]model.Folder, error) {
	var rows []folderRow
	if err := d.read(ctx, func(tx *gorm.DB) error {
		return tx.Find(&rows).Error
	}); err != nil {
		return nil, err
	}
	out := make([]model.Folder, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToFolder(r))
	}
	return out, nil
}

// DeleteFolder removes a folder row.
func (d *Database) DeleteFolder(ctx context.Context, id string) error {
	return d.write(ctx, func(tx *gorm.DB) error {
		return tx.Delete(&folderRow{}, "id = ?", id).Error
	})
}

// RenameFolderID performs the same insert-then-delete cutover as
// RenameNoteID, plus rewrites any notes and sort-info rows that
// reference the old folder ID so nothing is left pointing at a
// temporary ID after the cutover.
func (d *Database) RenameFolderID(ctx context.Context, oldID string, updated model.Folder) error {
	row := folderToRow(updated)
	return d.write(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if err := tx.Delete(&folderRow{}, "id = ?", oldID).Error; err != nil {
			return err
		}
		if err := tx.Model(&noteRow{}).Where("folder_id = ?", oldID).Update("folder_id", updated.ID).Error; err != nil {
			return err
		}
		return tx.Model(&folderSortInfoRow{}).Where("folder_id = ?", oldID).Update("folder_id", updated.ID).Error
	})
}

// UpsertFolderSortIndex records the user's manual folder ordering.
func (d *Database) UpsertFolderSortIndex(ctx context.Context, folderID string, sortIndex int) error {
	row := folderSortInfoRow{FolderID: folderID, SortIndex: sortIndex}
	return d.write(ctx, func(tx *gorm.DB) error {
		return tx.Save(&row).Error
	})
}

// ListFolderSortInfo returns every recorded sort index.
func (d *Database) ListFolderSortInfo(ctx context.Context) (map[string]int, error) {
	var rows []folderSortInfoRow
	if err := d.read(ctx, func(tx *gorm.DB) error {
		return tx.Find(&rows).Error
	}); err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.FolderID] = r.SortIndex
	}
	return out, nil
}
