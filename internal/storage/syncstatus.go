package storage

import (
	"context"
	"errors"

	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/model"
	"gorm.io/gorm"
)

const syncStatusSingletonID = 1

// GetSyncStatus returns the single sync_status row, or the zero value if
// sync has never completed.
func (d *Database) GetSyncStatus(ctx context.Context) (model.SyncStatus, error) {
	var row syncStatusRow
	err := d.read(ctx, func(tx *gorm.DB) error {
		e := tx.First(&row, "id = ?", syncStatusSingletonID).Error
		if errors.Is(e, gorm.ErrRecordNotFound) {
			return nil
		}
		return e
	})
	if err != nil {
		return model.SyncStatus{}, err
	}
	return model.SyncStatus{LastSyncTime: row.LastSyncTime, SyncTag: row.SyncTag}, nil
}

// PutSyncStatus persists the singleton sync_status row. Callers gate
// this on "no pending uploads" per the staged-commit rule.
func (d *Database) PutSyncStatus(ctx context.Context, status model.SyncStatus) error {
	row := syncStatusRow{ID: syncStatusSingletonID, LastSyncTime: status.LastSyncTime, SyncTag: status.SyncTag}
	return d.write(ctx, func(tx *gorm.DB) error {
		return tx.Save(&row).Error
	})
}
