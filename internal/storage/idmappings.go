package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Acckion/XiaomiNote-for-Mac-sub013/internal/model"
	"gorm.io/gorm"
)

func mappingToRow(m model.IdMapping) idMappingRow {
	return idMappingRow{
		LocalID:    m.LocalID,
		ServerID:   m.ServerID,
		EntityType: string(m.EntityType),
		CreatedAt:  m.CreatedAt.UnixMilli(),
		Completed:  m.Completed,
	}
}

func rowToMapping(r idMappingRow) model.IdMapping {
	return model.IdMapping{
		LocalID:    r.LocalID,
		ServerID:   r.ServerID,
		EntityType: model.EntityType(r.EntityType),
		CreatedAt:  time.UnixMilli(r.CreatedAt),
		Completed:  r.Completed,
	}
}

// PutIdMapping inserts or replaces an ID-mapping row.
func (d *Database) PutIdMapping(ctx context.Context, m model.IdMapping) error {
	row := mappingToRow(m)
	return d.write(ctx, func(tx *gorm.DB) error {
		return tx.Save(&row).Error
	})
}

// GetIdMapping looks up a mapping by local ID.
func (d *Database) GetIdMapping(ctx context.Context, localID string) (model.IdMapping, bool, error) {
	var row idMappingRow
	var found bool
	err := d.read(ctx, func(tx *gorm.DB) error {
		e := tx.First(&row, "local_id = ?", localID).Error
		if errors.Is(e, gorm.ErrRecordNotFound) {
			return nil
		}
		found = e == nil
		return e
	})
	if err != nil {
		return model.IdMapping{}, false, err
	}
	if !found {
		return model.IdMapping{}, false, nil
	}
	return rowToMapping(row), true, nil
}

// ListIncompleteMappings returns every mapping not yet marked completed,
// used by recoverIncompleteMappings at startup to resume interrupted
// cutovers.
func (d *Database) ListIncompleteMappings(ctx context.Context) ([]model.IdMapping, error) {
	var rows []idMappingRow
	if err := d.read(ctx, func(tx *gorm.DB) error {
		return tx.Where("completed = ?", false).Find(&rows).Error
	}); err != nil {
		return nil, err
	}
	out := make([]model.IdMapping, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToMapping(r))
	}
	return out, nil
}

// MarkMappingCompleted flips a mapping's completed flag once
// updateAllReferences has finished rewriting every referencing row.
func (d *Database) MarkMappingCompleted(ctx context.Context, localID string) error {
	return d.write(ctx, func(tx *gorm.DB) error {
		return tx.Model(&idMappingRow{}).Where("local_id = ?", localID).Update("completed", true).Error
	})
}

// DeleteIdMapping removes a mapping row once it is no longer needed.
func (d *Database) DeleteIdMapping(ctx context.Context, localID string) error {
	return d.write(ctx, func(tx *gorm.DB) error {
		return tx.Delete(&idMappingRow{}, "local_id = ?", localID).Error
	})
}
