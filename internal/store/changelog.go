package store

import (
	"context"
	"database/sql"
	"fmt"

	"bricksync/internal/errs"
	"bricksync/internal/models"
)

// GetChange retrieves a change log entry by ID
func (s *Store) GetChange(ctx context.Context, changeID int64) (*models.ChangeLogEntry, error) {
	var change models.ChangeLogEntry
	err := s.db.GetContext(ctx, &change, "SELECT * FROM change_log WHERE id = $1", changeID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: change %d", errs.ErrNotFound, changeID)
	}
	if err != nil {
		return nil, err
	}
	return &change, nil
}

// GetChangesByItem retrieves the change history of an item, newest first
func (s *Store) GetChangesByItem(ctx context.Context, itemID int64) ([]models.ChangeLogEntry, error) {
	var changes []models.ChangeLogEntry
	err := s.db.SelectContext(ctx, &changes,
		"SELECT * FROM change_log WHERE item_id = $1 ORDER BY id DESC", itemID)
	return changes, err
}
