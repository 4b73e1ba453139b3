package store

import (
	"context"
	"database/sql"
	"fmt"

	"bricksync/internal/errs"
	"bricksync/internal/models"
)

// QuantityEntriesSince retrieves ledger entries for an item with seq > sinceSeq,
// in seq order
func (s *Store) QuantityEntriesSince(ctx context.Context, itemID, sinceSeq int64) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	err := s.db.SelectContext(ctx, &entries,
		"SELECT * FROM quantity_ledger WHERE item_id = $1 AND seq > $2 ORDER BY seq", itemID, sinceSeq)
	return entries, err
}

// QuantityEntryAtSeq retrieves the single ledger entry at a seq. The worker
// uses it to build payloads from item state as of the end of a window.
func (s *Store) QuantityEntryAtSeq(ctx context.Context, itemID, seq int64) (*models.LedgerEntry, error) {
	var entry models.LedgerEntry
	err := s.db.GetContext(ctx, &entry,
		"SELECT * FROM quantity_ledger WHERE item_id = $1 AND seq = $2", itemID, seq)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: item %d has no ledger entry at seq %d", errs.ErrNotFound, itemID, seq)
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// LastSeq retrieves the highest assigned seq for an item, 0 when the ledger
// is empty
func (s *Store) LastSeq(ctx context.Context, itemID int64) (int64, error) {
	var seq int64
	err := s.db.GetContext(ctx, &seq,
		"SELECT COALESCE(MAX(seq), 0) FROM quantity_ledger WHERE item_id = $1", itemID)
	return seq, err
}

// LocationEntries retrieves the location ledger for an item in seq order
func (s *Store) LocationEntries(ctx context.Context, itemID int64) ([]models.LocationLedgerEntry, error) {
	var entries []models.LocationLedgerEntry
	err := s.db.SelectContext(ctx, &entries,
		"SELECT * FROM location_ledger WHERE item_id = $1 ORDER BY seq", itemID)
	return entries, err
}
