package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"bricksync/internal/errs"
	"bricksync/internal/ledger"
	"bricksync/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// ItemPatch carries the optional field changes of a mutation. Quantity is
// never patched directly; it only moves through the ledger.
type ItemPatch struct {
	Location         *string
	Condition        *string
	Price            *decimal.Decimal
	QuantityReserved *int
	Archived         *bool
}

// Mutation describes one ledger-writing operation. ApplyMutation executes it
// as a single transaction: item write, ledger append, location append, change
// log insert, undo back-link and outbox enqueue either all happen or none do.
type Mutation struct {
	ItemID int64
	Insert *models.InventoryItem
	Patch  ItemPatch

	WriteLedger      bool
	QuantityDelta    int
	Reason           string
	Source           string
	AllowNegative    bool
	ExternalOrderRef string

	ChangeType     string
	IsUndo         bool
	UndoesChangeID *int64
	Before         []byte
	After          []byte

	Actor         string
	CorrelationID string

	OutboxKind string
	Providers  []string
}

// MutationResult reports everything a mutation produced.
type MutationResult struct {
	Item          *models.InventoryItem
	Ledger        *models.LedgerEntry
	Location      *models.LocationLedgerEntry
	Change        *models.ChangeLogEntry
	Enqueued      []models.OutboxEntry
	AlreadyQueued []string
}

// ApplyMutation runs one mutation atomically. The item row is locked for the
// duration of the transaction, which serializes concurrent writers per item
// and keeps seq assignment gapless.
func (s *Store) ApplyMutation(ctx context.Context, m *Mutation) (*MutationResult, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res := &MutationResult{}

	var item models.InventoryItem
	if m.Insert != nil {
		query := `
			INSERT INTO inventory_items (business_account_id, part_number, color_id, condition, quantity_available, quantity_reserved, location, price, archived)
			VALUES ($1, $2, $3, $4, 0, $5, $6, $7, FALSE)
			RETURNING *`
		if err := tx.GetContext(ctx, &item, query,
			m.Insert.BusinessAccountID, m.Insert.PartNumber, m.Insert.ColorID, m.Insert.Condition,
			m.Insert.QuantityReserved, m.Insert.Location, m.Insert.Price); err != nil {
			return nil, fmt.Errorf("failed to insert item: %w", err)
		}
	} else {
		err := tx.GetContext(ctx, &item, "SELECT * FROM inventory_items WHERE id = $1 FOR UPDATE", m.ItemID)
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: item %d", errs.ErrNotFound, m.ItemID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to lock item: %w", err)
		}
	}

	if m.WriteLedger {
		var lastSeq int64
		if err := tx.GetContext(ctx, &lastSeq,
			"SELECT COALESCE(MAX(seq), 0) FROM quantity_ledger WHERE item_id = $1", item.ID); err != nil {
			return nil, fmt.Errorf("failed to read last seq: %w", err)
		}

		entry, err := ledger.NextQuantityEntry(item.ID, item.BusinessAccountID, lastSeq,
			item.QuantityAvailable, m.QuantityDelta, m.Reason, m.Source, ledger.AppendOptions{
				AllowNegative:    m.AllowNegative,
				Actor:            m.Actor,
				ExternalOrderRef: m.ExternalOrderRef,
				CorrelationID:    m.CorrelationID,
			})
		if err != nil {
			return nil, err
		}

		query := `
			INSERT INTO quantity_ledger (item_id, business_account_id, seq, pre_available, post_available, delta_available, reason, source, actor, external_order_ref, correlation_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id, created_at`
		if err := tx.QueryRowxContext(ctx, query,
			entry.ItemID, entry.BusinessAccountID, entry.Seq, entry.PreAvailable, entry.PostAvailable,
			entry.DeltaAvailable, entry.Reason, entry.Source, entry.Actor, entry.ExternalOrderRef,
			entry.CorrelationID).Scan(&entry.ID, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to append ledger entry: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE inventory_items SET quantity_available = $1, updated_at = NOW() WHERE id = $2",
			entry.PostAvailable, item.ID); err != nil {
			return nil, fmt.Errorf("failed to patch item quantity: %w", err)
		}
		item.QuantityAvailable = entry.PostAvailable
		res.Ledger = &entry
	}

	if m.Patch.Location != nil && *m.Patch.Location != item.Location {
		var locSeq int64
		if err := tx.GetContext(ctx, &locSeq,
			"SELECT COALESCE(MAX(seq), 0) FROM location_ledger WHERE item_id = $1", item.ID); err != nil {
			return nil, fmt.Errorf("failed to read last location seq: %w", err)
		}

		loc := models.LocationLedgerEntry{
			ItemID:        item.ID,
			Seq:           locSeq + 1,
			FromLocation:  item.Location,
			ToLocation:    *m.Patch.Location,
			Actor:         m.Actor,
			CorrelationID: m.CorrelationID,
		}
		query := `
			INSERT INTO location_ledger (item_id, seq, from_location, to_location, actor, correlation_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at`
		if err := tx.QueryRowxContext(ctx, query,
			loc.ItemID, loc.Seq, loc.FromLocation, loc.ToLocation, loc.Actor,
			loc.CorrelationID).Scan(&loc.ID, &loc.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to append location entry: %w", err)
		}
		res.Location = &loc
	}

	if err := applyPatch(ctx, tx, &item, m.Patch); err != nil {
		return nil, err
	}

	after := m.After
	if after == nil && m.ChangeType != models.ChangeTypeDelete {
		after, _ = json.Marshal(item)
	}
	change := models.ChangeLogEntry{
		ItemID:         item.ID,
		ChangeType:     m.ChangeType,
		Before:         m.Before,
		After:          after,
		IsUndo:         m.IsUndo,
		UndoesChangeID: m.UndoesChangeID,
		Actor:          m.Actor,
		CorrelationID:  m.CorrelationID,
	}
	query := `
		INSERT INTO change_log (item_id, change_type, before_snapshot, after_snapshot, is_undo, undoes_change_id, actor, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`
	if err := tx.QueryRowxContext(ctx, query,
		change.ItemID, change.ChangeType, change.Before, change.After, change.IsUndo,
		change.UndoesChangeID, change.Actor, change.CorrelationID).Scan(&change.ID, &change.CreatedAt); err != nil {
		return nil, fmt.Errorf("failed to insert change log entry: %w", err)
	}
	res.Change = &change

	if m.IsUndo && m.UndoesChangeID != nil {
		// The back-link is set exactly once; a concurrent undo of the same
		// change loses this race and rolls back.
		result, err := tx.ExecContext(ctx, `
			UPDATE change_log SET undone_by_change_id = $1, undone_at = NOW()
			WHERE id = $2 AND undone_by_change_id IS NULL`,
			change.ID, *m.UndoesChangeID)
		if err != nil {
			return nil, fmt.Errorf("failed to link undo: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, errs.Consistency("change %d has already been undone", *m.UndoesChangeID)
		}
	}

	if m.OutboxKind != "" {
		// Metadata-only changes sync at the item's current ledger position.
		var toSeq int64
		if res.Ledger != nil {
			toSeq = res.Ledger.Seq
		} else if err := tx.GetContext(ctx, &toSeq,
			"SELECT COALESCE(MAX(seq), 0) FROM quantity_ledger WHERE item_id = $1", item.ID); err != nil {
			return nil, fmt.Errorf("failed to read last seq for enqueue: %w", err)
		}
		for _, provider := range m.Providers {
			enqueued, entry, err := enqueueTx(ctx, tx, item.ID, provider, m.OutboxKind, toSeq, m.CorrelationID)
			if err != nil {
				return nil, err
			}
			if enqueued {
				if err := markSyncPendingTx(ctx, tx, item.ID, provider); err != nil {
					return nil, err
				}
				res.Enqueued = append(res.Enqueued, *entry)
			} else {
				res.AlreadyQueued = append(res.AlreadyQueued, provider)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	res.Item = &item
	return res, nil
}

func applyPatch(ctx context.Context, tx *sqlx.Tx, item *models.InventoryItem, p ItemPatch) error {
	if p.Location != nil {
		item.Location = *p.Location
	}
	if p.Condition != nil {
		item.Condition = *p.Condition
	}
	if p.Price != nil {
		item.Price = *p.Price
	}
	if p.QuantityReserved != nil {
		item.QuantityReserved = *p.QuantityReserved
	}
	if p.Archived != nil {
		item.Archived = *p.Archived
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE inventory_items
		SET location = $1, condition = $2, price = $3, quantity_reserved = $4, archived = $5, updated_at = NOW()
		WHERE id = $6`,
		item.Location, item.Condition, item.Price, item.QuantityReserved, item.Archived, item.ID)
	if err != nil {
		return fmt.Errorf("failed to patch item: %w", err)
	}
	return nil
}

// enqueueTx inserts one outbox entry inside the mutation transaction. The
// window starts where the latest entry for (item, provider) ended; the unique
// idempotency key absorbs duplicate enqueues of the same window.
func enqueueTx(ctx context.Context, tx *sqlx.Tx, itemID int64, provider, kind string, toSeq int64, correlationID string) (bool, *models.OutboxEntry, error) {
	var queued bool
	err := tx.GetContext(ctx, &queued, `
		SELECT EXISTS(
			SELECT 1 FROM marketplace_outbox
			WHERE item_id = $1 AND provider = $2 AND status IN ($3, $4) AND to_seq_inclusive >= $5
		)`,
		itemID, provider, models.OutboxStatusPending, models.OutboxStatusInflight, toSeq)
	if err != nil {
		return false, nil, fmt.Errorf("failed to check pending outbox window: %w", err)
	}
	if queued {
		return false, nil, nil
	}

	var fromSeq int64
	err = tx.GetContext(ctx, &fromSeq, `
		SELECT COALESCE(MAX(to_seq_inclusive), 0) FROM marketplace_outbox
		WHERE item_id = $1 AND provider = $2`,
		itemID, provider)
	if err != nil {
		return false, nil, fmt.Errorf("failed to read last outbox window: %w", err)
	}

	w := ledger.Window{FromSeqExclusive: fromSeq, ToSeqInclusive: toSeq}
	entry := models.OutboxEntry{
		ItemID:           itemID,
		Provider:         provider,
		Kind:             kind,
		FromSeqExclusive: w.FromSeqExclusive,
		ToSeqInclusive:   w.ToSeqInclusive,
		IdempotencyKey:   ledger.IdempotencyKey(itemID, provider, kind, w),
		Status:           models.OutboxStatusPending,
		CorrelationID:    correlationID,
	}

	query := `
		INSERT INTO marketplace_outbox (item_id, provider, kind, from_seq_exclusive, to_seq_inclusive, idempotency_key, status, next_attempt_at, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), $8)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING id, next_attempt_at, created_at`
	err = tx.QueryRowxContext(ctx, query,
		entry.ItemID, entry.Provider, entry.Kind, entry.FromSeqExclusive, entry.ToSeqInclusive,
		entry.IdempotencyKey, entry.Status, entry.CorrelationID).
		Scan(&entry.ID, &entry.NextAttemptAt, &entry.CreatedAt)
	if err == sql.ErrNoRows {
		// conflict on idempotency key: the window is already queued
		return false, nil, nil
	}
	if err != nil {
		return false, nil, fmt.Errorf("failed to enqueue outbox entry: %w", err)
	}

	return true, &entry, nil
}

// markSyncPendingTx flips the provider's sync block to PENDING alongside the
// enqueue, so reads between enqueue and claim see the item as out of sync.
// The remote lot id and the synced watermark are left untouched.
func markSyncPendingTx(ctx context.Context, tx *sqlx.Tx, itemID int64, provider string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO item_sync_status (item_id, provider, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (item_id, provider) DO UPDATE SET status = EXCLUDED.status`,
		itemID, provider, models.SyncStatusPending)
	if err != nil {
		return fmt.Errorf("failed to mark sync pending: %w", err)
	}
	return nil
}
