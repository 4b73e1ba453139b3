package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"bricksync/internal/errs"
	"bricksync/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreWithDB wraps an existing connection, used by tests.
func NewStoreWithDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetItemByID retrieves an inventory item by ID
func (s *Store) GetItemByID(ctx context.Context, id int64) (*models.InventoryItem, error) {
	var item models.InventoryItem
	err := s.db.GetContext(ctx, &item, "SELECT * FROM inventory_items WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: item %d", errs.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// GetItemsByAccount retrieves all non-archived items for a business account
func (s *Store) GetItemsByAccount(ctx context.Context, accountID int64) ([]models.InventoryItem, error) {
	var items []models.InventoryItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM inventory_items WHERE business_account_id = $1 AND archived = FALSE ORDER BY id", accountID)
	return items, err
}

// GetSyncStatuses retrieves the per-provider sync blocks for an item
func (s *Store) GetSyncStatuses(ctx context.Context, itemID int64) ([]models.ItemSyncStatus, error) {
	var statuses []models.ItemSyncStatus
	err := s.db.SelectContext(ctx, &statuses,
		"SELECT * FROM item_sync_status WHERE item_id = $1 ORDER BY provider", itemID)
	return statuses, err
}

// UpsertSyncStatus writes a per-provider sync block for an item
func (s *Store) UpsertSyncStatus(ctx context.Context, st *models.ItemSyncStatus) error {
	query := `
		INSERT INTO item_sync_status (item_id, provider, remote_lot_id, status, last_sync_attempt, last_synced_seq, last_synced_available, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (item_id, provider) DO UPDATE SET
			remote_lot_id = EXCLUDED.remote_lot_id,
			status = EXCLUDED.status,
			last_sync_attempt = EXCLUDED.last_sync_attempt,
			last_synced_seq = EXCLUDED.last_synced_seq,
			last_synced_available = EXCLUDED.last_synced_available,
			error = EXCLUDED.error`

	_, err := s.db.ExecContext(ctx, query,
		st.ItemID, st.Provider, st.RemoteLotID, st.Status, st.LastSyncAttempt,
		st.LastSyncedSeq, st.LastSyncedAvailable, st.Error)
	return err
}

// PatchSyncOutcome updates the sync block after a terminal outbox status. The
// synced seq only moves forward.
func (s *Store) PatchSyncOutcome(ctx context.Context, itemID int64, provider, status, remoteLotID string, syncedSeq int64, syncedAvailable int, errMsg string) error {
	query := `
		INSERT INTO item_sync_status (item_id, provider, remote_lot_id, status, last_sync_attempt, last_synced_seq, last_synced_available, error)
		VALUES ($1, $2, $3, $4, NOW(), $5, $6, $7)
		ON CONFLICT (item_id, provider) DO UPDATE SET
			remote_lot_id = CASE WHEN EXCLUDED.remote_lot_id <> '' THEN EXCLUDED.remote_lot_id ELSE item_sync_status.remote_lot_id END,
			status = EXCLUDED.status,
			last_sync_attempt = NOW(),
			last_synced_seq = GREATEST(item_sync_status.last_synced_seq, EXCLUDED.last_synced_seq),
			last_synced_available = CASE WHEN EXCLUDED.last_synced_seq >= item_sync_status.last_synced_seq THEN EXCLUDED.last_synced_available ELSE item_sync_status.last_synced_available END,
			error = EXCLUDED.error`

	_, err := s.db.ExecContext(ctx, query,
		itemID, provider, remoteLotID, status, syncedSeq, syncedAvailable, errMsg)
	return err
}

// MarkSyncAttempt records that a sync attempt is starting for an item/provider
func (s *Store) MarkSyncAttempt(ctx context.Context, itemID int64, provider string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO item_sync_status (item_id, provider, status, last_sync_attempt)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (item_id, provider) DO UPDATE SET
			status = EXCLUDED.status,
			last_sync_attempt = NOW()`,
		itemID, provider, models.SyncStatusSyncing)
	return err
}

// GetSyncSettings retrieves per-provider enablement for a business account.
// Providers without a row are disabled.
func (s *Store) GetSyncSettings(ctx context.Context, accountID int64) ([]models.SyncSettings, error) {
	var settings []models.SyncSettings
	err := s.db.SelectContext(ctx, &settings,
		"SELECT * FROM sync_settings WHERE business_account_id = $1 ORDER BY provider", accountID)
	return settings, err
}

// UpsertSyncSetting enables or disables sync for one provider
func (s *Store) UpsertSyncSetting(ctx context.Context, accountID int64, provider string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_settings (business_account_id, provider, enabled, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (business_account_id, provider) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			updated_at = NOW()`,
		accountID, provider, enabled)
	return err
}

// EnabledProviders returns the providers with sync turned on for an account
func (s *Store) EnabledProviders(ctx context.Context, accountID int64) ([]string, error) {
	var providers []string
	err := s.db.SelectContext(ctx, &providers,
		"SELECT provider FROM sync_settings WHERE business_account_id = $1 AND enabled = TRUE ORDER BY provider", accountID)
	return providers, err
}

// IsEventProcessed checks if a marketplace event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks a marketplace event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}
