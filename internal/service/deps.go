// Package service implements the inventory mutation and undo operations.
// Dependencies are narrow interfaces owned by this package so the business
// rules test against in-memory fakes.
package service

import (
	"context"
	"time"

	"bricksync/internal/models"
	"bricksync/internal/store"
)

// Repository is the persistence surface the services need. *store.Store
// satisfies it.
type Repository interface {
	ApplyMutation(ctx context.Context, m *store.Mutation) (*store.MutationResult, error)
	GetItemByID(ctx context.Context, id int64) (*models.InventoryItem, error)
	GetChange(ctx context.Context, changeID int64) (*models.ChangeLogEntry, error)
	GetChangesByItem(ctx context.Context, itemID int64) ([]models.ChangeLogEntry, error)
	QuantityEntriesSince(ctx context.Context, itemID, sinceSeq int64) ([]models.LedgerEntry, error)
	LocationEntries(ctx context.Context, itemID int64) ([]models.LocationLedgerEntry, error)
	GetSyncStatuses(ctx context.Context, itemID int64) ([]models.ItemSyncStatus, error)
	GetSyncSettings(ctx context.Context, accountID int64) ([]models.SyncSettings, error)
	UpsertSyncSetting(ctx context.Context, accountID int64, provider string, enabled bool) error
	EnabledProviders(ctx context.Context, accountID int64) ([]string, error)
	ReenqueueFailed(ctx context.Context, entryID int64) error
}

// Publisher emits domain events to the bus.
type Publisher interface {
	PublishInventoryChanged(ctx context.Context, event *models.InventoryChangedEvent) error
	PublishChangeUndone(ctx context.Context, event *models.ChangeUndoneEvent) error
}

// Locker serializes same-item mutations across service instances.
type Locker interface {
	AcquireItemLock(ctx context.Context, itemID int64, ttl time.Duration) (bool, error)
	ReleaseItemLock(ctx context.Context, itemID int64) error
}

// Cache is the request-dedup and replay-cache surface. Both concerns are best
// effort; a cache failure never blocks a mutation.
type Cache interface {
	CheckIdempotencyKey(ctx context.Context, key string) (bool, error)
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	GetCachedOnHand(ctx context.Context, itemID int64) (int, bool, error)
	CacheOnHand(ctx context.Context, itemID int64, available int, ttl time.Duration) error
	InvalidateOnHand(ctx context.Context, itemID int64) error
}

// Authorizer is the external privilege check. Undo requires owner privilege
// on the item's business account.
type Authorizer interface {
	RequireOwner(ctx context.Context, accountID int64, actor string) error
}
