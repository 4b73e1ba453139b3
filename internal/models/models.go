package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Marketplace providers
const (
	ProviderBricklink = "bricklink"
	ProviderBrickowl  = "brickowl"
)

// Providers lists the closed set of supported marketplaces.
var Providers = []string{ProviderBricklink, ProviderBrickowl}

// InventoryItem represents the current denormalized state of an inventory lot
type InventoryItem struct {
	ID                int64           `db:"id" json:"id"`
	BusinessAccountID int64           `db:"business_account_id" json:"business_account_id"`
	PartNumber        string          `db:"part_number" json:"part_number"`
	ColorID           int             `db:"color_id" json:"color_id"`
	Condition         string          `db:"condition" json:"condition"`
	QuantityAvailable int             `db:"quantity_available" json:"quantity_available"`
	QuantityReserved  int             `db:"quantity_reserved" json:"quantity_reserved"`
	Location          string          `db:"location" json:"location"`
	Price             decimal.Decimal `db:"price" json:"price"`
	Archived          bool            `db:"archived" json:"archived"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// ItemSyncStatus is the per-provider sync block of an inventory item
type ItemSyncStatus struct {
	ItemID              int64      `db:"item_id" json:"item_id"`
	Provider            string     `db:"provider" json:"provider"`
	RemoteLotID         string     `db:"remote_lot_id" json:"remote_lot_id,omitempty"`
	Status              string     `db:"status" json:"status"`
	LastSyncAttempt     *time.Time `db:"last_sync_attempt" json:"last_sync_attempt,omitempty"`
	LastSyncedSeq       int64      `db:"last_synced_seq" json:"last_synced_seq"`
	LastSyncedAvailable int        `db:"last_synced_available" json:"last_synced_available"`
	Error               string     `db:"error" json:"error,omitempty"`
}

// Sync statuses
const (
	SyncStatusPending = "PENDING"
	SyncStatusSyncing = "SYNCING"
	SyncStatusSynced  = "SYNCED"
	SyncStatusFailed  = "FAILED"
)

// LedgerEntry is an immutable quantity fact. For a given item, entries ordered
// by Seq form a consistent running balance and Seq is gapless.
type LedgerEntry struct {
	ID                int64     `db:"id" json:"id"`
	ItemID            int64     `db:"item_id" json:"item_id"`
	BusinessAccountID int64     `db:"business_account_id" json:"business_account_id"`
	Seq               int64     `db:"seq" json:"seq"`
	PreAvailable      int       `db:"pre_available" json:"pre_available"`
	PostAvailable     int       `db:"post_available" json:"post_available"`
	DeltaAvailable    int       `db:"delta_available" json:"delta_available"`
	Reason            string    `db:"reason" json:"reason"`
	Source            string    `db:"source" json:"source"`
	Actor             string    `db:"actor" json:"actor,omitempty"`
	ExternalOrderRef  string    `db:"external_order_ref" json:"external_order_ref,omitempty"`
	CorrelationID     string    `db:"correlation_id" json:"correlation_id,omitempty"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// Ledger reasons
const (
	ReasonInitialStock     = "initial_stock"
	ReasonManualAdjustment = "manual_adjustment"
	ReasonOrderSale        = "order_sale"
	ReasonItemDeleted      = "item_deleted"
)

// Ledger sources
const (
	SourceUser      = "user"
	SourceBricklink = "bricklink"
	SourceBrickowl  = "brickowl"
)

// LocationLedgerEntry records a location transition for an item
type LocationLedgerEntry struct {
	ID            int64     `db:"id" json:"id"`
	ItemID        int64     `db:"item_id" json:"item_id"`
	Seq           int64     `db:"seq" json:"seq"`
	FromLocation  string    `db:"from_location" json:"from_location"`
	ToLocation    string    `db:"to_location" json:"to_location"`
	Actor         string    `db:"actor" json:"actor,omitempty"`
	CorrelationID string    `db:"correlation_id" json:"correlation_id,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// ChangeLogEntry is the generalized record of a mutation, consumed by the undo
// engine. UndoneByChangeID is set at most once.
type ChangeLogEntry struct {
	ID               int64      `db:"id" json:"id"`
	ItemID           int64      `db:"item_id" json:"item_id"`
	ChangeType       string     `db:"change_type" json:"change_type"`
	Before           []byte     `db:"before_snapshot" json:"before_snapshot,omitempty"`
	After            []byte     `db:"after_snapshot" json:"after_snapshot,omitempty"`
	IsUndo           bool       `db:"is_undo" json:"is_undo"`
	UndoesChangeID   *int64     `db:"undoes_change_id" json:"undoes_change_id,omitempty"`
	UndoneByChangeID *int64     `db:"undone_by_change_id" json:"undone_by_change_id,omitempty"`
	Actor            string     `db:"actor" json:"actor"`
	CorrelationID    string     `db:"correlation_id" json:"correlation_id,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UndoneAt         *time.Time `db:"undone_at" json:"undone_at,omitempty"`
}

// Change types
const (
	ChangeTypeCreate = "create"
	ChangeTypeUpdate = "update"
	ChangeTypeDelete = "delete"
)

// OutboxEntry is one pending sync operation covering the ledger-sequence
// window (FromSeqExclusive, ToSeqInclusive].
type OutboxEntry struct {
	ID               int64      `db:"id" json:"id"`
	ItemID           int64      `db:"item_id" json:"item_id"`
	Provider         string     `db:"provider" json:"provider"`
	Kind             string     `db:"kind" json:"kind"`
	FromSeqExclusive int64      `db:"from_seq_exclusive" json:"from_seq_exclusive"`
	ToSeqInclusive   int64      `db:"to_seq_inclusive" json:"to_seq_inclusive"`
	IdempotencyKey   string     `db:"idempotency_key" json:"idempotency_key"`
	Status           string     `db:"status" json:"status"`
	Attempts         int        `db:"attempts" json:"attempts"`
	NextAttemptAt    time.Time  `db:"next_attempt_at" json:"next_attempt_at"`
	LastError        string     `db:"last_error" json:"last_error,omitempty"`
	CorrelationID    string     `db:"correlation_id" json:"correlation_id,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	CompletedAt      *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// Outbox statuses
const (
	OutboxStatusPending   = "PENDING"
	OutboxStatusInflight  = "INFLIGHT"
	OutboxStatusSucceeded = "SUCCEEDED"
	OutboxStatusFailed    = "FAILED"
)

// Outbox operation kinds
const (
	OutboxKindCreate = "create"
	OutboxKindUpdate = "update"
	OutboxKindDelete = "delete"
)

// SyncSettings holds per-provider enablement for a business account.
// Sync is disabled per provider until explicitly turned on.
type SyncSettings struct {
	BusinessAccountID int64     `db:"business_account_id" json:"business_account_id"`
	Provider          string    `db:"provider" json:"provider"`
	Enabled           bool      `db:"enabled" json:"enabled"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// ProcessedEvent for marketplace order event idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
