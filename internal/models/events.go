package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeInventoryChanged = "INVENTORY_CHANGED"
	EventTypeChangeUndone     = "CHANGE_UNDONE"
	EventTypeSyncSucceeded    = "SYNC_SUCCEEDED"
	EventTypeSyncFailed       = "SYNC_FAILED"
	EventTypeQuotaAlert       = "QUOTA_ALERT"
	EventTypeMarketplaceOrder = "MARKETPLACE_ORDER"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// InventoryChangedEvent published after every ledger-writing mutation
type InventoryChangedEvent struct {
	BaseEvent
	ItemID        int64  `json:"item_id"`
	ChangeID      int64  `json:"change_id"`
	Seq           int64  `json:"seq"`
	Delta         int    `json:"delta"`
	PostAvailable int    `json:"post_available"`
	Reason        string `json:"reason"`
	Source        string `json:"source"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// ChangeUndoneEvent published when a change is compensated
type ChangeUndoneEvent struct {
	BaseEvent
	ItemID         int64  `json:"item_id"`
	UndoesChangeID int64  `json:"undoes_change_id"`
	UndoChangeID   int64  `json:"undo_change_id"`
	Actor          string `json:"actor"`
	Reason         string `json:"reason,omitempty"`
}

// SyncSucceededEvent published when an outbox entry reaches SUCCEEDED
type SyncSucceededEvent struct {
	BaseEvent
	ItemID      int64  `json:"item_id"`
	Provider    string `json:"provider"`
	Kind        string `json:"kind"`
	SyncedSeq   int64  `json:"synced_seq"`
	RemoteLotID string `json:"remote_lot_id,omitempty"`
	Attempts    int    `json:"attempts"`
}

// SyncFailedEvent published when an outbox entry reaches FAILED
type SyncFailedEvent struct {
	BaseEvent
	ItemID   int64  `json:"item_id"`
	Provider string `json:"provider"`
	Kind     string `json:"kind"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}

// QuotaAlertEvent published once per window when a rate-limit bucket crosses
// its alert threshold
type QuotaAlertEvent struct {
	BaseEvent
	Provider  string    `json:"provider"`
	Bucket    string    `json:"bucket"`
	Remaining int       `json:"remaining"`
	Capacity  int       `json:"capacity"`
	ResetAt   time.Time `json:"reset_at"`
}

// MarketplaceOrderEvent is the provider-neutral order notification consumed
// from the bus. Webhook parsing happens upstream of this service.
type MarketplaceOrderEvent struct {
	BaseEvent
	Provider     string          `json:"provider"`
	OrderRef     string          `json:"order_ref"`
	ItemID       int64           `json:"item_id"`
	QuantitySold int             `json:"quantity_sold"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
}
