package worker

import (
	"context"
	"fmt"

	"bricksync/internal/errs"
	"bricksync/internal/models"
	"bricksync/internal/store"
	"bricksync/internal/util"

	"go.uber.org/zap"
)

// OrderStore is the persistence surface of the order consumer.
type OrderStore interface {
	ApplyMutation(ctx context.Context, m *store.Mutation) (*store.MutationResult, error)
	GetItemByID(ctx context.Context, id int64) (*models.InventoryItem, error)
	EnabledProviders(ctx context.Context, accountID int64) ([]string, error)
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// OrderPublisher emits the ledger change derived from an order.
type OrderPublisher interface {
	PublishInventoryChanged(ctx context.Context, event *models.InventoryChangedEvent) error
}

// OrderConsumer applies marketplace order events to the quantity ledger. A
// sale on one marketplace becomes an order_sale delta, which in turn fans an
// update sync out to the other marketplaces through the outbox.
type OrderConsumer struct {
	store     OrderStore
	publisher OrderPublisher
	logger    *zap.Logger
}

// NewOrderConsumer creates an order consumer
func NewOrderConsumer(store OrderStore, publisher OrderPublisher) *OrderConsumer {
	return &OrderConsumer{
		store:     store,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// HandleOrderEvent applies one order event. Delivery is at-least-once;
// processed event ids are recorded so replays are dropped.
func (c *OrderConsumer) HandleOrderEvent(ctx context.Context, event *models.MarketplaceOrderEvent) error {
	ctx, span := util.StartSpan(ctx, "OrderConsumer.HandleOrderEvent")
	defer span.End()

	if event.QuantitySold <= 0 {
		util.OrderEventsTotal.WithLabelValues(event.Provider, "invalid").Inc()
		return errs.Validation("order event %s: quantity_sold must be positive", event.EventID)
	}
	if event.Provider != models.ProviderBricklink && event.Provider != models.ProviderBrickowl {
		util.OrderEventsTotal.WithLabelValues(event.Provider, "invalid").Inc()
		return errs.Validation("order event %s: unknown provider %q", event.EventID, event.Provider)
	}

	processed, err := c.store.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return fmt.Errorf("failed to check event dedup: %w", err)
	}
	if processed {
		util.OrderEventsTotal.WithLabelValues(event.Provider, "duplicate").Inc()
		c.logger.Debug("Dropping duplicate order event", zap.String("event_id", event.EventID))
		return nil
	}

	item, err := c.store.GetItemByID(ctx, event.ItemID)
	if err != nil {
		util.OrderEventsTotal.WithLabelValues(event.Provider, "unknown_item").Inc()
		return err
	}

	enabled, err := c.store.EnabledProviders(ctx, item.BusinessAccountID)
	if err != nil {
		return fmt.Errorf("failed to resolve enabled providers: %w", err)
	}

	// Oversells happen when a sale lands before the quota-limited sync; the
	// ledger records the true negative balance instead of rejecting the fact.
	res, err := c.store.ApplyMutation(ctx, &store.Mutation{
		ItemID:           item.ID,
		WriteLedger:      true,
		QuantityDelta:    -event.QuantitySold,
		Reason:           models.ReasonOrderSale,
		Source:           event.Provider,
		AllowNegative:    true,
		ExternalOrderRef: event.OrderRef,
		ChangeType:       models.ChangeTypeUpdate,
		Actor:            "marketplace:" + event.Provider,
		CorrelationID:    event.EventID,
		OutboxKind:       models.OutboxKindUpdate,
		Providers:        otherProviders(event.Provider, enabled),
	})
	if err != nil {
		util.OrderEventsTotal.WithLabelValues(event.Provider, "rejected").Inc()
		return err
	}

	if err := c.store.MarkEventProcessed(ctx, event.EventID, event.EventType); err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}

	util.OrderEventsTotal.WithLabelValues(event.Provider, "applied").Inc()
	util.LedgerAppendsTotal.WithLabelValues(models.ReasonOrderSale, event.Provider).Inc()

	if c.publisher != nil && res.Ledger != nil {
		changed := &models.InventoryChangedEvent{
			BaseEvent:     newBaseEvent(models.EventTypeInventoryChanged),
			ItemID:        item.ID,
			ChangeID:      res.Change.ID,
			Seq:           res.Ledger.Seq,
			Delta:         res.Ledger.DeltaAvailable,
			PostAvailable: res.Ledger.PostAvailable,
			Reason:        res.Ledger.Reason,
			Source:        res.Ledger.Source,
			CorrelationID: event.EventID,
		}
		if err := c.publisher.PublishInventoryChanged(ctx, changed); err != nil {
			c.logger.Warn("Failed to publish inventory changed event", zap.Error(err))
		}
	}

	c.logger.Info("Order event applied",
		zap.String("event_id", event.EventID),
		zap.String("provider", event.Provider),
		zap.Int64("item_id", item.ID),
		zap.Int("quantity_sold", event.QuantitySold),
		zap.Int("post_available", res.Ledger.PostAvailable))

	return nil
}

// otherProviders returns the enabled marketplaces except the one the order
// came from; the origin already reflects the sale.
func otherProviders(origin string, enabled []string) []string {
	out := make([]string, 0, len(enabled))
	for _, p := range enabled {
		if p != origin {
			out = append(out, p)
		}
	}
	return out
}
