package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"bricksync/internal/models"
	"bricksync/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishInventoryChanged publishes InventoryChanged event
func (ep *EventPublisher) PublishInventoryChanged(ctx context.Context, event *models.InventoryChangedEvent) error {
	key := fmt.Sprintf("item-%d", event.ItemID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishChangeUndone publishes ChangeUndone event
func (ep *EventPublisher) PublishChangeUndone(ctx context.Context, event *models.ChangeUndoneEvent) error {
	key := fmt.Sprintf("item-%d", event.ItemID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishSyncSucceeded publishes SyncSucceeded event
func (ep *EventPublisher) PublishSyncSucceeded(ctx context.Context, event *models.SyncSucceededEvent) error {
	key := fmt.Sprintf("item-%d", event.ItemID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishSyncFailed publishes SyncFailed event
func (ep *EventPublisher) PublishSyncFailed(ctx context.Context, event *models.SyncFailedEvent) error {
	key := fmt.Sprintf("item-%d", event.ItemID)
	return ep.producer.PublishEvent(ctx, key, event)
}

// PublishQuotaAlert publishes QuotaAlert event, keyed by provider so alerts
// for one marketplace stay in order
func (ep *EventPublisher) PublishQuotaAlert(ctx context.Context, event *models.QuotaAlertEvent) error {
	return ep.producer.PublishEvent(ctx, event.Provider, event)
}

// EventHandler routes incoming bus events to registered callbacks
type EventHandler struct {
	onMarketplaceOrder func(context.Context, *models.MarketplaceOrderEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnMarketplaceOrder registers a handler for MarketplaceOrder events
func (eh *EventHandler) OnMarketplaceOrder(handler func(context.Context, *models.MarketplaceOrderEvent) error) {
	eh.onMarketplaceOrder = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	util.GetLogger().Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeMarketplaceOrder:
		if eh.onMarketplaceOrder != nil {
			var event models.MarketplaceOrderEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal MarketplaceOrder event: %w", err)
			}
			return eh.onMarketplaceOrder(ctx, &event)
		}

	default:
		util.GetLogger().Debug("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
