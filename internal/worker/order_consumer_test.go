package worker

import (
	"context"
	"testing"

	"bricksync/internal/errs"
	"bricksync/internal/models"
	"bricksync/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOrderStore struct {
	items     map[int64]*models.InventoryItem
	processed map[string]bool
	enabled   []string
	mutations []*store.Mutation
	seq       int64
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{
		items:     make(map[int64]*models.InventoryItem),
		processed: make(map[string]bool),
		enabled:   []string{models.ProviderBricklink, models.ProviderBrickowl},
	}
}

func (f *fakeOrderStore) ApplyMutation(ctx context.Context, m *store.Mutation) (*store.MutationResult, error) {
	item, ok := f.items[m.ItemID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	post := item.QuantityAvailable + m.QuantityDelta
	if post < 0 && !m.AllowNegative {
		return nil, errs.Validation("balance would go negative")
	}
	f.seq++
	item.QuantityAvailable = post
	f.mutations = append(f.mutations, m)
	clone := *item
	return &store.MutationResult{
		Item: &clone,
		Ledger: &models.LedgerEntry{
			ItemID: item.ID, Seq: f.seq, PostAvailable: post,
			DeltaAvailable: m.QuantityDelta, Reason: m.Reason, Source: m.Source,
		},
		Change: &models.ChangeLogEntry{ID: f.seq, ItemID: item.ID},
	}, nil
}

func (f *fakeOrderStore) GetItemByID(ctx context.Context, id int64) (*models.InventoryItem, error) {
	item, ok := f.items[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	clone := *item
	return &clone, nil
}

func (f *fakeOrderStore) EnabledProviders(ctx context.Context, accountID int64) ([]string, error) {
	return f.enabled, nil
}

func (f *fakeOrderStore) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	return f.processed[eventID], nil
}

func (f *fakeOrderStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	f.processed[eventID] = true
	return nil
}

type fakeOrderPublisher struct {
	changed []*models.InventoryChangedEvent
}

func (p *fakeOrderPublisher) PublishInventoryChanged(ctx context.Context, e *models.InventoryChangedEvent) error {
	p.changed = append(p.changed, e)
	return nil
}

func orderEvent(eventID string, qty int) *models.MarketplaceOrderEvent {
	return &models.MarketplaceOrderEvent{
		BaseEvent: models.BaseEvent{
			EventID:   eventID,
			EventType: models.EventTypeMarketplaceOrder,
		},
		Provider:     models.ProviderBricklink,
		OrderRef:     "BL-100",
		ItemID:       1,
		QuantitySold: qty,
		UnitPrice:    decimal.NewFromFloat(0.25),
	}
}

func TestHandleOrderEventAppliesSale(t *testing.T) {
	repo := newFakeOrderStore()
	repo.items[1] = &models.InventoryItem{ID: 1, BusinessAccountID: 1, QuantityAvailable: 10}
	pub := &fakeOrderPublisher{}
	c := NewOrderConsumer(repo, pub)

	err := c.HandleOrderEvent(context.Background(), orderEvent("evt-1", 3))
	require.NoError(t, err)

	assert.Equal(t, 7, repo.items[1].QuantityAvailable)
	require.Len(t, repo.mutations, 1)
	m := repo.mutations[0]
	assert.Equal(t, -3, m.QuantityDelta)
	assert.Equal(t, models.ReasonOrderSale, m.Reason)
	assert.Equal(t, models.ProviderBricklink, m.Source)
	assert.Equal(t, "BL-100", m.ExternalOrderRef)
	// The sale fans out to the other marketplace only.
	assert.Equal(t, []string{models.ProviderBrickowl}, m.Providers)

	require.Len(t, pub.changed, 1)
	assert.Equal(t, 7, pub.changed[0].PostAvailable)
}

func TestHandleOrderEventDeduplicates(t *testing.T) {
	repo := newFakeOrderStore()
	repo.items[1] = &models.InventoryItem{ID: 1, BusinessAccountID: 1, QuantityAvailable: 10}
	c := NewOrderConsumer(repo, &fakeOrderPublisher{})

	require.NoError(t, c.HandleOrderEvent(context.Background(), orderEvent("evt-1", 3)))
	require.NoError(t, c.HandleOrderEvent(context.Background(), orderEvent("evt-1", 3)))

	assert.Equal(t, 7, repo.items[1].QuantityAvailable)
	assert.Len(t, repo.mutations, 1)
}

func TestHandleOrderEventAllowsOversell(t *testing.T) {
	repo := newFakeOrderStore()
	repo.items[1] = &models.InventoryItem{ID: 1, BusinessAccountID: 1, QuantityAvailable: 2}
	c := NewOrderConsumer(repo, &fakeOrderPublisher{})

	err := c.HandleOrderEvent(context.Background(), orderEvent("evt-1", 5))
	require.NoError(t, err)
	assert.Equal(t, -3, repo.items[1].QuantityAvailable)
}

func TestHandleOrderEventValidation(t *testing.T) {
	repo := newFakeOrderStore()
	c := NewOrderConsumer(repo, &fakeOrderPublisher{})

	err := c.HandleOrderEvent(context.Background(), orderEvent("evt-1", 0))
	assert.ErrorIs(t, err, errs.ErrValidation)

	evt := orderEvent("evt-2", 1)
	evt.Provider = "ebay"
	err = c.HandleOrderEvent(context.Background(), evt)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestHandleOrderEventUnknownItem(t *testing.T) {
	repo := newFakeOrderStore()
	c := NewOrderConsumer(repo, &fakeOrderPublisher{})

	err := c.HandleOrderEvent(context.Background(), orderEvent("evt-1", 1))
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.False(t, repo.processed["evt-1"])
}
