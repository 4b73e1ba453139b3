package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bricksync/internal/errs"
	"bricksync/internal/ledger"
	"bricksync/internal/models"
	"bricksync/internal/store"
	"bricksync/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// onHandCacheTTL bounds how stale a cached replay result can get when an
// invalidation is lost.
const onHandCacheTTL = 30 * time.Second

// InventoryService handles inventory mutations and ledger queries
type InventoryService struct {
	repo      Repository
	publisher Publisher
	locker    Locker
	cache     Cache
	lockTTL   time.Duration
	idemTTL   time.Duration
	logger    *zap.Logger
}

// NewInventoryService creates a new inventory service
func NewInventoryService(repo Repository, publisher Publisher, locker Locker, cache Cache, lockTTL, idemTTL time.Duration) *InventoryService {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Second
	}
	if idemTTL <= 0 {
		idemTTL = 24 * time.Hour
	}
	return &InventoryService{
		repo:      repo,
		publisher: publisher,
		locker:    locker,
		cache:     cache,
		lockTTL:   lockTTL,
		idemTTL:   idemTTL,
		logger:    util.GetLogger(),
	}
}

// AddItemRequest represents a request to create an inventory item
type AddItemRequest struct {
	BusinessAccountID int64           `json:"business_account_id" binding:"required"`
	PartNumber        string          `json:"part_number" binding:"required"`
	ColorID           int             `json:"color_id"`
	Condition         string          `json:"condition" binding:"required,oneof=new used"`
	InitialQuantity   int             `json:"initial_quantity" binding:"min=0"`
	Location          string          `json:"location"`
	Price             decimal.Decimal `json:"price"`
	Actor             string          `json:"actor" binding:"required"`
	CorrelationID     string          `json:"correlation_id,omitempty"`
}

// UpdateItemRequest represents a partial update of an inventory item. Nil
// fields are left untouched. QuantityAvailable is absolute; the service
// derives the ledger delta from the current balance.
type UpdateItemRequest struct {
	ItemID            int64            `json:"item_id" binding:"required"`
	QuantityAvailable *int             `json:"quantity_available,omitempty"`
	QuantityReserved  *int             `json:"quantity_reserved,omitempty"`
	Location          *string          `json:"location,omitempty"`
	Condition         *string          `json:"condition,omitempty"`
	Price             *decimal.Decimal `json:"price,omitempty"`
	Actor             string           `json:"actor" binding:"required"`
	CorrelationID     string           `json:"correlation_id,omitempty"`
}

// MutationResponse reports the outcome of a ledger-writing operation
type MutationResponse struct {
	Item          *models.InventoryItem `json:"item"`
	ChangeID      int64                 `json:"change_id"`
	Seq           int64                 `json:"seq,omitempty"`
	Enqueued      []models.OutboxEntry  `json:"enqueued,omitempty"`
	AlreadyQueued []string              `json:"already_queued,omitempty"`
}

// AddInventoryItem creates an item, writes its initial_stock ledger entry and
// enqueues a create sync for every enabled provider.
func (s *InventoryService) AddInventoryItem(ctx context.Context, req *AddItemRequest) (*MutationResponse, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.AddInventoryItem")
	defer span.End()

	if req.PartNumber == "" {
		return nil, errs.Validation("part_number is required")
	}
	if req.InitialQuantity < 0 {
		return nil, errs.Validation("initial_quantity must not be negative")
	}
	if req.Price.IsNegative() {
		return nil, errs.Validation("price must not be negative")
	}
	if err := s.checkDuplicate(ctx, req.CorrelationID); err != nil {
		return nil, err
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.New().String()
	}

	providers, err := s.repo.EnabledProviders(ctx, req.BusinessAccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve enabled providers: %w", err)
	}

	insert := &models.InventoryItem{
		BusinessAccountID: req.BusinessAccountID,
		PartNumber:        req.PartNumber,
		ColorID:           req.ColorID,
		Condition:         req.Condition,
		Location:          req.Location,
		Price:             req.Price,
	}
	res, err := s.repo.ApplyMutation(ctx, &store.Mutation{
		Insert:        insert,
		WriteLedger:   true,
		QuantityDelta: req.InitialQuantity,
		Reason:        models.ReasonInitialStock,
		Source:        models.SourceUser,
		ChangeType:    models.ChangeTypeCreate,
		Actor:         req.Actor,
		CorrelationID: req.CorrelationID,
		OutboxKind:    models.OutboxKindCreate,
		Providers:     providers,
	})
	if err != nil {
		util.LedgerAppendsRejected.WithLabelValues("create").Inc()
		return nil, err
	}

	s.finishMutation(ctx, req.CorrelationID, res.Item.ID)
	s.recordMutation(res)
	s.publishChanged(ctx, res)

	s.logger.Info("Inventory item created",
		zap.Int64("item_id", res.Item.ID),
		zap.String("part_number", res.Item.PartNumber),
		zap.Int("quantity", res.Item.QuantityAvailable),
		zap.Int("providers_enqueued", len(res.Enqueued)))

	return toResponse(res), nil
}

// UpdateInventoryItem applies a partial update. A quantity change appends a
// manual_adjustment ledger entry; a location change appends to the location
// ledger; every variant enqueues an update sync.
func (s *InventoryService) UpdateInventoryItem(ctx context.Context, req *UpdateItemRequest) (*MutationResponse, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.UpdateInventoryItem")
	defer span.End()

	if req.QuantityAvailable == nil && req.QuantityReserved == nil &&
		req.Location == nil && req.Condition == nil && req.Price == nil {
		return nil, errs.Validation("update request carries no changes")
	}
	if req.Price != nil && req.Price.IsNegative() {
		return nil, errs.Validation("price must not be negative")
	}
	if err := s.checkDuplicate(ctx, req.CorrelationID); err != nil {
		return nil, err
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.New().String()
	}

	unlock, err := s.lockItem(ctx, req.ItemID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	item, err := s.repo.GetItemByID(ctx, req.ItemID)
	if err != nil {
		return nil, err
	}
	if item.Archived {
		return nil, errs.Validation("item %d is archived", item.ID)
	}

	providers, err := s.repo.EnabledProviders(ctx, item.BusinessAccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve enabled providers: %w", err)
	}

	before, _ := json.Marshal(item)

	mutation := &store.Mutation{
		ItemID: item.ID,
		Patch: store.ItemPatch{
			Location:         req.Location,
			Condition:        req.Condition,
			Price:            req.Price,
			QuantityReserved: req.QuantityReserved,
		},
		ChangeType:    models.ChangeTypeUpdate,
		Before:        before,
		Actor:         req.Actor,
		CorrelationID: req.CorrelationID,
		OutboxKind:    models.OutboxKindUpdate,
		Providers:     providers,
	}
	if req.QuantityAvailable != nil {
		if *req.QuantityAvailable < 0 {
			return nil, errs.Validation("quantity_available must not be negative")
		}
		mutation.WriteLedger = true
		mutation.QuantityDelta = *req.QuantityAvailable - item.QuantityAvailable
		mutation.Reason = models.ReasonManualAdjustment
		mutation.Source = models.SourceUser
	}

	res, err := s.repo.ApplyMutation(ctx, mutation)
	if err != nil {
		util.LedgerAppendsRejected.WithLabelValues("update").Inc()
		return nil, err
	}

	s.finishMutation(ctx, req.CorrelationID, res.Item.ID)
	s.recordMutation(res)
	s.publishChanged(ctx, res)

	s.logger.Info("Inventory item updated",
		zap.Int64("item_id", res.Item.ID),
		zap.Int64("change_id", res.Change.ID))

	return toResponse(res), nil
}

// DeleteInventoryItem archives an item. The quantity ledger records the
// balance going to zero so replay stays consistent, and a delete sync is
// enqueued so remote lots are removed. The row itself is kept for undo.
func (s *InventoryService) DeleteInventoryItem(ctx context.Context, itemID int64, actor, correlationID string) (*MutationResponse, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.DeleteInventoryItem")
	defer span.End()

	if err := s.checkDuplicate(ctx, correlationID); err != nil {
		return nil, err
	}
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	unlock, err := s.lockItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	item, err := s.repo.GetItemByID(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Archived {
		return nil, errs.Validation("item %d is already archived", item.ID)
	}

	providers, err := s.repo.EnabledProviders(ctx, item.BusinessAccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve enabled providers: %w", err)
	}

	before, _ := json.Marshal(item)
	archived := true

	res, err := s.repo.ApplyMutation(ctx, &store.Mutation{
		ItemID:        item.ID,
		Patch:         store.ItemPatch{Archived: &archived},
		WriteLedger:   true,
		QuantityDelta: -item.QuantityAvailable,
		Reason:        models.ReasonItemDeleted,
		Source:        models.SourceUser,
		ChangeType:    models.ChangeTypeDelete,
		Before:        before,
		Actor:         actor,
		CorrelationID: correlationID,
		OutboxKind:    models.OutboxKindDelete,
		Providers:     providers,
	})
	if err != nil {
		util.LedgerAppendsRejected.WithLabelValues("delete").Inc()
		return nil, err
	}

	s.finishMutation(ctx, correlationID, item.ID)
	s.recordMutation(res)
	s.publishChanged(ctx, res)

	s.logger.Info("Inventory item archived",
		zap.Int64("item_id", item.ID),
		zap.String("actor", actor))

	return toResponse(res), nil
}

// GetItemQuantityLedger returns quantity entries with seq greater than
// sinceSeq, oldest first.
func (s *InventoryService) GetItemQuantityLedger(ctx context.Context, itemID, sinceSeq int64) ([]models.LedgerEntry, error) {
	return s.repo.QuantityEntriesSince(ctx, itemID, sinceSeq)
}

// GetItemLocationLedger returns the full location history of an item.
func (s *InventoryService) GetItemLocationLedger(ctx context.Context, itemID int64) ([]models.LocationLedgerEntry, error) {
	return s.repo.LocationEntries(ctx, itemID)
}

// CalculateOnHandQuantity replays the full quantity ledger and cross-checks
// the result against the denormalized item balance. Verified results are
// cached briefly; mutations invalidate the cache.
func (s *InventoryService) CalculateOnHandQuantity(ctx context.Context, itemID int64) (int, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.CalculateOnHandQuantity")
	defer span.End()

	if s.cache != nil {
		if cached, ok, err := s.cache.GetCachedOnHand(ctx, itemID); err == nil && ok {
			return cached, nil
		}
	}

	item, err := s.repo.GetItemByID(ctx, itemID)
	if err != nil {
		return 0, err
	}
	entries, err := s.repo.QuantityEntriesSince(ctx, itemID, 0)
	if err != nil {
		return 0, err
	}
	onHand, err := ledger.Replay(entries)
	if err != nil {
		return 0, err
	}
	if onHand != item.QuantityAvailable {
		return 0, errs.Consistency("item %d replay balance %d does not match stored balance %d",
			itemID, onHand, item.QuantityAvailable)
	}
	if s.cache != nil {
		if err := s.cache.CacheOnHand(ctx, itemID, onHand, onHandCacheTTL); err != nil {
			s.logger.Warn("Failed to cache on-hand balance", zap.Int64("item_id", itemID), zap.Error(err))
		}
	}
	return onHand, nil
}

// GetItem returns the item with its per-provider sync blocks.
func (s *InventoryService) GetItem(ctx context.Context, itemID int64) (*models.InventoryItem, []models.ItemSyncStatus, error) {
	item, err := s.repo.GetItemByID(ctx, itemID)
	if err != nil {
		return nil, nil, err
	}
	statuses, err := s.repo.GetSyncStatuses(ctx, itemID)
	if err != nil {
		return nil, nil, err
	}
	return item, statuses, nil
}

// GetChangeHistory returns the change log of an item, newest first.
func (s *InventoryService) GetChangeHistory(ctx context.Context, itemID int64) ([]models.ChangeLogEntry, error) {
	return s.repo.GetChangesByItem(ctx, itemID)
}

// GetSyncSettings returns per-provider enablement for an account. Providers
// without a stored row are reported disabled.
func (s *InventoryService) GetSyncSettings(ctx context.Context, accountID int64) ([]models.SyncSettings, error) {
	stored, err := s.repo.GetSyncSettings(ctx, accountID)
	if err != nil {
		return nil, err
	}
	byProvider := make(map[string]models.SyncSettings, len(stored))
	for _, st := range stored {
		byProvider[st.Provider] = st
	}
	out := make([]models.SyncSettings, 0, len(models.Providers))
	for _, p := range models.Providers {
		if st, ok := byProvider[p]; ok {
			out = append(out, st)
			continue
		}
		out = append(out, models.SyncSettings{BusinessAccountID: accountID, Provider: p, Enabled: false})
	}
	return out, nil
}

// UpdateSyncSettings flips one provider on or off for an account.
func (s *InventoryService) UpdateSyncSettings(ctx context.Context, accountID int64, provider string, enabled bool) error {
	if !validProvider(provider) {
		return errs.Validation("unknown provider %q", provider)
	}
	return s.repo.UpsertSyncSetting(ctx, accountID, provider, enabled)
}

// ReenqueueFailedSync re-arms a terminally failed outbox entry.
func (s *InventoryService) ReenqueueFailedSync(ctx context.Context, entryID int64) error {
	return s.repo.ReenqueueFailed(ctx, entryID)
}

func (s *InventoryService) lockItem(ctx context.Context, itemID int64) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	ok, err := s.locker.AcquireItemLock(ctx, itemID, s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire item lock: %w", err)
	}
	if !ok {
		return nil, errs.Consistency("item %d is being modified by another operation", itemID)
	}
	return func() {
		if err := s.locker.ReleaseItemLock(ctx, itemID); err != nil {
			s.logger.Warn("Failed to release item lock", zap.Int64("item_id", itemID), zap.Error(err))
		}
	}, nil
}

// checkDuplicate rejects a caller-supplied correlation id that was already
// processed. Internally generated ids are always fresh and skip the check.
func (s *InventoryService) checkDuplicate(ctx context.Context, correlationID string) error {
	if s.cache == nil || correlationID == "" {
		return nil
	}
	seen, err := s.cache.CheckIdempotencyKey(ctx, correlationID)
	if err != nil {
		s.logger.Warn("Failed to check idempotency key", zap.String("key", correlationID), zap.Error(err))
		return nil
	}
	if seen {
		return errs.Consistency("request %s was already processed", correlationID)
	}
	return nil
}

// finishMutation records the correlation id for dedup and drops the stale
// on-hand cache entry.
func (s *InventoryService) finishMutation(ctx context.Context, correlationID string, itemID int64) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetIdempotencyKey(ctx, correlationID, itemID, s.idemTTL); err != nil {
		s.logger.Warn("Failed to store idempotency key", zap.String("key", correlationID), zap.Error(err))
	}
	if err := s.cache.InvalidateOnHand(ctx, itemID); err != nil {
		s.logger.Warn("Failed to invalidate on-hand cache", zap.Int64("item_id", itemID), zap.Error(err))
	}
}

func (s *InventoryService) recordMutation(res *store.MutationResult) {
	if res.Ledger != nil {
		util.LedgerAppendsTotal.WithLabelValues(res.Ledger.Reason, res.Ledger.Source).Inc()
	}
	for _, e := range res.Enqueued {
		util.OutboxEnqueuedTotal.WithLabelValues(e.Provider, e.Kind).Inc()
	}
	for _, p := range res.AlreadyQueued {
		util.OutboxDuplicateEnqueues.WithLabelValues(p).Inc()
	}
}

func (s *InventoryService) publishChanged(ctx context.Context, res *store.MutationResult) {
	if s.publisher == nil || res.Ledger == nil {
		return
	}
	event := &models.InventoryChangedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeInventoryChanged),
		ItemID:        res.Item.ID,
		ChangeID:      res.Change.ID,
		Seq:           res.Ledger.Seq,
		Delta:         res.Ledger.DeltaAvailable,
		PostAvailable: res.Ledger.PostAvailable,
		Reason:        res.Ledger.Reason,
		Source:        res.Ledger.Source,
		CorrelationID: res.Ledger.CorrelationID,
	}
	// Event delivery is best effort; the outbox carries the durable signal.
	if err := s.publisher.PublishInventoryChanged(ctx, event); err != nil {
		s.logger.Warn("Failed to publish inventory changed event",
			zap.Int64("item_id", res.Item.ID), zap.Error(err))
	}
}

func toResponse(res *store.MutationResult) *MutationResponse {
	out := &MutationResponse{
		Item:          res.Item,
		ChangeID:      res.Change.ID,
		Enqueued:      res.Enqueued,
		AlreadyQueued: res.AlreadyQueued,
	}
	if res.Ledger != nil {
		out.Seq = res.Ledger.Seq
	}
	return out
}

func validProvider(p string) bool {
	for _, known := range models.Providers {
		if known == p {
			return true
		}
	}
	return false
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}
