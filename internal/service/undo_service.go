package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"bricksync/internal/errs"
	"bricksync/internal/models"
	"bricksync/internal/store"
	"bricksync/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// UndoService compensates recorded changes. An undo is a normal mutation with
// the change-log back-link set, so it writes the ledger, enqueues sync and is
// itself undoable.
type UndoService struct {
	repo       Repository
	publisher  Publisher
	locker     Locker
	cache      Cache
	authorizer Authorizer
	lockTTL    time.Duration
	logger     *zap.Logger
}

// NewUndoService creates a new undo service
func NewUndoService(repo Repository, publisher Publisher, locker Locker, cache Cache, authorizer Authorizer, lockTTL time.Duration) *UndoService {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Second
	}
	return &UndoService{
		repo:       repo,
		publisher:  publisher,
		locker:     locker,
		cache:      cache,
		authorizer: authorizer,
		lockTTL:    lockTTL,
		logger:     util.GetLogger(),
	}
}

// UndoRequest identifies the change to compensate
type UndoRequest struct {
	ChangeID      int64  `json:"change_id" binding:"required"`
	Actor         string `json:"actor" binding:"required"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// UndoChange compensates one change. Creates are compensated by archival
// delete, updates by restoring the before snapshot, deletes by un-archiving
// and restoring. Each change can be undone at most once; undoing the undo
// brings the original state back.
func (s *UndoService) UndoChange(ctx context.Context, req *UndoRequest) (*MutationResponse, error) {
	ctx, span := util.StartSpan(ctx, "UndoService.UndoChange")
	defer span.End()

	if req.CorrelationID == "" {
		req.CorrelationID = uuid.New().String()
	}

	change, err := s.repo.GetChange(ctx, req.ChangeID)
	if err != nil {
		return nil, err
	}
	if change.UndoneByChangeID != nil {
		util.UndoRejectedTotal.WithLabelValues("already_undone").Inc()
		return nil, errs.Consistency("change %d has already been undone by change %d",
			change.ID, *change.UndoneByChangeID)
	}

	item, err := s.repo.GetItemByID(ctx, change.ItemID)
	if err != nil {
		return nil, err
	}

	if s.authorizer != nil {
		if err := s.authorizer.RequireOwner(ctx, item.BusinessAccountID, req.Actor); err != nil {
			util.UndoRejectedTotal.WithLabelValues("unauthorized").Inc()
			return nil, err
		}
	}

	unlock, err := s.lockItem(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	providers, err := s.repo.EnabledProviders(ctx, item.BusinessAccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve enabled providers: %w", err)
	}

	mutation, err := s.compensation(change, item)
	if err != nil {
		return nil, err
	}
	mutation.IsUndo = true
	mutation.UndoesChangeID = &change.ID
	mutation.Actor = req.Actor
	mutation.CorrelationID = req.CorrelationID
	mutation.Providers = providers

	res, err := s.repo.ApplyMutation(ctx, mutation)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.InvalidateOnHand(ctx, item.ID); err != nil {
			s.logger.Warn("Failed to invalidate on-hand cache", zap.Int64("item_id", item.ID), zap.Error(err))
		}
	}

	util.UndoTotal.WithLabelValues(change.ChangeType).Inc()
	if s.publisher != nil {
		event := &models.ChangeUndoneEvent{
			BaseEvent:      newBaseEvent(models.EventTypeChangeUndone),
			ItemID:         item.ID,
			UndoesChangeID: change.ID,
			UndoChangeID:   res.Change.ID,
			Actor:          req.Actor,
			Reason:         req.Reason,
		}
		if err := s.publisher.PublishChangeUndone(ctx, event); err != nil {
			s.logger.Warn("Failed to publish change undone event",
				zap.Int64("change_id", change.ID), zap.Error(err))
		}
	}

	s.logger.Info("Change undone",
		zap.Int64("change_id", change.ID),
		zap.Int64("undo_change_id", res.Change.ID),
		zap.String("change_type", change.ChangeType),
		zap.String("actor", req.Actor))

	return toResponse(res), nil
}

// compensation builds the mutation that reverses one recorded change.
func (s *UndoService) compensation(change *models.ChangeLogEntry, item *models.InventoryItem) (*store.Mutation, error) {
	before, _ := json.Marshal(item)

	switch change.ChangeType {
	case models.ChangeTypeCreate:
		if item.Archived {
			util.UndoRejectedTotal.WithLabelValues("item_gone").Inc()
			return nil, errs.Consistency("item %d no longer exists", item.ID)
		}
		archived := true
		return &store.Mutation{
			ItemID:        item.ID,
			Patch:         store.ItemPatch{Archived: &archived},
			WriteLedger:   true,
			QuantityDelta: -item.QuantityAvailable,
			Reason:        models.ReasonItemDeleted,
			Source:        models.SourceUser,
			ChangeType:    models.ChangeTypeDelete,
			Before:        before,
			OutboxKind:    models.OutboxKindDelete,
		}, nil

	case models.ChangeTypeUpdate:
		prev, err := decodeSnapshot(change.Before)
		if err != nil {
			return nil, err
		}
		m := &store.Mutation{
			ItemID:     item.ID,
			Patch:      restorePatch(prev),
			ChangeType: models.ChangeTypeUpdate,
			Before:     before,
			OutboxKind: models.OutboxKindUpdate,
		}
		if delta := prev.QuantityAvailable - item.QuantityAvailable; delta != 0 {
			m.WriteLedger = true
			m.QuantityDelta = delta
			m.Reason = models.ReasonManualAdjustment
			m.Source = models.SourceUser
		}
		return m, nil

	case models.ChangeTypeDelete:
		if !item.Archived {
			util.UndoRejectedTotal.WithLabelValues("not_archived").Inc()
			return nil, errs.Consistency("item %d is not archived", item.ID)
		}
		prev, err := decodeSnapshot(change.Before)
		if err != nil {
			return nil, err
		}
		patch := restorePatch(prev)
		unarchived := false
		patch.Archived = &unarchived
		m := &store.Mutation{
			ItemID:     item.ID,
			Patch:      patch,
			ChangeType: models.ChangeTypeCreate,
			Before:     before,
			// The remote lot was removed; restoring means creating it again.
			OutboxKind: models.OutboxKindCreate,
		}
		if delta := prev.QuantityAvailable - item.QuantityAvailable; delta != 0 {
			m.WriteLedger = true
			m.QuantityDelta = delta
			m.Reason = models.ReasonManualAdjustment
			m.Source = models.SourceUser
		}
		return m, nil

	default:
		return nil, errs.Validation("change type %q cannot be undone", change.ChangeType)
	}
}

func decodeSnapshot(raw []byte) (*models.InventoryItem, error) {
	if len(raw) == 0 {
		return nil, errs.Consistency("change has no before snapshot to restore")
	}
	var item models.InventoryItem
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("failed to decode before snapshot: %w", err)
	}
	return &item, nil
}

func restorePatch(prev *models.InventoryItem) store.ItemPatch {
	location := prev.Location
	condition := prev.Condition
	price := prev.Price
	reserved := prev.QuantityReserved
	return store.ItemPatch{
		Location:         &location,
		Condition:        &condition,
		Price:            &price,
		QuantityReserved: &reserved,
	}
}

func (s *UndoService) lockItem(ctx context.Context, itemID int64) (func(), error) {
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
