// Package worker runs the background loops: outbox sync pushing inventory
// changes to the marketplaces, marketplace order ingestion and outbox GC.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"bricksync/internal/errs"
	"bricksync/internal/marketplace"
	"bricksync/internal/models"
	"bricksync/internal/upstream"
	"bricksync/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// OutboxStore is the persistence surface of the sync worker.
type OutboxStore interface {
	ClaimDueEntry(ctx context.Context) (*models.OutboxEntry, error)
	GetItemByID(ctx context.Context, id int64) (*models.InventoryItem, error)
	QuantityEntryAtSeq(ctx context.Context, itemID, seq int64) (*models.LedgerEntry, error)
	GetSyncStatuses(ctx context.Context, itemID int64) ([]models.ItemSyncStatus, error)
	MarkSyncAttempt(ctx context.Context, itemID int64, provider string) error
	MarkOutboxSucceeded(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, errMsg string) error
	RescheduleOutbox(ctx context.Context, id int64, nextAttemptAt time.Time, errMsg string) error
	PatchSyncOutcome(ctx context.Context, itemID int64, provider, status, remoteLotID string, syncedSeq int64, syncedAvailable int, errMsg string) error
	DeleteCompletedOutboxBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SyncPublisher emits sync outcome events.
type SyncPublisher interface {
	PublishSyncSucceeded(ctx context.Context, event *models.SyncSucceededEvent) error
	PublishSyncFailed(ctx context.Context, event *models.SyncFailedEvent) error
}

// CatalogLookup resolves a human readable part description. Lookups are best
// effort; a failure never blocks a sync.
type CatalogLookup interface {
	PartDescription(ctx context.Context, partNumber string, colorID int) (string, error)
}

// SyncWorkerConfig tunes the worker pool.
type SyncWorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	MaxAttempts  int
	Backoff      upstream.RetryPolicy
	Retention    time.Duration
	GCInterval   time.Duration
}

// SyncWorker drains the marketplace outbox.
type SyncWorker struct {
	store     OutboxStore
	clients   map[string]marketplace.Client
	publisher SyncPublisher
	catalog   CatalogLookup
	cfg       SyncWorkerConfig
	logger    *zap.Logger
	wg        sync.WaitGroup
}

// NewSyncWorker creates a sync worker over the given provider clients.
func NewSyncWorker(store OutboxStore, clients []marketplace.Client, publisher SyncPublisher, catalog CatalogLookup, cfg SyncWorkerConfig) *SyncWorker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff.MaxAttempts == 0 {
		cfg.Backoff = upstream.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   time.Second,
			MaxDelay:    5 * time.Minute,
			Multiplier:  2,
		}
	}
	byProvider := make(map[string]marketplace.Client, len(clients))
	for _, c := range clients {
		byProvider[c.Provider()] = c
	}
	return &SyncWorker{
		store:     store,
		clients:   byProvider,
		publisher: publisher,
		catalog:   catalog,
		cfg:       cfg,
		logger:    util.GetLogger(),
	}
}

// Start launches the worker pool and the GC loop. It returns immediately;
// loops stop when ctx is cancelled.
func (w *SyncWorker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.runLoop(ctx)
	}
	if w.cfg.Retention > 0 && w.cfg.GCInterval > 0 {
		w.wg.Add(1)
		go w.runGC(ctx)
	}
	w.logger.Info("Sync worker started",
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Duration("poll_interval", w.cfg.PollInterval))
}

// Wait blocks until all loops have exited.
func (w *SyncWorker) Wait() {
	w.wg.Wait()
}

func (w *SyncWorker) runLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entry, err := w.store.ClaimDueEntry(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("Failed to claim outbox entry", zap.Error(err))
			w.pause(ctx)
			continue
		}
		if entry == nil {
			w.pause(ctx)
			continue
		}

		// Entry failures are contained; the loop keeps draining.
		w.ProcessEntry(ctx, entry)
	}
}

func (w *SyncWorker) pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.cfg.PollInterval):
	}
}

// ProcessEntry pushes one claimed entry to its marketplace and records the
// outcome.
func (w *SyncWorker) ProcessEntry(ctx context.Context, entry *models.OutboxEntry) {
	ctx, span := util.StartSpan(ctx, "SyncWorker.ProcessEntry")
	defer span.End()
	start := time.Now()

	client, ok := w.clients[entry.Provider]
	if !ok {
		w.fail(ctx, entry, start, "no client configured for provider "+entry.Provider)
		return
	}

	if err := w.store.MarkSyncAttempt(ctx, entry.ItemID, entry.Provider); err != nil {
		w.logger.Warn("Failed to mark sync attempt",
			zap.Int64("item_id", entry.ItemID), zap.Error(err))
	}

	payload, err := w.buildPayload(ctx, entry)
	if err != nil {
		w.retryOrFail(ctx, entry, start, err)
		return
	}

	kind := entry.Kind
	if kind == models.OutboxKindUpdate && payload.RemoteLotID == "" {
		// The lot never made it to the marketplace; create it instead.
		kind = models.OutboxKindCreate
	}

	session := client.NewSession()
	opts := marketplace.CallOptions{
		IdempotencyKey: entry.IdempotencyKey,
		CorrelationID:  entry.CorrelationID,
	}

	var result *marketplace.CallResult
	switch kind {
	case models.OutboxKindCreate:
		result, err = session.CreateLot(ctx, payload, opts)
	case models.OutboxKindUpdate:
		result, err = session.UpdateLot(ctx, payload, opts)
	case models.OutboxKindDelete:
		if payload.RemoteLotID == "" {
			// Nothing exists remotely; the delete is already in effect.
			result, err = &marketplace.CallResult{Success: true}, nil
		} else {
			result, err = session.DeleteLot(ctx, payload, opts)
		}
	default:
		w.fail(ctx, entry, start, "unknown outbox kind "+entry.Kind)
		return
	}
	if err != nil {
		w.retryOrFail(ctx, entry, start, err)
		return
	}

	w.succeed(ctx, entry, start, payload, result)
}

func (w *SyncWorker) buildPayload(ctx context.Context, entry *models.OutboxEntry) (*marketplace.LotPayload, error) {
	item, err := w.store.GetItemByID(ctx, entry.ItemID)
	if err != nil {
		return nil, err
	}

	// Quantity as of the window end, so a claim racing a newer mutation does
	// not leak the newer balance into this window's sync.
	available := item.QuantityAvailable
	if entry.ToSeqInclusive > 0 {
		if ledgerEntry, err := w.store.QuantityEntryAtSeq(ctx, entry.ItemID, entry.ToSeqInclusive); err == nil && ledgerEntry != nil {
			available = ledgerEntry.PostAvailable
		}
	}

	payload := &marketplace.LotPayload{
		PartNumber: item.PartNumber,
		ColorID:    item.ColorID,
		Condition:  item.Condition,
		Quantity:   available,
		Price:      item.Price,
		Location:   item.Location,
	}

	statuses, err := w.store.GetSyncStatuses(ctx, entry.ItemID)
	if err != nil {
		return nil, err
	}
	for _, st := range statuses {
		if st.Provider == entry.Provider {
			payload.RemoteLotID = st.RemoteLotID
			break
		}
	}

	if w.catalog != nil {
		if desc, err := w.catalog.PartDescription(ctx, item.PartNumber, item.ColorID); err == nil {
			payload.Description = desc
		}
	}
	return payload, nil
}

func (w *SyncWorker) succeed(ctx context.Context, entry *models.OutboxEntry, start time.Time, payload *marketplace.LotPayload, result *marketplace.CallResult) {
	if err := w.store.MarkOutboxSucceeded(ctx, entry.ID); err != nil {
		w.logger.Error("Failed to mark outbox entry succeeded",
			zap.Int64("entry_id", entry.ID), zap.Error(err))
		return
	}

	remoteLotID := payload.RemoteLotID
	if result.RemoteID != "" {
		remoteLotID = result.RemoteID
	}
	status := models.SyncStatusSynced
	if entry.Kind == models.OutboxKindDelete {
		remoteLotID = ""
	}
	if err := w.store.PatchSyncOutcome(ctx, entry.ItemID, entry.Provider, status,
		remoteLotID, entry.ToSeqInclusive, payload.Quantity, ""); err != nil {
		w.logger.Error("Failed to patch sync outcome",
			zap.Int64("item_id", entry.ItemID), zap.Error(err))
	}

	util.OutboxProcessedTotal.WithLabelValues(entry.Provider, models.OutboxStatusSucceeded).Inc()
	util.SyncLatency.WithLabelValues(entry.Provider).Observe(time.Since(start).Seconds())

	if w.publisher != nil {
		event := &models.SyncSucceededEvent{
			BaseEvent:   newBaseEvent(models.EventTypeSyncSucceeded),
			ItemID:      entry.ItemID,
			Provider:    entry.Provider,
			Kind:        entry.Kind,
			SyncedSeq:   entry.ToSeqInclusive,
			RemoteLotID: remoteLotID,
			Attempts:    entry.Attempts,
		}
		if err := w.publisher.PublishSyncSucceeded(ctx, event); err != nil {
			w.logger.Warn("Failed to publish sync succeeded event", zap.Error(err))
		}
	}

	w.logger.Info("Outbox entry synced",
		zap.Int64("entry_id", entry.ID),
		zap.Int64("item_id", entry.ItemID),
		zap.String("provider", entry.Provider),
		zap.String("kind", entry.Kind),
		zap.Int("attempts", entry.Attempts))
}

func (w *SyncWorker) retryOrFail(ctx context.Context, entry *models.OutboxEntry, start time.Time, cause error) {
	if errs.Retryable(cause) && entry.Attempts < w.cfg.MaxAttempts {
		delay := w.cfg.Backoff.Delay(entry.Attempts + 1)
		var rateErr *errs.RateLimitError
		if errors.As(cause, &rateErr) && rateErr.RetryAfter > delay {
			delay = rateErr.RetryAfter
		}
		var quotaErr *errs.QuotaError
		if errors.As(cause, &quotaErr) && quotaErr.RetryAfter > delay {
			delay = quotaErr.RetryAfter
		}
		if err := w.store.RescheduleOutbox(ctx, entry.ID, time.Now().Add(delay), cause.Error()); err != nil {
			w.logger.Error("Failed to reschedule outbox entry",
				zap.Int64("entry_id", entry.ID), zap.Error(err))
			return
		}
		util.OutboxRetriesTotal.WithLabelValues(entry.Provider).Inc()
		w.logger.Warn("Outbox entry rescheduled",
			zap.Int64("entry_id", entry.ID),
			zap.String("provider", entry.Provider),
			zap.Int("attempts", entry.Attempts),
			zap.Duration("delay", delay),
			zap.Error(cause))
		return
	}

	w.fail(ctx, entry, start, cause.Error())
}

func (w *SyncWorker) fail(ctx context.Context, entry *models.OutboxEntry, start time.Time, errMsg string) {
	if err := w.store.MarkOutboxFailed(ctx, entry.ID, errMsg); err != nil {
		w.logger.Error("Failed to mark outbox entry failed",
			zap.Int64("entry_id", entry.ID), zap.Error(err))
		return
	}
	if err := w.store.PatchSyncOutcome(ctx, entry.ItemID, entry.Provider,
		models.SyncStatusFailed, "", 0, 0, errMsg); err != nil {
		w.logger.Error("Failed to patch sync outcome",
			zap.Int64("item_id", entry.ItemID), zap.Error(err))
	}

	util.OutboxProcessedTotal.WithLabelValues(entry.Provider, models.OutboxStatusFailed).Inc()
	util.SyncLatency.WithLabelValues(entry.Provider).Observe(time.Since(start).Seconds())

	if w.publisher != nil {
		event := &models.SyncFailedEvent{
			BaseEvent: newBaseEvent(models.EventTypeSyncFailed),
			ItemID:    entry.ItemID,
			Provider:  entry.Provider,
			Kind:      entry.Kind,
			Attempts:  entry.Attempts,
			Error:     errMsg,
		}
		if err := w.publisher.PublishSyncFailed(ctx, event); err != nil {
			w.logger.Warn("Failed to publish sync failed event", zap.Error(err))
		}
	}

	w.logger.Error("Outbox entry failed terminally",
		zap.Int64("entry_id", entry.ID),
		zap.Int64("item_id", entry.ItemID),
		zap.String("provider", entry.Provider),
		zap.String("error", errMsg))
}

func (w *SyncWorker) runGC(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-w.cfg.Retention)
			deleted, err := w.store.DeleteCompletedOutboxBefore(ctx, cutoff)
			if err != nil {
				w.logger.Error("Outbox GC failed", zap.Error(err))
				continue
			}
			if deleted > 0 {
				w.logger.Info("Outbox GC removed completed entries", zap.Int64("deleted", deleted))
			}
		}
	}
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}
