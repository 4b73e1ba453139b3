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
)

// fakeRepo mirrors the transactional semantics of the postgres store in
// memory: gapless seq per item, single-use undo back-links and idempotent
// window enqueue.
type fakeRepo struct {
	items        map[int64]*models.InventoryItem
	ledgers      map[int64][]models.LedgerEntry
	locations    map[int64][]models.LocationLedgerEntry
	changes      map[int64]*models.ChangeLogEntry
	outbox       map[int64]*models.OutboxEntry
	statuses     map[string]*models.ItemSyncStatus
	settings     map[string]bool
	nextItemID   int64
	nextChangeID int64
	nextOutboxID int64

	applyErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		items:     make(map[int64]*models.InventoryItem),
		ledgers:   make(map[int64][]models.LedgerEntry),
		locations: make(map[int64][]models.LocationLedgerEntry),
		changes:   make(map[int64]*models.ChangeLogEntry),
		outbox:    make(map[int64]*models.OutboxEntry),
		statuses:  make(map[string]*models.ItemSyncStatus),
		settings:  make(map[string]bool),
	}
}

func (f *fakeRepo) enable(accountID int64, provider string) {
	f.settings[fmt.Sprintf("%d:%s", accountID, provider)] = true
}

func (f *fakeRepo) ApplyMutation(ctx context.Context, m *store.Mutation) (*store.MutationResult, error) {
	if f.applyErr != nil {
		return nil, f.applyErr
	}

	res := &store.MutationResult{}

	var item *models.InventoryItem
	if m.Insert != nil {
		f.nextItemID++
		clone := *m.Insert
		clone.ID = f.nextItemID
		item = &clone
		f.items[item.ID] = item
	} else {
		existing, ok := f.items[m.ItemID]
		if !ok {
			return nil, fmt.Errorf("%w: item %d", errs.ErrNotFound, m.ItemID)
		}
		item = existing
	}

	if m.WriteLedger {
		entries := f.ledgers[item.ID]
		var lastSeq int64
		if len(entries) > 0 {
			lastSeq = entries[len(entries)-1].Seq
		}
		entry, err := ledger.NextQuantityEntry(item.ID, item.BusinessAccountID, lastSeq,
			item.QuantityAvailable, m.QuantityDelta, m.Reason, m.Source, ledger.AppendOptions{
				AllowNegative:    m.AllowNegative,
				Actor:            m.Actor,
				ExternalOrderRef: m.ExternalOrderRef,
				CorrelationID:    m.CorrelationID,
			})
		if err != nil {
			return nil, err
		}
		entry.ID = int64(len(entries) + 1)
		f.ledgers[item.ID] = append(entries, entry)
		item.QuantityAvailable = entry.PostAvailable
		res.Ledger = &entry
	}

	if m.Patch.Location != nil && *m.Patch.Location != item.Location {
		locs := f.locations[item.ID]
		loc := models.LocationLedgerEntry{
			ItemID:       item.ID,
			Seq:          int64(len(locs) + 1),
			FromLocation: item.Location,
			ToLocation:   *m.Patch.Location,
			Actor:        m.Actor,
		}
		f.locations[item.ID] = append(locs, loc)
		res.Location = &loc
	}

	if m.Patch.Location != nil {
		item.Location = *m.Patch.Location
	}
	if m.Patch.Condition != nil {
		item.Condition = *m.Patch.Condition
	}
	if m.Patch.Price != nil {
		item.Price = *m.Patch.Price
	}
	if m.Patch.QuantityReserved != nil {
		item.QuantityReserved = *m.Patch.QuantityReserved
	}
	if m.Patch.Archived != nil {
		item.Archived = *m.Patch.Archived
	}

	after := m.After
	if after == nil && m.ChangeType != models.ChangeTypeDelete {
		after, _ = json.Marshal(item)
	}
	f.nextChangeID++
	change := &models.ChangeLogEntry{
		ID:             f.nextChangeID,
		ItemID:         item.ID,
		ChangeType:     m.ChangeType,
		Before:         m.Before,
		After:          after,
		IsUndo:         m.IsUndo,
		UndoesChangeID: m.UndoesChangeID,
		Actor:          m.Actor,
		CorrelationID:  m.CorrelationID,
		CreatedAt:      time.Now(),
	}
	f.changes[change.ID] = change
	res.Change = change

	if m.IsUndo && m.UndoesChangeID != nil {
		target, ok := f.changes[*m.UndoesChangeID]
		if !ok {
			return nil, fmt.Errorf("%w: change %d", errs.ErrNotFound, *m.UndoesChangeID)
		}
		if target.UndoneByChangeID != nil {
			delete(f.changes, change.ID)
			return nil, errs.Consistency("change %d has already been undone", target.ID)
		}
		now := time.Now()
		target.UndoneByChangeID = &change.ID
		target.UndoneAt = &now
	}

	if m.OutboxKind != "" {
		var toSeq int64
		if res.Ledger != nil {
			toSeq = res.Ledger.Seq
		} else if entries := f.ledgers[item.ID]; len(entries) > 0 {
			toSeq = entries[len(entries)-1].Seq
		}
		for _, provider := range m.Providers {
			if f.hasOpenWindow(item.ID, provider, toSeq) {
				res.AlreadyQueued = append(res.AlreadyQueued, provider)
				continue
			}
			var fromSeq int64
			for _, e := range f.outbox {
				if e.ItemID == item.ID && e.Provider == provider && e.ToSeqInclusive > fromSeq {
					fromSeq = e.ToSeqInclusive
				}
			}
			key := ledger.IdempotencyKey(item.ID, provider, m.OutboxKind,
				ledger.Window{FromSeqExclusive: fromSeq, ToSeqInclusive: toSeq})
			if f.hasKey(key) {
				res.AlreadyQueued = append(res.AlreadyQueued, provider)
				continue
			}
			f.nextOutboxID++
			entry := &models.OutboxEntry{
				ID:               f.nextOutboxID,
				ItemID:           item.ID,
				Provider:         provider,
				Kind:             m.OutboxKind,
				FromSeqExclusive: fromSeq,
				ToSeqInclusive:   toSeq,
				IdempotencyKey:   key,
				Status:           models.OutboxStatusPending,
				CorrelationID:    m.CorrelationID,
				CreatedAt:        time.Now(),
			}
			f.outbox[entry.ID] = entry
			res.Enqueued = append(res.Enqueued, *entry)

			stKey := fmt.Sprintf("%d:%s", item.ID, provider)
			st, ok := f.statuses[stKey]
			if !ok {
				st = &models.ItemSyncStatus{ItemID: item.ID, Provider: provider}
				f.statuses[stKey] = st
			}
			st.Status = models.SyncStatusPending
		}
	}

	clone := *item
	res.Item = &clone
	return res, nil
}

func (f *fakeRepo) hasOpenWindow(itemID int64, provider string, toSeq int64) bool {
	for _, e := range f.outbox {
		if e.ItemID == itemID && e.Provider == provider && e.ToSeqInclusive >= toSeq &&
			(e.Status == models.OutboxStatusPending || e.Status == models.OutboxStatusInflight) {
			return true
		}
	}
	return false
}

func (f *fakeRepo) hasKey(key string) bool {
	for _, e := range f.outbox {
		if e.IdempotencyKey == key {
			return true
		}
	}
	return false
}

func (f *fakeRepo) GetItemByID(ctx context.Context, id int64) (*models.InventoryItem, error) {
	item, ok := f.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: item %d", errs.ErrNotFound, id)
	}
	clone := *item
	return &clone, nil
}

func (f *fakeRepo) GetChange(ctx context.Context, changeID int64) (*models.ChangeLogEntry, error) {
	change, ok := f.changes[changeID]
	if !ok {
		return nil, fmt.Errorf("%w: change %d", errs.ErrNotFound, changeID)
	}
	clone := *change
	return &clone, nil
}

func (f *fakeRepo) GetChangesByItem(ctx context.Context, itemID int64) ([]models.ChangeLogEntry, error) {
	var out []models.ChangeLogEntry
	for id := f.nextChangeID; id >= 1; id-- {
		if c, ok := f.changes[id]; ok && c.ItemID == itemID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeRepo) QuantityEntriesSince(ctx context.Context, itemID, sinceSeq int64) ([]models.LedgerEntry, error) {
	var out []models.LedgerEntry
	for _, e := range f.ledgers[itemID] {
		if e.Seq > sinceSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeRepo) LocationEntries(ctx context.Context, itemID int64) ([]models.LocationLedgerEntry, error) {
	return f.locations[itemID], nil
}

func (f *fakeRepo) GetSyncStatuses(ctx context.Context, itemID int64) ([]models.ItemSyncStatus, error) {
	var out []models.ItemSyncStatus
	for _, st := range f.statuses {
		if st.ItemID == itemID {
			out = append(out, *st)
		}
	}
	return out, nil
}

func (f *fakeRepo) GetSyncSettings(ctx context.Context, accountID int64) ([]models.SyncSettings, error) {
	var out []models.SyncSettings
	for _, p := range models.Providers {
		if enabled, ok := f.settings[fmt.Sprintf("%d:%s", accountID, p)]; ok {
			out = append(out, models.SyncSettings{BusinessAccountID: accountID, Provider: p, Enabled: enabled})
		}
	}
	return out, nil
}

func (f *fakeRepo) UpsertSyncSetting(ctx context.Context, accountID int64, provider string, enabled bool) error {
	f.settings[fmt.Sprintf("%d:%s", accountID, provider)] = enabled
	return nil
}

func (f *fakeRepo) EnabledProviders(ctx context.Context, accountID int64) ([]string, error) {
	var out []string
	for _, p := range models.Providers {
		if f.settings[fmt.Sprintf("%d:%s", accountID, p)] {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeRepo) ReenqueueFailed(ctx context.Context, entryID int64) error {
	entry, ok := f.outbox[entryID]
	if !ok {
		return fmt.Errorf("%w: outbox entry %d", errs.ErrNotFound, entryID)
	}
	if entry.Status != models.OutboxStatusFailed {
		return errs.Consistency("outbox entry %d is %s, not FAILED", entryID, entry.Status)
	}
	entry.Status = models.OutboxStatusPending
	return nil
}

// pendingFor lists pending outbox entries for an item ordered by id.
func (f *fakeRepo) pendingFor(itemID int64) []models.OutboxEntry {
	var out []models.OutboxEntry
	for id := int64(1); id <= f.nextOutboxID; id++ {
		e, ok := f.outbox[id]
		if ok && e.ItemID == itemID && e.Status == models.OutboxStatusPending {
			out = append(out, *e)
		}
	}
	return out
}

type fakePublisher struct {
	changed []*models.InventoryChangedEvent
	undone  []*models.ChangeUndoneEvent
}

func (p *fakePublisher) PublishInventoryChanged(ctx context.Context, event *models.InventoryChangedEvent) error {
	p.changed = append(p.changed, event)
	return nil
}

func (p *fakePublisher) PublishChangeUndone(ctx context.Context, event *models.ChangeUndoneEvent) error {
	p.undone = append(p.undone, event)
	return nil
}

type fakeLocker struct {
	held   map[int64]bool
	denied bool
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[int64]bool)}
}

func (l *fakeLocker) AcquireItemLock(ctx context.Context, itemID int64, ttl time.Duration) (bool, error) {
	if l.denied || l.held[itemID] {
		return false, nil
	}
	l.held[itemID] = true
	return true, nil
}

func (l *fakeLocker) ReleaseItemLock(ctx context.Context, itemID int64) error {
	delete(l.held, itemID)
	return nil
}

type fakeAuthorizer struct {
	owners map[string]bool
}

func (a *fakeAuthorizer) RequireOwner(ctx context.Context, accountID int64, actor string) error {
	if a.owners == nil || a.owners[fmt.Sprintf("%d:%s", accountID, actor)] {
		return nil
	}
	return errs.Validation("actor %s lacks owner privilege on account %d", actor, accountID)
}

type fakeCache struct {
	idemKeys    map[string]bool
	onHand      map[int64]int
	invalidated []int64
	checkErr    error
	storeFail   bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		idemKeys: make(map[string]bool),
		onHand:   make(map[int64]int),
	}
}

func (c *fakeCache) CheckIdempotencyKey(ctx context.Context, key string) (bool, error) {
	if c.checkErr != nil {
		return false, c.checkErr
	}
	return c.idemKeys[key], nil
}

func (c *fakeCache) SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if c.storeFail {
		return fmt.Errorf("cache write refused")
	}
	c.idemKeys[key] = true
	return nil
}

func (c *fakeCache) GetCachedOnHand(ctx context.Context, itemID int64) (int, bool, error) {
	v, ok := c.onHand[itemID]
	return v, ok, nil
}

func (c *fakeCache) CacheOnHand(ctx context.Context, itemID int64, available int, ttl time.Duration) error {
	c.onHand[itemID] = available
	return nil
}

func (c *fakeCache) InvalidateOnHand(ctx context.Context, itemID int64) error {
	delete(c.onHand, itemID)
	c.invalidated = append(c.invalidated, itemID)
	return nil
}
