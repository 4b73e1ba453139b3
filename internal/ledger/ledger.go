// Package ledger holds the pure rules of the quantity ledger: sequence
// assignment, balance arithmetic, replay verification and sync-window keys.
// Persistence lives in the store; everything here is deterministic.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"bricksync/internal/errs"
	"bricksync/internal/models"
)

// AppendOptions tune balance policy for a single append.
type AppendOptions struct {
	// AllowNegative permits the resulting balance to go below zero. The
	// default policy rejects it.
	AllowNegative    bool
	Actor            string
	ExternalOrderRef string
	CorrelationID    string
}

// NextQuantityEntry computes the ledger entry that follows lastSeq for an item
// currently holding available units. It does not persist anything.
func NextQuantityEntry(itemID, accountID, lastSeq int64, available, delta int, reason, source string, opts AppendOptions) (models.LedgerEntry, error) {
	post := available + delta
	if post < 0 && !opts.AllowNegative {
		return models.LedgerEntry{}, errs.Validation(
			"item %d: delta %d would drive balance negative (%d -> %d)", itemID, delta, available, post)
	}

	return models.LedgerEntry{
		ItemID:            itemID,
		BusinessAccountID: accountID,
		Seq:               lastSeq + 1,
		PreAvailable:      available,
		PostAvailable:     post,
		DeltaAvailable:    delta,
		Reason:            reason,
		Source:            source,
		Actor:             opts.Actor,
		ExternalOrderRef:  opts.ExternalOrderRef,
		CorrelationID:     opts.CorrelationID,
	}, nil
}

// Replay folds a full ledger chain and returns the final balance. The chain
// must be anchored at the origin: first entry at seq 1 with a zero opening
// balance. A gap or duplicate in seq, or a balance that does not carry over,
// fails the replay.
func Replay(entries []models.LedgerEntry) (int, error) {
	balance := 0
	prevSeq := int64(0)
	for _, e := range entries {
		if e.Seq != prevSeq+1 {
			return 0, errs.Consistency("ledger gap at seq %d (expected %d)", e.Seq, prevSeq+1)
		}
		if e.PreAvailable != balance {
			return 0, errs.Consistency(
				"ledger balance mismatch at seq %d: pre=%d, running=%d", e.Seq, e.PreAvailable, balance)
		}
		if e.PostAvailable != e.PreAvailable+e.DeltaAvailable {
			return 0, errs.Consistency(
				"ledger arithmetic broken at seq %d: %d + %d != %d", e.Seq, e.PreAvailable, e.DeltaAvailable, e.PostAvailable)
		}
		balance = e.PostAvailable
		prevSeq = e.Seq
	}
	return balance, nil
}

// Window is the contiguous ledger-sequence range (From, To] covered by one
// outbox entry.
type Window struct {
	FromSeqExclusive int64
	ToSeqInclusive   int64
}

// Contains reports whether seq falls inside the window.
func (w Window) Contains(seq int64) bool {
	return seq > w.FromSeqExclusive && seq <= w.ToSeqInclusive
}

// IdempotencyKey derives the stable key for a sync operation. Retries of the
// same (item, provider, kind, window) always produce the same key.
func IdempotencyKey(itemID int64, provider, kind string, w Window) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d:%s:%s:%d:%d",
		itemID, provider, kind, w.FromSeqExclusive, w.ToSeqInclusive)))
	return hex.EncodeToString(sum[:16])
}
