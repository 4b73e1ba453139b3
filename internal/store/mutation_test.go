package store

import (
	"context"
	"testing"
	"time"

	"bricksync/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func itemRow(id int64, qty int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "business_account_id", "part_number", "color_id", "condition",
		"quantity_available", "quantity_reserved", "location", "price",
		"archived", "created_at", "updated_at",
	}).AddRow(id, int64(1), "3001", 5, "new", qty, 0, "A1-03", "2.500", false, time.Now(), time.Now())
}

func TestApplyMutationCreateMarksSyncPending(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO inventory_items`).
		WillReturnRows(itemRow(1, 0))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(seq\), 0\) FROM quantity_ledger`).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(0)))
	mock.ExpectQuery(`INSERT INTO quantity_ledger`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(1), time.Now()))
	mock.ExpectExec(`UPDATE inventory_items SET quantity_available = \$1`).
		WithArgs(10, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE inventory_items\s+SET location = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO change_log`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(1), time.Now()))
	mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(to_seq_inclusive\), 0\) FROM marketplace_outbox`).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(0)))
	mock.ExpectQuery(`INSERT INTO marketplace_outbox`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "next_attempt_at", "created_at"}).
			AddRow(int64(1), time.Now(), time.Now()))
	// The enqueue flips the provider's sync block to PENDING in the same
	// transaction; reads between enqueue and claim must not see SYNCED.
	mock.ExpectExec(`INSERT INTO item_sync_status`).
		WithArgs(int64(1), models.ProviderBricklink, models.SyncStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := store.ApplyMutation(context.Background(), &Mutation{
		Insert: &models.InventoryItem{
			BusinessAccountID: 1,
			PartNumber:        "3001",
			ColorID:           5,
			Condition:         "new",
			Location:          "A1-03",
			Price:             decimal.NewFromFloat(2.50),
		},
		WriteLedger:   true,
		QuantityDelta: 10,
		Reason:        models.ReasonInitialStock,
		Source:        models.SourceUser,
		ChangeType:    models.ChangeTypeCreate,
		Actor:         "alice",
		OutboxKind:    models.OutboxKindCreate,
		Providers:     []string{models.ProviderBricklink},
	})
	require.NoError(t, err)
	require.Len(t, res.Enqueued, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}
